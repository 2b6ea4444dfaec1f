package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/taskrun/pkg/engine"
	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// Step status glyphs — convey meaning without relying on color alone.
const (
	glyphRunning = "▸"
	glyphPassed  = "✓"
	glyphFailed  = "✗"
	glyphSkipped = "⏭"
	glyphWarning = "⚠"
)

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	passedStyle = lipgloss.NewStyle().Foreground(colorGreen)
	failedStyle = lipgloss.NewStyle().Foreground(colorRed)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
)

// consoleEvents prints step lifecycle lines as the run progresses.
type consoleEvents struct{}

func (consoleEvents) StepStarted(index, total int, step schema.Step) {
	fmt.Printf("%s [%d/%d] %s\n", headerStyle.Render(glyphRunning), index+1, total, step.Name)
}

func (consoleEvents) StepFinished(res engine.StepResult) {
	dur := ""
	if res.Duration > 0 {
		dur = dimStyle.Render("  " + res.Duration.Round(time.Millisecond).String())
	}
	switch res.Status {
	case engine.StatusSuccess:
		fmt.Printf("%s %s%s\n", passedStyle.Render(glyphPassed), res.Name, dur)
	case engine.StatusSkipped:
		fmt.Printf("%s %s  %s\n", dimStyle.Render(glyphSkipped), res.Name, dimStyle.Render(res.Reason))
	case engine.StatusFailed:
		glyph := failedStyle.Render(glyphFailed)
		note := res.Reason
		if res.Ignored {
			glyph = warnStyle.Render(glyphFailed)
			note += " (ignored)"
		}
		fmt.Printf("%s %s  %s\n", glyph, res.Name, note)
	}
}

// consoleSink forwards child process output to the terminal as it
// arrives. Both streams are drained concurrently, so writes are locked to
// keep lines whole.
type consoleSink struct {
	mu sync.Mutex
}

func (s *consoleSink) Line(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == "stderr" {
		fmt.Fprintln(os.Stderr, dimStyle.Render("  │ ")+line)
		return
	}
	fmt.Println(dimStyle.Render("  │ ") + line)
}

// printReport renders the aggregate run summary.
func printReport(report *engine.RunReport) {
	fmt.Println()
	fmt.Println(headerStyle.Render("── " + report.Task + " ──"))

	passed, failed, skipped := 0, 0, 0
	for _, s := range report.Steps {
		switch s.Status {
		case engine.StatusSuccess:
			passed++
		case engine.StatusFailed:
			failed++
		case engine.StatusSkipped:
			skipped++
		}
	}
	fmt.Printf("  %d steps: %d passed, %d failed, %d skipped\n",
		len(report.Steps), passed, failed, skipped)

	for _, w := range report.Warnings {
		fmt.Println("  " + warnStyle.Render(glyphWarning+" "+w.String()))
	}
	if report.OK() {
		fmt.Println("  " + passedStyle.Render(glyphPassed+" completed"))
		return
	}
	at := report.Steps[report.FailedAt]
	fmt.Println("  " + failedStyle.Render(fmt.Sprintf("%s failed at step %d (%s): %s",
		glyphFailed, at.Index+1, at.Name, at.Reason)))
}

// renderMarkdown converts markdown to styled terminal output, falling back
// to the raw input when glamour is unavailable.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n") + "\n"
}

// taskMarkdown builds the markdown document shown by the show command.
func taskMarkdown(task *schema.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", task.Description)
	}
	if len(task.Includes) > 0 {
		fmt.Fprintf(&b, "**Includes:** %s\n\n", strings.Join(task.Includes, ", "))
	}
	if len(task.Variables) > 0 {
		b.WriteString("## Variables\n\n")
		for _, k := range sortedKeys(task.Variables) {
			fmt.Fprintf(&b, "- `%s` = `%s`\n", k, task.Variables[k])
		}
		b.WriteString("\n")
	}
	b.WriteString("## Steps\n\n")
	for i, s := range task.Steps {
		fmt.Fprintf(&b, "%d. **%s** (%s)\n", i+1, s.Name, s.Type)
		cmd := s.Command
		if len(s.Args) > 0 {
			cmd = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		}
		fmt.Fprintf(&b, "   `%s`\n", cmd)
		if s.Condition != "" {
			fmt.Fprintf(&b, "   when `%s`\n", s.Condition)
		}
		if s.IgnoreErrors {
			b.WriteString("   failure tolerated\n")
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
