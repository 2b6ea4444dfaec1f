// Package diagram renders visual pipelines from flattened tasks.
// Supports Mermaid flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Generate produces a diagram string for a task's step pipeline. The task
// should already be flattened so included steps appear in run order.
func Generate(task *schema.Task, format Format) (string, error) {
	if task == nil {
		return "", fmt.Errorf("nil task")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(task), nil
	case FormatASCII:
		return generateASCII(task), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(task *schema.Task) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")

	steps := task.Steps
	if len(steps) == 0 {
		return b.String()
	}

	b.WriteString("    START([Start]) --> " + safeID(steps[0].Name) + "\n")

	for i, s := range steps {
		b.WriteString("    " + nodeDefinition(s) + "\n")
		if i == len(steps)-1 {
			continue
		}
		next := safeID(steps[i+1].Name)
		if s.IgnoreErrors {
			// Failure does not block the pipeline; label the edge.
			b.WriteString(fmt.Sprintf("    %s -->|\"always\"| %s\n", safeID(s.Name), next))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(s.Name), next))
		}
	}

	last := steps[len(steps)-1]
	b.WriteString("    DONE([Done])\n")
	b.WriteString("    " + safeID(last.Name) + " --> DONE\n")
	b.WriteString("    style DONE fill:#0d6,stroke:#0a5,color:#fff\n")

	// Conditional steps get a distinct fill.
	for _, s := range steps {
		if s.Condition != "" {
			b.WriteString(fmt.Sprintf("    style %s fill:#1a3a4a,stroke:#0af\n", safeID(s.Name)))
		}
	}

	return b.String()
}

func nodeDefinition(s schema.Step) string {
	id := safeID(s.Name)
	icon := stepIcon(s.Type)

	suffix := ""
	if s.Capture {
		suffix = "<br/>→ " + s.Name
	}
	if s.Condition != "" {
		suffix += "<br/>if " + escMermaid(truncate(s.Condition, 30))
	}

	switch s.Type {
	case schema.ActionKubectl:
		return fmt.Sprintf(`%s[/"`+icon+` %s%s"/]`, id, escMermaid(s.Name), suffix)
	case schema.ActionTool:
		return fmt.Sprintf(`%s[["`+icon+` %s%s"]]`, id, escMermaid(s.Name), suffix)
	default:
		return fmt.Sprintf(`%s["`+icon+` %s%s"]`, id, escMermaid(s.Name), suffix)
	}
}

// --- ASCII ---

func generateASCII(task *schema.Task) string {
	var b strings.Builder

	name := task.Name
	if name == "" {
		name = "Task"
	}

	steps := task.Steps
	if len(steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := computeUniformBoxWidth(steps, name)
	connCol := indent + 1 + boxWidth/2 // +1 accounts for the └/┌ border character
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	// Header, same width as body boxes, name centered.
	headerText := centerPad(name, boxWidth)
	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + headerText + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	for i, s := range steps {
		writeASCIIStep(&b, s, indent, boxWidth)
		if i < len(steps)-1 {
			b.WriteString(connPad + "│\n")
		}
	}

	b.WriteString(connPad + "│\n")
	b.WriteString(strings.Repeat(" ", connCol-2) + "✓ done\n")

	return b.String()
}

// computeUniformBoxWidth returns the widest interior width needed across
// all steps and the header name.
func computeUniformBoxWidth(steps []schema.Step, name string) int {
	w := 22
	if nw := runewidth.StringWidth(name) + 4; nw > w {
		w = nw
	}
	for _, s := range steps {
		if sw := stepContentWidth(s); sw > w {
			w = sw
		}
	}
	return w
}

// stepContentWidth returns the interior width a single step box needs.
func stepContentWidth(s schema.Step) int {
	content := fmt.Sprintf(" %s %s ", stepIcon(s.Type), s.Name)
	w := runewidth.StringWidth(content)
	for _, extra := range stepAnnotations(s) {
		if ew := runewidth.StringWidth(extra); ew > w {
			w = ew
		}
	}
	return w
}

// stepAnnotations returns the secondary lines shown inside a step box.
func stepAnnotations(s schema.Step) []string {
	var lines []string
	if s.Condition != "" {
		lines = append(lines, " if "+truncate(s.Condition, 40)+" ")
	}
	if s.Capture {
		lines = append(lines, " → "+s.Name+" ")
	}
	if s.IgnoreErrors {
		lines = append(lines, " (failure tolerated) ")
	}
	return lines
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", total-left)
}

func writeASCIIStep(b *strings.Builder, s schema.Step, indent, boxWidth int) {
	content := fmt.Sprintf(" %s %s ", stepIcon(s.Type), s.Name)
	contentWidth := runewidth.StringWidth(content)

	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-contentWidth) + "│\n")
	for _, line := range stepAnnotations(s) {
		lw := runewidth.StringWidth(line)
		b.WriteString(pad + "│" + line + strings.Repeat(" ", boxWidth-lw) + "│\n")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func stepIcon(kind schema.ActionKind) string {
	switch kind {
	case schema.ActionShell:
		return "⚡"
	case schema.ActionKubectl:
		return "☸"
	case schema.ActionTool:
		return "🔧"
	default:
		return "○"
	}
}

// --- string helpers ---

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

// truncate shortens s to max display columns. Truncation is rune-aware;
// byte slicing could split a multibyte character.
func truncate(s string, max int) string {
	return runewidth.Truncate(s, max, "...")
}
