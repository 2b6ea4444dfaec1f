// Package execute runs fully-resolved steps as child processes with live
// output streaming. Commands are always spawned via direct argv creation,
// never through a shell interpreter.
package execute

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// Invocation is a fully-resolved command ready to spawn: explicit argv,
// environment overlay and working directory.
type Invocation struct {
	Argv    []string
	Dir     string
	Env     map[string]string
	Capture bool
	Timeout time.Duration
}

// Result holds the outcome of a single invocation. A non-zero exit code
// is a normal Result, not a Go error; the engine decides what it means.
type Result struct {
	ExitCode int
	Stdout   string // populated only when Capture was requested
	Stderr   string
	Duration time.Duration
}

// Runner abstracts real vs fake execution so the engine is testable
// without spawning processes.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// OutputSink receives streamed output lines as the child produces them.
// Stream is "stdout" or "stderr". The two streams are drained by separate
// goroutines, so implementations must be safe for concurrent use.
type OutputSink interface {
	Line(stream, line string)
}

// discardSink is used when no sink is configured.
type discardSink struct{}

func (discardSink) Line(string, string) {}

// TimeoutError reports a step exceeding its configured timeout. The child
// process has been terminated by the time this is returned.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q exceeded timeout %s", strings.Join(e.Argv, " "), e.Timeout)
}

// WorkdirError reports a relative working directory. Relative paths are
// rejected outright: they would silently depend on the caller's cwd.
type WorkdirError struct {
	Dir string
}

func (e *WorkdirError) Error() string {
	return fmt.Sprintf("working directory %q must be absolute", e.Dir)
}

// Options configures the implicit programs selected by action kind.
type Options struct {
	// ToolPath is the automation tool binary prepended for tool steps.
	ToolPath string
	// KubectlPath is the cluster CLI prepended for kubectl steps.
	KubectlPath string
}

// Defaults fills zero fields with the standard program names.
func (o Options) defaults() Options {
	if o.ToolPath == "" {
		o.ToolPath = "taskrun"
	}
	if o.KubectlPath == "" {
		o.KubectlPath = "kubectl"
	}
	return o
}

// BuildInvocation converts a resolved step into an Invocation. When the
// step has no explicit args list, the command string is tokenized by
// whitespace — terse task authoring at the cost of quoted arguments,
// which require the explicit args form. Tool and kubectl steps get their
// implicit program prepended; the process model is otherwise identical.
func BuildInvocation(step schema.Step, opts Options) (Invocation, error) {
	opts = opts.defaults()

	argv := step.Args
	if len(argv) == 0 {
		argv = strings.Fields(step.Command)
	} else if step.Command != "" {
		argv = append([]string{step.Command}, argv...)
	}
	if len(argv) == 0 {
		return Invocation{}, fmt.Errorf("step %q has no command", step.Name)
	}

	switch step.Type {
	case schema.ActionShell:
		// argv as written
	case schema.ActionKubectl:
		argv = append([]string{opts.KubectlPath}, argv...)
	case schema.ActionTool:
		argv = append([]string{opts.ToolPath}, argv...)
	default:
		return Invocation{}, fmt.Errorf("step %q has unknown action kind %q", step.Name, step.Type)
	}

	if step.WorkingDirectory != "" && !filepath.IsAbs(step.WorkingDirectory) {
		return Invocation{}, &WorkdirError{Dir: step.WorkingDirectory}
	}

	inv := Invocation{
		Argv:    argv,
		Dir:     step.WorkingDirectory,
		Env:     step.Env,
		Capture: step.Capture,
	}
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return Invocation{}, fmt.Errorf("step %q: invalid timeout %q: %w", step.Name, step.Timeout, err)
		}
		inv.Timeout = d
	}
	return inv, nil
}
