// Package engine is the top-level orchestrator: it loads a task, resolves
// includes, merges variables, substitutes placeholders and executes steps
// in order, aggregating a RunReport for the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/taskrun/pkg/config"
	"github.com/ormasoftchile/taskrun/pkg/execute"
	"github.com/ormasoftchile/taskrun/pkg/interp"
	"github.com/ormasoftchile/taskrun/pkg/resolve"
	"github.com/ormasoftchile/taskrun/pkg/schema"
	"github.com/ormasoftchile/taskrun/pkg/vars"
)

// Events receives step lifecycle notifications. The engine prints nothing
// itself; callers plug in a reporter. All methods may be called with a
// nil-safe zero value.
type Events interface {
	StepStarted(index, total int, step schema.Step)
	StepFinished(result StepResult)
}

type noEvents struct{}

func (noEvents) StepStarted(int, int, schema.Step) {}
func (noEvents) StepFinished(StepResult)           {}

// Engine executes named tasks. Construct one per project; each Run builds
// its own immutable variable set, so runs are independent.
type Engine struct {
	Config *config.Config
	Runner execute.Runner
	Opts   execute.Options
	Events Events
	// StrictIncludes makes missing include targets fatal instead of the
	// default warn-and-continue.
	StrictIncludes bool
	// TasksDir overrides the conventional <root>/tasks directory.
	TasksDir string
}

// New returns an engine that executes steps with a streaming runner.
func New(cfg *config.Config, runner execute.Runner) *Engine {
	return &Engine{Config: cfg, Runner: runner}
}

// resolver builds the include resolver for the configured tasks directory.
func (e *Engine) resolver() *resolve.Resolver {
	dir := e.TasksDir
	if dir == "" {
		dir = e.Config.TasksDir()
	}
	return &resolve.Resolver{
		Loader: &resolve.Loader{Dir: dir},
		Strict: e.StrictIncludes,
	}
}

// mergeVars builds the immutable resolved set for one run.
func (e *Engine) mergeVars(declared, overrides map[string]string) vars.Resolved {
	base := vars.FlattenConfig(e.Config.Values)
	computed := vars.Computed(e.Config.Root)
	return vars.Merge(base, declared, overrides, computed)
}

// Preview returns the variable set a run of the named task would use,
// without executing anything.
func (e *Engine) Preview(name string, overrides map[string]string) (vars.Resolved, []resolve.Warning, error) {
	flat, err := e.resolver().Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	return e.mergeVars(flat.Task.Variables, overrides), flat.Warnings, nil
}

// Run executes the named task with the given runtime overrides.
//
// Fatal pre-run errors (unknown task, circular include) return a nil
// report. Once steps start, failures are recorded in the report: the run
// halts at the first non-ignorable failure and the aggregate is FailedAt.
// A returned error alongside a non-nil report means the run was aborted
// mid-flight (cancellation or runaway substitution).
func (e *Engine) Run(ctx context.Context, name string, overrides map[string]string) (*RunReport, error) {
	events := e.Events
	if events == nil {
		events = noEvents{}
	}

	flat, err := e.resolver().Resolve(name)
	if err != nil {
		return nil, err
	}
	resolved := e.mergeVars(flat.Task.Variables, overrides)

	report := &RunReport{
		Task:     flat.Task.Name,
		Warnings: flat.Warnings,
		FailedAt: -1,
		Captures: map[string]string{},
	}

	total := len(flat.Task.Steps)
	for i, step := range flat.Task.Steps {
		events.StepStarted(i, total, step)

		res, abort := e.runStep(ctx, i, step, resolved, report.Captures)
		report.Steps = append(report.Steps, res)
		events.StepFinished(res)

		if res.Status == StatusSuccess && step.Capture {
			report.Captures[step.Name] = res.Output
		}
		if res.Status == StatusFailed && !res.Ignored {
			report.FailedAt = i
			return report, abort
		}
	}
	return report, nil
}

// runStep executes one step. The returned error is non-nil only for
// abort-class conditions (cancellation, substitution depth) that must end
// the run regardless of ignore_errors.
func (e *Engine) runStep(ctx context.Context, index int, step schema.Step, resolved vars.Resolved, captures map[string]string) (StepResult, error) {
	res := StepResult{Index: index, Name: step.Name, Ignored: step.IgnoreErrors}

	fail := func(reason string) (StepResult, error) {
		res.Status = StatusFailed
		res.Reason = reason
		return res, nil
	}

	expanded, err := interp.ExpandStep(step, resolved)
	if err != nil {
		var depth *interp.DepthExceededError
		if errors.As(err, &depth) {
			res.Status = StatusFailed
			res.Ignored = false
			res.Reason = err.Error()
			return res, fmt.Errorf("step %q: %w", step.Name, err)
		}
		return fail(err.Error())
	}

	if expanded.Condition != "" {
		ok, err := evalCondition(expanded.Condition, resolved, captures)
		if err != nil {
			return fail(fmt.Sprintf("condition: %v", err))
		}
		if !ok {
			res.Status = StatusSkipped
			res.Ignored = false
			res.Reason = fmt.Sprintf("condition %q is false", expanded.Condition)
			return res, nil
		}
	}

	inv, err := execute.BuildInvocation(expanded, e.Opts)
	if err != nil {
		return fail(err.Error())
	}

	out, err := e.Runner.Run(ctx, inv)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Status = StatusFailed
			res.Ignored = false
			res.Reason = err.Error()
			return res, fmt.Errorf("step %q: %w", step.Name, ctxErr)
		}
		return fail(err.Error())
	}

	res.ExitCode = out.ExitCode
	res.Output = out.Stdout
	res.Stderr = out.Stderr
	res.Duration = out.Duration
	if out.ExitCode != 0 {
		return fail(fmt.Sprintf("exit code %d", out.ExitCode))
	}
	res.Status = StatusSuccess
	res.Ignored = false
	return res, nil
}

// evalCondition evaluates a step condition with expr-lang. Variables and
// run-scoped captures form the expression environment; capture names have
// spaces replaced so step names stay referenceable.
func evalCondition(cond string, resolved vars.Resolved, captures map[string]string) (bool, error) {
	env := make(map[string]interface{}, len(resolved)+len(captures))
	for k, v := range resolved {
		env[envKey(k)] = v
	}
	for k, v := range captures {
		env[envKey(k)] = strings.TrimSpace(v)
	}

	program, err := expr.Compile(cond, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile %q: %w", cond, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", cond, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", cond, out)
	}
	return b, nil
}

// envKey makes a variable name usable as an expr identifier.
func envKey(name string) string {
	return strings.NewReplacer(" ", "_", ".", "_", "-", "_").Replace(name)
}
