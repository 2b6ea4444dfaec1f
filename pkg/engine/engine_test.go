package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ormasoftchile/taskrun/pkg/config"
	"github.com/ormasoftchile/taskrun/pkg/execute"
	"github.com/ormasoftchile/taskrun/pkg/interp"
	"github.com/ormasoftchile/taskrun/pkg/resolve"
	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// fakeRunner records invocations and replays programmed results without
// spawning processes.
type fakeRunner struct {
	commands []string
	exits    map[string]int    // argv join -> exit code
	stdout   map[string]string // argv join -> captured stdout
}

func (f *fakeRunner) Run(ctx context.Context, inv execute.Invocation) (*execute.Result, error) {
	key := strings.Join(inv.Argv, " ")
	f.commands = append(f.commands, key)
	res := &execute.Result{ExitCode: f.exits[key]}
	if inv.Capture {
		res.Stdout = f.stdout[key]
	}
	return res, nil
}

// project writes a config.yaml plus task files and returns an engine
// wired to a fake runner.
func project(t *testing.T, cfgYAML string, tasks map[string]string) (*Engine, *fakeRunner) {
	t.Helper()
	root := t.TempDir()
	if cfgYAML != "" {
		if err := os.WriteFile(filepath.Join(root, config.FileName), []byte(cfgYAML), 0644); err != nil {
			t.Fatal(err)
		}
	}
	tasksDir := filepath.Join(root, config.TasksDirName)
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range tasks {
		if err := os.WriteFile(filepath.Join(tasksDir, name+".yaml"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	runner := &fakeRunner{exits: map[string]int{}, stdout: map[string]string{}}
	return New(cfg, runner), runner
}

// TestRunSubstitutesAndExecutes: the happy path end to end.
func TestRunSubstitutesAndExecutes(t *testing.T) {
	e, runner := project(t, "registry:\n  tag: latest\n", map[string]string{
		"build": `
name: build
steps:
  - name: Build image
    type: shell
    command: make image-build TAG=${REGISTRY_TAG}
`,
	})

	report, err := e.Run(context.Background(), "build", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("report not OK: %+v", report)
	}
	if !reflect.DeepEqual(runner.commands, []string{"make image-build TAG=latest"}) {
		t.Errorf("commands = %v", runner.commands)
	}
	if report.Steps[0].Status != StatusSuccess {
		t.Errorf("step status = %q", report.Steps[0].Status)
	}
}

// TestRunTierPrecedence: runtime overrides beat declared beat base.
func TestRunTierPrecedence(t *testing.T) {
	tasks := map[string]string{
		"push": `
name: push
variables:
  registry_tag: dev
steps:
  - name: Push
    type: shell
    command: push ${registry_tag}
`,
	}

	// declared beats base
	e, runner := project(t, "registry_tag: latest\n", tasks)
	if _, err := e.Run(context.Background(), "push", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.commands[0] != "push dev" {
		t.Errorf("declared tier: %q", runner.commands[0])
	}

	// runtime beats both
	e, runner = project(t, "registry_tag: latest\n", tasks)
	if _, err := e.Run(context.Background(), "push", map[string]string{"registry_tag": "ci-123"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.commands[0] != "push ci-123" {
		t.Errorf("runtime tier: %q", runner.commands[0])
	}
}

// TestRunIgnoreFailure: an ignorable failure is recorded but the run
// continues and the aggregate stays OK.
func TestRunIgnoreFailure(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"two": `
name: two
steps:
  - name: May fail
    type: shell
    command: "false"
    ignore_errors: true
  - name: Always runs
    type: shell
    command: "true"
`,
	})
	runner.exits["false"] = 1

	report, err := e.Run(context.Background(), "two", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(report.Steps))
	}
	if report.Steps[0].Status != StatusFailed || !report.Steps[0].Ignored {
		t.Errorf("step 0 = %+v, want ignored failure", report.Steps[0])
	}
	if report.Steps[1].Status != StatusSuccess {
		t.Errorf("step 1 = %+v", report.Steps[1])
	}
	if !report.OK() || report.FailedAt != -1 {
		t.Errorf("aggregate = FailedAt(%d), want OK", report.FailedAt)
	}
}

// TestRunHaltsOnFatalFailure: without ignore_errors the second step never
// executes and the aggregate is FailedAt(0).
func TestRunHaltsOnFatalFailure(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"two": `
name: two
steps:
  - name: Fails
    type: shell
    command: "false"
  - name: Never runs
    type: shell
    command: "true"
`,
	})
	runner.exits["false"] = 1

	report, err := e.Run(context.Background(), "two", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Steps) != 1 {
		t.Fatalf("steps = %d, want 1 (halt after failure)", len(report.Steps))
	}
	if report.FailedAt != 0 || report.OK() {
		t.Errorf("aggregate = FailedAt(%d)", report.FailedAt)
	}
	if !reflect.DeepEqual(runner.commands, []string{"false"}) {
		t.Errorf("commands = %v", runner.commands)
	}
}

// TestRunIncludeFlattening: include steps run first, include variables
// lose to the main task's declarations.
func TestRunIncludeFlattening(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"common": `
name: common
variables:
  x: "1"
steps:
  - name: c-step
    type: shell
    command: echo c ${x}
`,
		"main": `
name: main
includes: [common]
variables:
  x: "2"
steps:
  - name: main-step
    type: shell
    command: echo m ${x}
`,
	})

	report, err := e.Run(context.Background(), "main", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"echo c 2", "echo m 2"}
	if !reflect.DeepEqual(runner.commands, want) {
		t.Errorf("commands = %v, want %v", runner.commands, want)
	}
	if report.Task != "main" {
		t.Errorf("task = %q", report.Task)
	}
}

// TestRunMissingIncludeWarns: the run proceeds and the report carries the
// warning.
func TestRunMissingIncludeWarns(t *testing.T) {
	e, _ := project(t, "", map[string]string{
		"main": `
name: main
includes: [absent]
steps:
  - name: main-step
    type: shell
    command: "true"
`,
	})

	report, err := e.Run(context.Background(), "main", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Error("run should succeed despite missing include")
	}
	if len(report.Warnings) != 1 || report.Warnings[0].Include != "absent" {
		t.Errorf("warnings = %v", report.Warnings)
	}
}

// TestRunStrictIncludes: the same project fails before any step runs.
func TestRunStrictIncludes(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"main": `
name: main
includes: [absent]
steps:
  - name: main-step
    type: shell
    command: "true"
`,
	})
	e.StrictIncludes = true

	_, err := e.Run(context.Background(), "main", nil)
	var nf *resolve.TaskNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}
	if len(runner.commands) != 0 {
		t.Errorf("no step should have executed, got %v", runner.commands)
	}
}

// TestRunCircularInclude fails before any step executes.
func TestRunCircularInclude(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"a": "name: a\nincludes: [b]\nsteps:\n  - {name: a1, type: shell, command: x}\n",
		"b": "name: b\nincludes: [a]\nsteps:\n  - {name: b1, type: shell, command: x}\n",
	})

	report, err := e.Run(context.Background(), "a", nil)
	var ce *resolve.CircularIncludeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CircularIncludeError, got %v", err)
	}
	if report != nil {
		t.Error("no report should be produced for a pre-run failure")
	}
	if len(runner.commands) != 0 {
		t.Errorf("commands = %v", runner.commands)
	}
}

// TestRunUnknownTask is fatal pre-run.
func TestRunUnknownTask(t *testing.T) {
	e, _ := project(t, "", nil)
	_, err := e.Run(context.Background(), "ghost", nil)
	var nf *resolve.TaskNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}
}

// TestRunUnresolvedVariable: fatal for the step; ignore_errors downgrades
// it to a recorded failure.
func TestRunUnresolvedVariable(t *testing.T) {
	e, _ := project(t, "", map[string]string{
		"bad": `
name: bad
steps:
  - name: Typo
    type: shell
    command: echo ${NO_SUCH}
`,
	})

	report, err := e.Run(context.Background(), "bad", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FailedAt != 0 {
		t.Errorf("FailedAt = %d", report.FailedAt)
	}
	if !strings.Contains(report.Steps[0].Reason, "unresolved variable") {
		t.Errorf("reason = %q", report.Steps[0].Reason)
	}

	e2, runner := project(t, "", map[string]string{
		"tolerant": `
name: tolerant
steps:
  - name: Typo
    type: shell
    command: echo ${NO_SUCH}
    ignore_errors: true
  - name: Continues
    type: shell
    command: "true"
`,
	})
	report, err = e2.Run(context.Background(), "tolerant", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Error("ignorable substitution failure should not fail the run")
	}
	if !reflect.DeepEqual(runner.commands, []string{"true"}) {
		t.Errorf("commands = %v", runner.commands)
	}
}

// TestRunSubstitutionDepthAborts: runaway expansion aborts the run even
// with ignore_errors set.
func TestRunSubstitutionDepthAborts(t *testing.T) {
	e, _ := project(t, "", map[string]string{
		"loop": `
name: loop
variables:
  loop: ${loop}
steps:
  - name: Runaway
    type: shell
    command: echo ${loop}
    ignore_errors: true
`,
	})

	report, err := e.Run(context.Background(), "loop", nil)
	var de *interp.DepthExceededError
	if !errors.As(err, &de) {
		t.Fatalf("expected DepthExceededError, got %v", err)
	}
	if report == nil || report.FailedAt != 0 {
		t.Errorf("report = %+v", report)
	}
}

// TestRunConditionSkip: a false condition skips the step without failing
// the run.
func TestRunConditionSkip(t *testing.T) {
	e, runner := project(t, "build:\n  local: false\n", map[string]string{
		"cond": `
name: cond
steps:
  - name: Local only
    type: shell
    command: make local-build
    condition: BUILD_LOCAL == "true"
  - name: Always
    type: shell
    command: "true"
`,
	})

	report, err := e.Run(context.Background(), "cond", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Steps[0].Status != StatusSkipped {
		t.Errorf("step 0 = %+v, want skipped", report.Steps[0])
	}
	if !report.OK() {
		t.Error("skip must not fail the run")
	}
	if !reflect.DeepEqual(runner.commands, []string{"true"}) {
		t.Errorf("commands = %v", runner.commands)
	}
}

// TestRunCaptureFeedsConditions: captured stdout lands in the run-scoped
// table and is visible to later conditions under the step's name.
func TestRunCaptureFeedsConditions(t *testing.T) {
	e, runner := project(t, "", map[string]string{
		"cap": `
name: cap
steps:
  - name: probe
    type: shell
    command: cat VERSION
    capture: true
  - name: Release
    type: shell
    command: make release
    condition: probe == "v1.2.3"
`,
	})
	runner.stdout["cat VERSION"] = "v1.2.3\n"

	report, err := e.Run(context.Background(), "cap", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Captures["probe"] != "v1.2.3\n" {
		t.Errorf("captures = %v", report.Captures)
	}
	if report.Steps[1].Status != StatusSuccess {
		t.Errorf("step 1 = %+v, want condition true and executed", report.Steps[1])
	}
	if !reflect.DeepEqual(runner.commands, []string{"cat VERSION", "make release"}) {
		t.Errorf("commands = %v", runner.commands)
	}
}

// TestPreview merges variables without running anything.
func TestPreview(t *testing.T) {
	e, runner := project(t, "registry:\n  tag: latest\n", map[string]string{
		"build": `
name: build
variables:
  registry_tag: dev
steps:
  - name: b
    type: shell
    command: "true"
`,
	})

	resolved, warnings, err := e.Preview("build", map[string]string{"extra": "1"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if resolved["REGISTRY_TAG"] != "latest" || resolved["registry_tag"] != "dev" || resolved["extra"] != "1" {
		t.Errorf("resolved = %v", resolved)
	}
	if resolved["PROJECT_ROOT"] != e.Config.Root {
		t.Errorf("PROJECT_ROOT = %q", resolved["PROJECT_ROOT"])
	}
	if len(runner.commands) != 0 {
		t.Errorf("preview must not execute: %v", runner.commands)
	}
}

// TestRunExampleProject runs the checked-in fixture project end to end
// with a fake runner: includes flatten, nested variables resolve, and the
// implicit kubectl program is prepended.
func TestRunExampleProject(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "testdata", "project"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	runner := &fakeRunner{exits: map[string]int{}, stdout: map[string]string{}}
	e := New(cfg, runner)

	report, err := e.Run(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.OK() {
		t.Fatalf("report not OK: %+v", report)
	}
	want := []string{
		"kubectl cluster-info",
		"make image-build IMG=ghcr.io/contoso/operator:latest",
		"kubectl apply -f deploy/manifests.yaml",
		"kubectl rollout status deployment/operator",
	}
	if !reflect.DeepEqual(runner.commands, want) {
		t.Errorf("commands = %v, want %v", runner.commands, want)
	}
}

// eventLog records lifecycle notifications.
type eventLog struct {
	entries []string
}

func (l *eventLog) StepStarted(index, total int, step schema.Step) {
	l.entries = append(l.entries, "start "+step.Name)
}

func (l *eventLog) StepFinished(res StepResult) {
	l.entries = append(l.entries, "finish "+res.Name+" "+string(res.Status))
}

// TestRunEvents verifies lifecycle ordering.
func TestRunEvents(t *testing.T) {
	e, _ := project(t, "", map[string]string{
		"two": `
name: two
steps:
  - {name: one, type: shell, command: "true"}
  - {name: two, type: shell, command: "true"}
`,
	})
	log := &eventLog{}
	e.Events = log

	if _, err := e.Run(context.Background(), "two", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"start one", "finish one success", "start two", "finish two success"}
	if !reflect.DeepEqual(log.entries, want) {
		t.Errorf("events = %v", log.entries)
	}
}
