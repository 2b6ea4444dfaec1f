package engine

import (
	"time"

	"github.com/ormasoftchile/taskrun/pkg/resolve"
)

// Status is the outcome of a single step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult records one step's outcome. Output and Stderr are populated
// only when the step requested capture.
type StepResult struct {
	Index    int
	Name     string
	Status   Status
	ExitCode int
	Output   string
	Stderr   string
	Ignored  bool   // failed, but the step was marked ignore_errors
	Reason   string // failure or skip explanation
	Duration time.Duration
}

// RunReport is the aggregate record of one engine invocation. It is
// created fresh per run and never persisted. The engine does not render
// it; that is the caller's job.
type RunReport struct {
	Task     string
	Steps    []StepResult
	Warnings []resolve.Warning
	// FailedAt is the index of the first non-ignorable failure, or -1
	// when the run completed (ignorable failures do not count).
	FailedAt int
	// Captures is the run-scoped result table: captured stdout keyed by
	// step name. It never flows back into the variable store.
	Captures map[string]string
}

// OK reports whether every step either succeeded, was skipped, or failed
// with ignore_errors set.
func (r *RunReport) OK() bool {
	return r.FailedAt < 0
}
