package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// CircularIncludeError reports a cycle in the include graph. Cycle holds
// the task names along the offending path, ending with the repeated one.
type CircularIncludeError struct {
	Cycle []string
}

func (e *CircularIncludeError) Error() string {
	return fmt.Sprintf("circular include: %s", strings.Join(e.Cycle, " -> "))
}

// Warning records a non-fatal resolution condition, currently only
// missing or unloadable include targets.
type Warning struct {
	Include string
	Reason  string
}

func (w Warning) String() string {
	return fmt.Sprintf("include %q skipped: %s", w.Include, w.Reason)
}

// Flattened is the result of include resolution: one task whose steps are
// concatenated in include-then-main order and whose variables are merged
// with the most specific task winning.
type Flattened struct {
	Task     *schema.Task
	Warnings []Warning
}

// Resolver expands include references depth-first. Missing includes are
// tolerated by default — partially cloned dependency repositories are a
// normal development state — and recorded as warnings; Strict makes them
// fatal instead.
type Resolver struct {
	Loader *Loader
	Strict bool
}

// Resolve loads the root task and flattens its include graph. The root
// itself must exist; a cycle anywhere in the graph is fatal.
func (r *Resolver) Resolve(root string) (*Flattened, error) {
	out := &Flattened{}
	task, err := r.flatten(root, nil, out)
	if err != nil {
		return nil, err
	}
	out.Task = task
	return out, nil
}

// flatten performs the DFS. path carries the names on the current descent
// so that revisiting one is detected as a cycle; completed subtrees are
// deliberately not memoized, since a diamond-shaped graph legitimately
// contributes its steps once per inclusion.
func (r *Resolver) flatten(name string, path []string, out *Flattened) (*schema.Task, error) {
	for i, p := range path {
		if p == name {
			cycle := append(append([]string{}, path[i:]...), name)
			return nil, &CircularIncludeError{Cycle: cycle}
		}
	}

	task, err := r.Loader.Load(name)
	if err != nil {
		return nil, err
	}

	path = append(path, name)

	merged := &schema.Task{
		Name:        task.Name,
		Description: task.Description,
		Includes:    task.Includes,
		Variables:   map[string]string{},
	}

	for _, inc := range task.Includes {
		child, err := r.flatten(inc, path, out)
		if err != nil {
			var cycleErr *CircularIncludeError
			if errors.As(err, &cycleErr) {
				return nil, err
			}
			if r.Strict {
				return nil, fmt.Errorf("include %q: %w", inc, err)
			}
			out.Warnings = append(out.Warnings, Warning{Include: inc, Reason: err.Error()})
			continue
		}
		merged.Steps = append(merged.Steps, child.Steps...)
		for k, v := range child.Variables {
			merged.Variables[k] = v
		}
	}

	// The including task's own declarations and steps come last: most
	// specific wins on variable names, main steps run after includes.
	merged.Steps = append(merged.Steps, task.Steps...)
	for k, v := range task.Variables {
		merged.Variables[k] = v
	}

	return merged, nil
}
