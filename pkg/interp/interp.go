// Package interp renders ${name} placeholders in step fields from a
// resolved variable set. Expansion is recursive with a fixed depth limit
// so self-referential variables fail loudly instead of looping.
package interp

import (
	"fmt"
	"regexp"

	"github.com/ormasoftchile/taskrun/pkg/schema"
	"github.com/ormasoftchile/taskrun/pkg/vars"
)

// MaxDepth bounds recursive expansion of placeholders whose values
// themselves contain placeholders.
const MaxDepth = 10

// placeholderRe matches ${name} tokens. Names may contain dots so dotted
// config paths (${registry.url}) work alongside aliases.
var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// UnresolvedVariableError reports a placeholder referencing an unknown
// variable. Unknown names are an error, not a silent empty string, so
// typos surface before a half-substituted command runs.
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable %q", e.Name)
}

// DepthExceededError reports runaway recursive expansion.
type DepthExceededError struct {
	Text string
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("substitution exceeded %d levels expanding %q", MaxDepth, e.Text)
}

// Expand replaces every ${name} in s with its resolved value, re-scanning
// until no placeholders remain or MaxDepth passes have run.
func Expand(s string, resolved vars.Resolved) (string, error) {
	cur := s
	for depth := 0; depth < MaxDepth; depth++ {
		if !placeholderRe.MatchString(cur) {
			return cur, nil
		}
		var missing *UnresolvedVariableError
		cur = placeholderRe.ReplaceAllStringFunc(cur, func(tok string) string {
			name := placeholderRe.FindStringSubmatch(tok)[1]
			val, ok := resolved.Lookup(name)
			if !ok {
				if missing == nil {
					missing = &UnresolvedVariableError{Name: name}
				}
				return tok
			}
			return val
		})
		if missing != nil {
			return "", missing
		}
	}
	if placeholderRe.MatchString(cur) {
		return "", &DepthExceededError{Text: s}
	}
	return cur, nil
}

// ExpandStep returns a copy of step with every string-valued field
// substituted: command, args, working directory, environment overlay
// values and the condition expression. The action kind is never altered.
func ExpandStep(step schema.Step, resolved vars.Resolved) (schema.Step, error) {
	out := step

	var err error
	if out.Command, err = Expand(step.Command, resolved); err != nil {
		return schema.Step{}, fmt.Errorf("command: %w", err)
	}
	if len(step.Args) > 0 {
		out.Args = make([]string, len(step.Args))
		for i, a := range step.Args {
			if out.Args[i], err = Expand(a, resolved); err != nil {
				return schema.Step{}, fmt.Errorf("args[%d]: %w", i, err)
			}
		}
	}
	if out.WorkingDirectory, err = Expand(step.WorkingDirectory, resolved); err != nil {
		return schema.Step{}, fmt.Errorf("working_directory: %w", err)
	}
	if len(step.Env) > 0 {
		out.Env = make(map[string]string, len(step.Env))
		for k, v := range step.Env {
			if out.Env[k], err = Expand(v, resolved); err != nil {
				return schema.Step{}, fmt.Errorf("env[%s]: %w", k, err)
			}
		}
	}
	if out.Condition, err = Expand(step.Condition, resolved); err != nil {
		return schema.Step{}, fmt.Errorf("condition: %w", err)
	}
	return out, nil
}
