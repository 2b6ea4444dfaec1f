package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].command")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a task file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Task, []*ValidationError) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return t, Validate(t)
}

// Validate runs the semantic and domain phases on an already-parsed task.
func Validate(t *Task) []*ValidationError {
	var all []*ValidationError
	all = append(all, validateSemantic(t)...)
	all = append(all, ValidateDomain(t)...)
	return all
}

// validateSemantic validates the task against the generated JSON Schema.
func validateSemantic(t *Task) []*ValidationError {
	fail := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fail(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fail(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("task-v0.json", schemaDoc); err != nil {
		return fail(fmt.Sprintf("add schema resource: %v", err))
	}
	sch, err := c.Compile("task-v0.json")
	if err != nil {
		return fail(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fail(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(t *Task) []*ValidationError {
	var errs []*ValidationError

	if t.Name == "" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "name",
			Message:  "task requires a name",
			Severity: "error",
		})
	}

	// A task may consist solely of includes, but an empty task is a mistake.
	if len(t.Steps) == 0 && len(t.Includes) == 0 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "steps",
			Message:  "task must contain at least one step or include",
			Severity: "error",
		})
	}

	// Include identifiers are bare task names resolved against the tasks
	// directory — never paths.
	for i, inc := range t.Includes {
		if strings.ContainsAny(inc, `/\`) || strings.HasSuffix(inc, ".yaml") {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     fmt.Sprintf("includes[%d]", i),
				Message:  fmt.Sprintf("include %q must be a bare task name, not a path", inc),
				Severity: "error",
			})
		}
	}

	seen := make(map[string]int)
	for i, s := range t.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if s.Name == "" {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     path + ".name",
				Message:  "step requires a name",
				Severity: "error",
			})
		}
		if !s.Type.Known() {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     path + ".type",
				Message:  fmt.Sprintf("unknown step type %q: must be tool, kubectl, or shell", s.Type),
				Severity: "error",
			})
		}
		if s.Command == "" && len(s.Args) == 0 {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     path,
				Message:  fmt.Sprintf("step %q requires a command or an args list", s.Name),
				Severity: "error",
			})
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				errs = append(errs, &ValidationError{
					Phase:    "domain",
					Path:     path + ".timeout",
					Message:  fmt.Sprintf("invalid timeout %q: %v", s.Timeout, err),
					Severity: "error",
				})
			}
		}
		if prev, ok := seen[s.Name]; ok && s.Name != "" {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     path + ".name",
				Message:  fmt.Sprintf("duplicate step name %q (first at steps[%d])", s.Name, prev),
				Severity: "warning",
			})
		}
		seen[s.Name] = i
	}

	return errs
}
