// Package schema defines the Go struct types for the task YAML documents
// and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ActionKind selects the execution strategy for a step. Dispatch on it is
// a compile-time-checked switch in pkg/execute; adding a kind means adding
// a constant here and a case there.
type ActionKind string

const (
	// ActionTool invokes a subcommand of the automation tool itself.
	ActionTool ActionKind = "tool"
	// ActionKubectl invokes the cluster CLI.
	ActionKubectl ActionKind = "kubectl"
	// ActionShell invokes an arbitrary program (never an actual shell).
	ActionShell ActionKind = "shell"
)

// Known reports whether k is one of the defined action kinds.
func (k ActionKind) Known() bool {
	switch k {
	case ActionTool, ActionKubectl, ActionShell:
		return true
	}
	return false
}

// Task is the top-level document defining a named sequence of steps,
// task-local variable declarations and include references.
type Task struct {
	Name        string            `yaml:"name"                  json:"name"                  jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Includes    []string          `yaml:"includes,omitempty"    json:"includes,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"   json:"variables,omitempty"`
	Steps       []Step            `yaml:"steps,omitempty"       json:"steps,omitempty"`
}

// Step is a single unit of work, ultimately executed as one child process.
// Either Command or Args must be present: when Args is absent the command
// string is tokenized by whitespace into argv at execution time.
type Step struct {
	Name             string            `yaml:"name"    json:"name" jsonschema:"required"`
	Type             ActionKind        `yaml:"type"    json:"type" jsonschema:"required,enum=tool,enum=kubectl,enum=shell"`
	Command          string            `yaml:"command,omitempty"           json:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"              json:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"               json:"env,omitempty"`
	IgnoreErrors     bool              `yaml:"ignore_errors,omitempty"     json:"ignore_errors,omitempty"`
	Capture          bool              `yaml:"capture,omitempty"           json:"capture,omitempty"`
	Condition        string            `yaml:"condition,omitempty"         json:"condition,omitempty"`
	Timeout          string            `yaml:"timeout,omitempty"           json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(s|m|h)$"`
}

// LoadFile reads and parses a task YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields). Returns the parsed Task or an error.
func LoadFile(path string) (*Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a task document from an io.Reader with strict unknown-field
// rejection.
func Load(r io.Reader) (*Task, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var t Task
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
