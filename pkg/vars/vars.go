// Package vars implements the three-tier variable store: base values
// flattened from configuration, task-declared values, and runtime
// overrides. Merging is a pure function so re-resolution is idempotent.
package vars

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Resolved is the merged, immutable variable set for one run.
type Resolved map[string]string

// Lookup returns the value for name and whether it exists.
func (r Resolved) Lookup(name string) (string, bool) {
	v, ok := r[name]
	return v, ok
}

// Names returns all variable names in sorted order.
func (r Resolved) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FlattenConfig converts nested configuration values into variables.
// Each leaf is exposed twice: under its dotted path (registry.url) and
// under an upper-snake alias (REGISTRY_URL). Keys are walked in sorted
// order so alias collisions resolve last-writer-wins deterministically.
func FlattenConfig(values map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flattenInto(out, values, "", "")

	// Convenience aliases for the most commonly referenced values.
	if v, ok := out["GITHUB_FORK_ORG"]; ok {
		out["FORK_ORG"] = v
	}
	if v, ok := out["GITHUB_BRANCH_NAME"]; ok {
		out["BRANCH_NAME"] = v
	}
	return out
}

func flattenInto(out map[string]string, values map[string]interface{}, dotted, upper string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		dottedKey := k
		if dotted != "" {
			dottedKey = dotted + "." + k
		}
		upperKey := strings.ToUpper(k)
		if upper != "" {
			upperKey = upper + "_" + strings.ToUpper(k)
		}
		switch v := values[k].(type) {
		case map[string]interface{}:
			flattenInto(out, v, dottedKey, upperKey)
		default:
			s := stringify(v)
			out[dottedKey] = s
			out[upperKey] = s
		}
	}
}

// stringify renders a scalar configuration value as a variable value.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Computed returns the always-available entries derived from the project
// root at resolution time. These are applied after every tier and can
// never be overridden.
func Computed(root string) map[string]string {
	return map[string]string{
		"PROJECT_ROOT":  root,
		"TASKS_DIR":     filepath.Join(root, "tasks"),
		"CHECKOUTS_DIR": filepath.Join(root, "src"),
	}
}

// Merge builds the resolved set. Precedence: base < declared < runtime,
// with computed entries overlaid last. Inputs are copied, never mutated.
func Merge(base, declared, runtime, computed map[string]string) Resolved {
	out := make(Resolved, len(base)+len(declared)+len(runtime)+len(computed))
	for _, tier := range []map[string]string{base, declared, runtime, computed} {
		for k, v := range tier {
			out[k] = v
		}
	}
	return out
}
