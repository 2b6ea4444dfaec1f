// Package resolve loads task definitions by name and flattens their
// include graphs into a single executable task.
package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// TaskNotFoundError reports an identifier that does not resolve to a
// task file.
type TaskNotFoundError struct {
	Name string
	Path string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found (looked for %s)", e.Name, e.Path)
}

// Loader resolves task identifiers to files under a tasks directory and
// parses them. Parsing is purely structural: no substitution, no include
// expansion.
type Loader struct {
	Dir string
}

// Path returns the file a task identifier resolves to.
func (l *Loader) Path(name string) string {
	return filepath.Join(l.Dir, name+".yaml")
}

// Load parses the named task. Returns *TaskNotFoundError when the file
// does not exist.
func (l *Loader) Load(name string) (*schema.Task, error) {
	path := l.Path(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &TaskNotFoundError{Name: name, Path: path}
		}
		return nil, fmt.Errorf("stat task %q: %w", name, err)
	}
	t, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load task %q: %w", name, err)
	}
	return t, nil
}

// List returns the identifiers of all tasks in the directory, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}
