// Package config loads the automation tool's base configuration
// (config.yaml) and discovers the project root directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file that marks the project root.
const FileName = "config.yaml"

// TasksDirName is the directory under the project root holding task files.
const TasksDirName = "tasks"

// Config holds the raw nested configuration values plus the resolved
// project root they were loaded from.
type Config struct {
	Root   string
	Values map[string]interface{}
}

// FindRoot walks up from dir looking for config.yaml and returns the first
// directory containing it. If none is found, dir itself is returned: a
// project without configuration is still runnable, it just has an empty
// base variable tier.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}
	for d := abs; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, FileName)); err == nil {
			return d, nil
		}
		if d == filepath.Dir(d) {
			return abs, nil
		}
	}
}

// Load reads config.yaml from root. A missing file yields an empty
// configuration; a malformed file is an error.
func Load(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg := &Config{Root: abs, Values: map[string]interface{}{}}

	data, err := os.ReadFile(filepath.Join(abs, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	if err := yaml.Unmarshal(data, &cfg.Values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if cfg.Values == nil {
		cfg.Values = map[string]interface{}{}
	}
	return cfg, nil
}

// TasksDir returns the directory task identifiers resolve against.
func (c *Config) TasksDir() string {
	return filepath.Join(c.Root, TasksDirName)
}
