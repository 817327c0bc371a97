package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Dump returns every section's explicit fields keyed by section name.
// LoadFrom applies them on top of New, so the pair round-trips.
func (c *Config) Dump() map[string]map[string]any {
	return map[string]map[string]any{
		"environment": c.Environment.Dump(),
		"execution":   c.Execution.Dump(),
		"workflow":    c.Workflow.Dump(),
		"executor":    c.Executor.Dump(),
	}
}

// Load applies per-section values on top of the current record. Unknown
// sections or keys are rejected.
func (c *Config) Load(values map[string]map[string]any) error {
	for name, section := range values {
		var err error
		switch name {
		case "environment":
			err = c.Environment.Load(section)
		case "execution":
			err = c.Execution.Load(section)
		case "workflow":
			err = c.Workflow.Load(section)
		case "executor":
			err = c.Executor.Load(section)
		default:
			err = fmt.Errorf("%w: unknown section [%s]", ErrInvalid, name)
		}
		if err != nil {
			return err
		}
	}
	return c.absolutize()
}

// Save writes the TOML snapshot, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c.Dump()); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

// LoadFrom reads a snapshot written by Save (or a user config file) on top
// of the defaults. Path-typed keys are made absolute.
func LoadFrom(path string) (*Config, error) {
	c := New()
	if err := c.LoadFile(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile applies a TOML file on top of the current record.
func (c *Config) LoadFile(path string) error {
	var raw map[string]map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
	}
	if err := c.Load(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) absolutize() error {
	for _, section := range []any{&c.Environment, &c.Execution} {
		for _, p := range pathFields(section) {
			abs, err := filepath.Abs(*p)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, *p, err)
			}
			*p = abs
		}
	}
	return nil
}
