package config

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load overwrites the fields named in values and leaves the others alone.
func (e *Environment) Load(values map[string]any) error { return loadSection("environment", e, values) }

// Dump returns the non-zero fields keyed by their TOML names.
func (e *Environment) Dump() map[string]any { return dumpSection(e, &Environment{}) }

// Load overwrites the fields named in values and leaves the others alone.
func (e *Execution) Load(values map[string]any) error { return loadSection("execution", e, values) }

// Dump returns the fields that differ from New, keyed by their TOML names.
func (e *Execution) Dump() map[string]any { return dumpSection(e, &New().Execution) }

// Load overwrites the fields named in values and leaves the others alone.
func (w *Workflow) Load(values map[string]any) error { return loadSection("workflow", w, values) }

// Dump returns the fields that differ from New, keyed by their TOML names.
func (w *Workflow) Dump() map[string]any { return dumpSection(w, &New().Workflow) }

// Load overwrites the fields named in values and leaves the others alone.
func (e *Executor) Load(values map[string]any) error { return loadSection("executor", e, values) }

// Dump returns the fields that differ from New, keyed by their TOML names.
func (e *Executor) Dump() map[string]any { return dumpSection(e, &New().Executor) }

// loadSection round-trips values through TOML so that type coercion and
// key matching follow the same rules as reading a file.
func loadSection(name string, dst any, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(values); err != nil {
		return fmt.Errorf("%w: [%s]: %v", ErrInvalid, name, err)
	}
	md, err := toml.Decode(buf.String(), dst)
	if err != nil {
		return fmt.Errorf("%w: [%s]: %v", ErrInvalid, name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: [%s]: unknown keys %s", ErrInvalid, name, strings.Join(keys, ", "))
	}
	return nil
}

// dumpSection keeps the fields of src that differ from defaults. A false
// or empty value that overrides a default is written out explicitly.
func dumpSection(src, defaults any) map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(src).Elem()
	d := reflect.ValueOf(defaults).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := strings.Split(f.Tag.Get("toml"), ",")[0]
		if key == "" || key == "-" {
			continue
		}
		fv, dv := v.Field(i), d.Field(i)
		if reflect.DeepEqual(fv.Interface(), dv.Interface()) {
			continue
		}
		if fv.Kind() == reflect.Slice && fv.Len() == 0 && dv.Len() == 0 {
			continue
		}
		if fv.Kind() == reflect.Map && fv.Len() == 0 && dv.Len() == 0 {
			continue
		}
		out[key] = fv.Interface()
	}
	return out
}

// pathFields returns pointers to every non-empty field tagged path:"true".
func pathFields(section any) []*string {
	var out []*string
	v := reflect.ValueOf(section).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("path") != "true" {
			continue
		}
		p := v.Field(i).Addr().Interface().(*string)
		if *p != "" {
			out = append(out, p)
		}
	}
	return out
}
