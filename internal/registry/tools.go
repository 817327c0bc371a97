package registry

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/manifest"
)

// ErrMissingTool is returned when a stage's program is not on PATH.
var ErrMissingTool = errors.New("missing external tool")

// LookPathFunc resolves a program name, like exec.LookPath.
type LookPathFunc func(string) (string, error)

// ResolveExecutable returns the first of def's executables that lookPath
// finds. Native stages and stages without executables resolve to "".
func ResolveExecutable(def *manifest.Stage, lookPath LookPathFunc) (string, error) {
	if len(def.Executables) == 0 {
		return "", nil
	}
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range def.Executables {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: stage %s needs one of %s", ErrMissingTool, def.Name, strings.Join(def.Executables, ", "))
}

// CheckTools verifies that every program needed by the given stage kinds
// is available, reporting all missing ones at once.
func (r *Registry) CheckTools(kinds []string, lookPath LookPathFunc) error {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	missing := map[string][]string{}
	for _, kind := range kinds {
		def, ok := r.definitions[kind]
		if !ok {
			return fmt.Errorf("unknown stage kind %q", kind)
		}
		if _, err := ResolveExecutable(def, lookPath); err != nil {
			alt := strings.Join(def.Executables, "|")
			missing[alt] = append(missing[alt], kind)
		}
		for _, name := range def.Requires {
			if _, err := lookPath(name); err != nil {
				missing[name] = append(missing[name], kind)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("%s (needed by %s)", name, strings.Join(missing[name], ", "))
	}
	return fmt.Errorf("%w:\n- %s", ErrMissingTool, strings.Join(lines, "\n- "))
}
