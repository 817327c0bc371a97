package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/manifest"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Env is what a native handler receives besides its decoded inputs.
type Env struct {
	// WorkDir is the node's private working directory.
	WorkDir string
	// Threads is the per-node thread allowance.
	Threads int
	// Outputs maps every declared output port to the path it must be
	// written to.
	Outputs map[string]string
}

// Output returns the path of output port name. It panics on an unknown
// port, which is a handler bug.
func (e *Env) Output(name string) string {
	p, ok := e.Outputs[name]
	if !ok {
		panic(fmt.Sprintf("stage handler wrote undeclared output %q", name))
	}
	return p
}

// Invocation is one fully resolved stage call.
type Invocation struct {
	Stage *manifest.Stage
	// Inputs maps bound input ports to file paths. Unbound optional ports
	// are absent.
	Inputs  map[string]string
	Params  map[string]cty.Value
	WorkDir string
	Threads int
	// Executable is the program resolved from the stage's candidates.
	Executable string
}

// OutputPaths returns the file each output port is written to.
func (inv *Invocation) OutputPaths() map[string]string {
	out := make(map[string]string, len(inv.Stage.Outputs))
	for _, p := range inv.Stage.Outputs {
		out[p.Name] = filepath.Join(inv.WorkDir, p.File)
	}
	return out
}

// ResolveParams converts literal node parameters (JSON-compatible Go
// values), parameters read from upstream text outputs, and manifest
// defaults into typed values. Missing required parameters are an error.
func ResolveParams(def *manifest.Stage, literal map[string]any, fromText map[string]string) (map[string]cty.Value, error) {
	out := make(map[string]cty.Value, len(def.Params))
	for _, p := range def.Params {
		if raw, ok := literal[p.Name]; ok {
			v, err := fromJSON(raw, p.Type)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", p.Name, err)
			}
			out[p.Name] = v
			continue
		}
		if text, ok := fromText[p.Name]; ok {
			v, err := convert.Convert(cty.StringVal(strings.TrimSpace(text)), p.Type)
			if err != nil {
				return nil, fmt.Errorf("param %q: value %q: %w", p.Name, strings.TrimSpace(text), err)
			}
			out[p.Name] = v
			continue
		}
		if p.Required() {
			return nil, fmt.Errorf("param %q is required by stage %s", p.Name, def.Name)
		}
		out[p.Name] = p.Default
	}
	return out, nil
}

func fromJSON(v any, t cty.Type) (cty.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, t)
}

// CallNative decodes inv into the handler's input struct and runs it.
func (r *Registry) CallNative(ctx context.Context, inv *Invocation) error {
	def := inv.Stage
	handler, ok := r.handlers[def.Handler]
	if !ok {
		return fmt.Errorf("handler '%s' not registered", def.Handler)
	}

	attrs := make(map[string]cty.Value, len(def.Inputs)+len(def.Params))
	for _, p := range def.Inputs {
		if path, ok := inv.Inputs[p.Name]; ok {
			attrs[p.Name] = cty.StringVal(path)
		} else {
			attrs[p.Name] = cty.NullVal(cty.String)
		}
	}
	for _, p := range def.Params {
		attrs[p.Name] = inv.Params[p.Name]
	}

	input := handler.NewInput()
	if len(attrs) > 0 {
		if err := gocty.FromCtyValue(cty.ObjectVal(attrs), input); err != nil {
			return fmt.Errorf("decoding inputs of stage %s: %w", def.Name, err)
		}
	}

	env := &Env{WorkDir: inv.WorkDir, Threads: inv.Threads, Outputs: inv.OutputPaths()}
	results := reflect.ValueOf(handler.Fn).Call([]reflect.Value{
		reflect.ValueOf(ctx), reflect.ValueOf(input), reflect.ValueOf(env),
	})
	if errResult := results[0].Interface(); errResult != nil {
		return errResult.(error)
	}
	return nil
}
