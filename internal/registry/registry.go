package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/manifest"
	"github.com/specialistvlad/dmriprepgo/internal/ports"
)

// Module is the interface that all stage packages implement to be
// registered.
type Module interface {
	Register(r *Registry)
}

// RegisteredHandler holds the compiled Go parts of a native stage.
// Fn has the signature func(context.Context, *Input, *Env) error, where
// Input is the struct InputType describes.
type RegisteredHandler struct {
	NewInput  func() any
	InputType reflect.Type
	Fn        any
}

type manifestSource struct {
	name string
	src  []byte
}

// Registry holds the registered handlers and stage definitions of a single
// application instance.
type Registry struct {
	handlers    map[string]*RegisteredHandler
	manifests   []manifestSource
	definitions map[string]*manifest.Stage
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{
		handlers:    make(map[string]*RegisteredHandler),
		definitions: make(map[string]*manifest.Stage),
	}
}

// RegisterHandler registers the Go function of a native stage.
func (r *Registry) RegisterHandler(name string, handler *RegisteredHandler) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("stage handler with name '%s' already registered", name))
	}
	slog.Debug("Registering stage handler.", "name", name)
	r.handlers[name] = handler
}

// RegisterManifest queues an HCL manifest for Load.
func (r *Registry) RegisterManifest(name string, src []byte) {
	slog.Debug("Registering stage manifest.", "name", name)
	r.manifests = append(r.manifests, manifestSource{name: name, src: src})
}

// Load parses every registered manifest into stage definitions.
func (r *Registry) Load(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for _, m := range r.manifests {
		stages, err := manifest.Parse(ctx, m.src, m.name)
		if err != nil {
			return err
		}
		for _, st := range stages {
			if prev, ok := r.definitions[st.Name]; ok {
				return fmt.Errorf("stage %q defined in both %s and %s", st.Name, prev.Source, st.Source)
			}
			r.definitions[st.Name] = st
		}
	}
	logger.Debug("Registry loaded successfully.", "stage_definitions_loaded", len(r.definitions))
	return nil
}

// Definition returns the stage definition of kind.
func (r *Registry) Definition(kind string) (*manifest.Stage, bool) {
	st, ok := r.definitions[kind]
	return st, ok
}

// Kinds returns every defined stage kind, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.definitions))
	for k := range r.definitions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Signature implements dag.Catalog.
func (r *Registry) Signature(kind string) (*dag.Signature, bool) {
	st, ok := r.definitions[kind]
	if !ok {
		return nil, false
	}
	sig := &dag.Signature{
		Inputs:  make(map[string]dag.PortSpec, len(st.Inputs)),
		Outputs: make(map[string]ports.Type, len(st.Outputs)),
		Params:  make(map[string]bool, len(st.Params)),
	}
	for _, p := range st.Inputs {
		sig.Inputs[p.Name] = dag.PortSpec{Type: p.Type, Optional: p.Optional}
	}
	for _, p := range st.Outputs {
		sig.Outputs[p.Name] = p.Type
	}
	for _, p := range st.Params {
		sig.Params[p.Name] = p.Required()
	}
	return sig, true
}
