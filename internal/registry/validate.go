package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

var (
	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	envType   = reflect.TypeOf((*Env)(nil))
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// ValidateRegistry performs a strict parity check between manifests and Go
// code: every native stage names a registered handler whose input struct
// has exactly one field per declared input and parameter, with compatible
// types, and whose function has the expected signature.
func (r *Registry) ValidateRegistry(ctx context.Context) error {
	var errs []string
	logger := ctxlog.FromContext(ctx)

	used := map[string]bool{}
	for _, kind := range r.Kinds() {
		def := r.definitions[kind]
		if !def.IsNative() {
			continue
		}
		used[def.Handler] = true

		handler, ok := r.handlers[def.Handler]
		if !ok {
			errs = append(errs, fmt.Sprintf("stage '%s': handler '%s' is not registered", kind, def.Handler))
			continue
		}
		if msg := checkSignature(handler); msg != "" {
			errs = append(errs, fmt.Sprintf("stage '%s': %s", kind, msg))
			continue
		}

		goFields := map[string]reflect.StructField{}
		if handler.InputType != nil {
			for i := 0; i < handler.InputType.NumField(); i++ {
				field := handler.InputType.Field(i)
				if !field.IsExported() {
					continue
				}
				tag := strings.Split(field.Tag.Get("cty"), ",")[0]
				if tag != "" && tag != "-" {
					goFields[tag] = field
				}
			}
		}

		declared := map[string]cty.Type{}
		optional := map[string]bool{}
		for _, p := range def.Inputs {
			declared[p.Name] = cty.String
			optional[p.Name] = p.Optional
		}
		for _, p := range def.Params {
			declared[p.Name] = p.Type
		}

		for _, name := range sortedNames(goFields) {
			if _, ok := declared[name]; !ok {
				errs = append(errs, fmt.Sprintf("stage '%s': Go struct has field for '%s' which is not declared in manifest", kind, name))
			}
		}
		for _, name := range sortedNames(declared) {
			goField, ok := goFields[name]
			if !ok {
				errs = append(errs, fmt.Sprintf("stage '%s': manifest declares '%s' which is not found in Go struct", kind, name))
				continue
			}
			goType, err := gocty.ImpliedType(reflect.Zero(goField.Type).Interface())
			if err != nil {
				errs = append(errs, fmt.Sprintf("stage '%s', '%s': could not imply cty type from Go field type %s: %v", kind, name, goField.Type, err))
				continue
			}
			if !declared[name].Equals(goType) {
				errs = append(errs, fmt.Sprintf("stage '%s', '%s': type mismatch. Manifest requires '%s' but Go struct field '%s' provides '%s'",
					kind, name, declared[name].FriendlyName(), goField.Name, goType.FriendlyName()))
			}
			if optional[name] && goField.Type.Kind() != reflect.Pointer {
				errs = append(errs, fmt.Sprintf("stage '%s', '%s': optional input needs a pointer field, got %s", kind, name, goField.Type))
			}
		}
	}

	for _, name := range sortedNames(r.handlers) {
		if !used[name] {
			logger.Warn("Stage handler is registered but no manifest uses it.", "handler", name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func checkSignature(h *RegisteredHandler) string {
	if h.NewInput == nil || h.InputType == nil || h.Fn == nil {
		return "handler must set NewInput, InputType and Fn"
	}
	if h.InputType.Kind() != reflect.Struct {
		return fmt.Sprintf("InputType must be a struct, got %s", h.InputType)
	}
	ft := reflect.TypeOf(h.Fn)
	if ft.Kind() != reflect.Func || ft.NumIn() != 3 || ft.NumOut() != 1 ||
		ft.In(0) != ctxType || ft.In(1) != reflect.PointerTo(h.InputType) || ft.In(2) != envType || ft.Out(0) != errorType {
		return fmt.Sprintf("handler must be func(context.Context, *%s, *registry.Env) error, got %s", h.InputType.Name(), ft)
	}
	return ""
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
