package registry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"
)

// pathFunc wraps a string-to-string path helper as a cty function.
func pathFunc(fn func(string) string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "path", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.StringVal(fn(args[0].AsString())), nil
		},
	})
}

// stem strips the directory and every extension, so that
// "/a/b/sub-01_dwi.nii.gz" becomes "sub-01_dwi".
func stem(p string) string {
	base := filepath.Base(p)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// functions available to command templates.
var functions = map[string]function.Function{
	"concat":     stdlib.ConcatFunc,
	"flatten":    stdlib.FlattenFunc,
	"format":     stdlib.FormatFunc,
	"join":       stdlib.JoinFunc,
	"trimsuffix": stdlib.TrimSuffixFunc,
	"basename":   pathFunc(filepath.Base),
	"dirname":    pathFunc(filepath.Dir),
	"stem":       pathFunc(stem),
}

// evalContext exposes inv to the command templates as the variables
// input, output, param, executable, threads and workdir.
func evalContext(inv *Invocation) *hcl.EvalContext {
	def := inv.Stage
	inputs := make(map[string]cty.Value, len(def.Inputs))
	for _, p := range def.Inputs {
		if path, ok := inv.Inputs[p.Name]; ok {
			inputs[p.Name] = cty.StringVal(path)
		} else {
			inputs[p.Name] = cty.NullVal(cty.String)
		}
	}
	outputs := map[string]cty.Value{}
	for name, path := range inv.OutputPaths() {
		outputs[name] = cty.StringVal(path)
	}
	params := make(map[string]cty.Value, len(inv.Params))
	for name, v := range inv.Params {
		params[name] = v
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"input":      objectOrEmpty(inputs),
			"output":     objectOrEmpty(outputs),
			"param":      objectOrEmpty(params),
			"executable": cty.StringVal(inv.Executable),
			"threads":    cty.NumberIntVal(int64(inv.Threads)),
			"workdir":    cty.StringVal(inv.WorkDir),
		},
		Functions: functions,
	}
}

func objectOrEmpty(m map[string]cty.Value) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(m)
}

// RenderCommands evaluates the command templates of an external stage into
// argument vectors. Commands whose `when` gate is false are left out.
func RenderCommands(inv *Invocation) ([][]string, error) {
	ectx := evalContext(inv)
	var out [][]string
	for i, cmd := range inv.Stage.Commands {
		if cmd.When != nil {
			gate, diags := cmd.When.Value(ectx)
			if diags.HasErrors() {
				return nil, fmt.Errorf("stage %s, run #%d: evaluating when: %w", inv.Stage.Name, i+1, diags)
			}
			if !gate.IsNull() {
				gate, err := convert.Convert(gate, cty.Bool)
				if err != nil {
					return nil, fmt.Errorf("stage %s, run #%d: when must be a bool: %w", inv.Stage.Name, i+1, err)
				}
				if gate.False() {
					continue
				}
			}
		}

		val, diags := cmd.Args.Value(ectx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("stage %s, run #%d: evaluating command: %w", inv.Stage.Name, i+1, diags)
		}
		val, err := convert.Convert(val, cty.List(cty.String))
		if err != nil {
			return nil, fmt.Errorf("stage %s, run #%d: command must be a list of strings: %w", inv.Stage.Name, i+1, err)
		}
		if val.IsNull() || !val.IsWhollyKnown() || val.LengthInt() == 0 {
			return nil, fmt.Errorf("stage %s, run #%d: command is empty", inv.Stage.Name, i+1)
		}
		var args []string
		if err := gocty.FromCtyValue(val, &args); err != nil {
			return nil, fmt.Errorf("stage %s, run #%d: %w", inv.Stage.Name, i+1, err)
		}
		out = append(out, args)
	}
	return out, nil
}
