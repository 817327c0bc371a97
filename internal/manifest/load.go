package manifest

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/ports"
	"github.com/specialistvlad/dmriprepgo/internal/schema"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Parse decodes every stage block in src. filename is used in diagnostics.
func Parse(ctx context.Context, src []byte, filename string) ([]*Stage, error) {
	logger := ctxlog.FromContext(ctx)

	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filename, diags)
	}

	var mf schema.ManifestFile
	if diags := gohcl.DecodeBody(file.Body, nil, &mf); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", filename, diags)
	}

	stages := make([]*Stage, 0, len(mf.Stages))
	for _, def := range mf.Stages {
		st, err := translate(def, filename)
		if err != nil {
			return nil, fmt.Errorf("%s: stage %q: %w", filename, def.Name, err)
		}
		logger.Debug("Stage definition parsed.", "stage", st.Name, "native", st.IsNative(), "file", filename)
		stages = append(stages, st)
	}
	return stages, nil
}

func translate(def *schema.StageDefinition, filename string) (*Stage, error) {
	st := &Stage{
		Name:        def.Name,
		Description: def.Description,
		Handler:     def.Handler,
		Executables: def.Executables,
		Requires:    def.Requires,
		Uncached:    def.Cacheable != nil && !*def.Cacheable,
		Source:      filename,
	}

	switch {
	case def.Handler != "" && len(def.Runs) > 0:
		return nil, fmt.Errorf("a stage declares either a handler or run blocks, not both")
	case def.Handler == "" && len(def.Runs) == 0:
		return nil, fmt.Errorf("a stage needs a handler or at least one run block")
	case def.Handler != "" && len(def.Executables) > 0:
		return nil, fmt.Errorf("native stages cannot declare executables")
	}

	names := map[string]string{}
	claim := func(name, what string) error {
		if prev, ok := names[name]; ok {
			return fmt.Errorf("%s %q collides with %s of the same name", what, name, prev)
		}
		names[name] = what
		return nil
	}

	for _, in := range def.Inputs {
		p, err := translatePort(in)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		if p.File != "" {
			return nil, fmt.Errorf("input %q: inputs cannot declare a file", in.Name)
		}
		if err := claim(p.Name, "input"); err != nil {
			return nil, err
		}
		st.Inputs = append(st.Inputs, p)
	}

	files := map[string]string{}
	outNames := map[string]bool{}
	for _, out := range def.Outputs {
		p, err := translatePort(out)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		if p.File == "" {
			return nil, fmt.Errorf("output %q: file is required", out.Name)
		}
		if strings.ContainsAny(p.File, `/\`) || strings.HasPrefix(p.File, "_") {
			return nil, fmt.Errorf("output %q: file %q must be a plain name not starting with '_'", out.Name, p.File)
		}
		if prev, ok := files[p.File]; ok {
			return nil, fmt.Errorf("output %q: file %q already used by output %q", out.Name, p.File, prev)
		}
		if outNames[p.Name] {
			return nil, fmt.Errorf("output %q declared twice", p.Name)
		}
		files[p.File] = p.Name
		outNames[p.Name] = true
		st.Outputs = append(st.Outputs, p)
	}

	for _, pd := range def.Params {
		p, err := translateParam(pd)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", pd.Name, err)
		}
		if err := claim(p.Name, "param"); err != nil {
			return nil, err
		}
		st.Params = append(st.Params, p)
	}

	for _, r := range def.Runs {
		st.Commands = append(st.Commands, &Command{Args: r.Command, When: r.When})
	}
	return st, nil
}

func translatePort(def *schema.PortDefinition) (*Port, error) {
	t, err := ports.Parse(def.Type)
	if err != nil {
		return nil, err
	}
	return &Port{
		Name:        def.Name,
		Type:        t,
		Optional:    def.Optional,
		Description: def.Description,
		File:        def.File,
	}, nil
}

func translateParam(def *schema.ParamDefinition) (*Param, error) {
	t, diags := typeexpr.TypeConstraint(def.Type)
	if diags.HasErrors() {
		return nil, diags
	}
	if t == cty.DynamicPseudoType {
		return nil, fmt.Errorf("type 'any' is not allowed for parameters")
	}

	p := &Param{Name: def.Name, Type: t, Description: def.Description, Default: cty.NilVal}
	if def.Default == nil {
		return p, nil
	}
	v, diags := def.Default.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() {
		return p, nil
	}
	conv, err := convert.Convert(v, t)
	if err != nil {
		return nil, fmt.Errorf("default does not match type %s: %w", t.FriendlyName(), err)
	}
	p.Default = conv
	return p, nil
}
