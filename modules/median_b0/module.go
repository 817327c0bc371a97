package median_b0

import (
	"context"
	_ "embed"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the median_b0 stage.
type Input struct {
	B0s  string  `cty:"b0s"`
	Mask *string `cty:"mask"`
}

// Run writes the median b0 reference.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	b0s, err := nifti.Read(in.B0s)
	if err != nil {
		return err
	}
	var mask *nifti.Image
	if in.Mask != nil {
		if mask, err = nifti.Read(*in.Mask); err != nil {
			return err
		}
	}
	ref, err := imaging.MedianB0(b0s, mask)
	if err != nil {
		return err
	}
	return nifti.Write(env.Output("b0_ref"), ref)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("median_b0", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("median_b0/stage.hcl", manifest)
}
