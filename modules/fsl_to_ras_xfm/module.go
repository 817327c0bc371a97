package fsl_to_ras_xfm

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

// Input defines the arguments of the fsl_to_ras_xfm stage.
type Input struct {
	Mat       string `cty:"mat"`
	Source    string `cty:"source"`
	Reference string `cty:"reference"`
}

func Run(ctx context.Context, in *Input, env *registry.Env) error {
	fsl, err := imaging.ReadAffine(in.Mat)
	if err != nil {
		return err
	}
	src, err := nifti.ReadHeader(in.Source)
	if err != nil {
		return err
	}
	ref, err := nifti.ReadHeader(in.Reference)
	if err != nil {
		return err
	}
	ras, err := imaging.FSLToRAS(fsl, &nifti.Image{Header: *src}, &nifti.Image{Header: *ref})
	if err != nil {
		return err
	}
	return imaging.WriteAffine(env.Output("affine"), ras)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("fsl_to_ras_xfm", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("fsl_to_ras_xfm/stage.hcl", manifest)
}
