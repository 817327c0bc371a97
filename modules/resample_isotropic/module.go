package resample_isotropic

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

// Input defines the arguments of the resample_isotropic stage.
type Input struct {
	Image     string  `cty:"image"`
	VoxelSize float64 `cty:"voxel_size"`
	Interp    string  `cty:"interp"`
}

// Run resamples the image using up to env.Threads workers.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	interp, err := imaging.ParseInterp(in.Interp)
	if err != nil {
		return err
	}
	img, err := nifti.Read(in.Image)
	if err != nil {
		return err
	}
	out, err := imaging.ResampleIsotropic(ctx, img, in.VoxelSize, interp, env.Threads)
	if err != nil {
		return err
	}
	return nifti.Write(env.Output("resampled"), out)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("resample_isotropic", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("resample_isotropic/stage.hcl", manifest)
}
