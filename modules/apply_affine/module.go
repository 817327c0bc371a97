package apply_affine

import (
	"context"
	_ "embed"
	"errors"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/gradients"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the apply_affine stage.
type Input struct {
	Moving    string  `cty:"moving"`
	Reference string  `cty:"reference"`
	Aff       *string `cty:"aff"`
	Bvals     *string `cty:"bvals"`
	Bvecs     *string `cty:"bvecs"`
	Invert    bool    `cty:"invert"`
	Interp    string  `cty:"interp"`
}

func Run(ctx context.Context, in *Input, env *registry.Env) error {
	if (in.Bvals == nil) != (in.Bvecs == nil) {
		return errors.New("bvals and bvecs must be given together")
	}
	interp, err := imaging.ParseInterp(in.Interp)
	if err != nil {
		return err
	}
	xfm := imaging.Identity()
	if in.Aff != nil {
		if xfm, err = imaging.ReadAffine(*in.Aff); err != nil {
			return err
		}
	}

	moving, err := nifti.Read(in.Moving)
	if err != nil {
		return err
	}
	reference, err := nifti.ReadHeader(in.Reference)
	if err != nil {
		return err
	}
	warped, err := imaging.ApplyAffine(ctx, moving, &nifti.Image{Header: *reference}, xfm, in.Invert, interp, env.Threads)
	if err != nil {
		return err
	}
	if err := nifti.Write(env.Output("warped"), warped); err != nil {
		return err
	}

	if in.Bvals == nil {
		return nil
	}
	tab, err := gradients.ParseFiles(*in.Bvals, *in.Bvecs, moving.NumVolumes())
	if err != nil {
		return err
	}
	rot := xfm
	if in.Invert {
		if rot, err = xfm.Inverse(); err != nil {
			return err
		}
	}
	ras := gradients.ToRAS([4][4]float64(rot), gradients.FromFSL(moving.Affine(), tab.Bvecs))
	if tab.Bvecs, err = gradients.ToFSL(warped.Affine(), ras); err != nil {
		return err
	}
	return gradients.SaveFSL(env.Output("bvecs"), env.Output("bvals"), tab)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("apply_affine", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("apply_affine/stage.hcl", manifest)
}
