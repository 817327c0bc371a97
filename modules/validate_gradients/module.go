package validate_gradients

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/gradients"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the validate_gradients stage.
type Input struct {
	DWI               string  `cty:"dwi"`
	RASB              string  `cty:"rasb"`
	B0Threshold       float64 `cty:"b0_threshold"`
	BScale            bool    `cty:"b_scale"`
	RaiseInconsistent bool    `cty:"raise_inconsistent"`
}

// Run validates the table and writes it in RAS+B and FSL form, the latter
// relative to the DWI's voxel axes.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	hdr, err := nifti.ReadHeader(in.DWI)
	if err != nil {
		return err
	}
	tab, err := gradients.LoadRASB(in.RASB)
	if err != nil {
		return err
	}
	if tab.Len() != hdr.NumVolumes() {
		return fmt.Errorf("%w: %d gradient entries for %d volumes", gradients.ErrCorruptGradients, tab.Len(), hdr.NumVolumes())
	}

	res, err := gradients.Validate(ctx, tab, gradients.Options{
		B0Threshold:       in.B0Threshold,
		BScale:            in.BScale,
		RaiseInconsistent: in.RaiseInconsistent,
	})
	if err != nil {
		return err
	}

	if err := gradients.SaveRASB(env.Output("rasb"), res.Table); err != nil {
		return err
	}
	fsl := res.Table.Clone()
	img := &nifti.Image{Header: *hdr}
	if fsl.Bvecs, err = gradients.ToFSL(img.Affine(), res.Table.Bvecs); err != nil {
		return err
	}
	if err := gradients.SaveFSL(env.Output("bvecs"), env.Output("bvals"), fsl); err != nil {
		return err
	}
	return os.WriteFile(env.Output("slm"), []byte(string(res.SLM)+"\n"), 0o644)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("validate_gradients", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("validate_gradients/stage.hcl", manifest)
}
