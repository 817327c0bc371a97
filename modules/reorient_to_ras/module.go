package reorient_to_ras

import (
	"context"
	_ "embed"
	"errors"
	"reflect"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/gradients"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the reorient_to_ras stage.
type Input struct {
	Image string  `cty:"image"`
	Bvals *string `cty:"bvals"`
	Bvecs *string `cty:"bvecs"`
}

// Run reorients the image and converts the optional FSL gradient table into
// the RAS+B table.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	logger := ctxlog.FromContext(ctx)
	if (in.Bvals == nil) != (in.Bvecs == nil) {
		return errors.New("bvals and bvecs must be given together")
	}

	img, err := nifti.Read(in.Image)
	if err != nil {
		return err
	}

	if in.Bvals != nil {
		tab, err := gradients.ParseFiles(*in.Bvals, *in.Bvecs, img.NumVolumes())
		if err != nil {
			return err
		}
		tab.Bvecs = gradients.FromFSL(img.Affine(), tab.Bvecs)
		if err := gradients.SaveRASB(env.Output("rasb"), tab); err != nil {
			return err
		}
	}

	orient := imaging.OrientationOf(imaging.Affine(img.Affine()))
	out := env.Output("reoriented")
	if orient.IsCanonical() && strings.HasSuffix(in.Image, ".nii.gz") {
		logger.Debug("Image is already RAS+, copying.", "image", in.Image)
		return fsutil.CopyFile(in.Image, out)
	}

	reoriented, _, err := imaging.ReorientToRAS(img, nil)
	if err != nil {
		return err
	}
	logger.Debug("Image reoriented.", "from", orient.Code(), "to", "RAS")
	return nifti.Write(out, reoriented)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("reorient_to_ras", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("reorient_to_ras/stage.hcl", manifest)
}
