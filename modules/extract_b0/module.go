package extract_b0

import (
	"context"
	_ "embed"
	"fmt"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/gradients"
	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments of the extract_b0 stage.
type Input struct {
	DWI         string  `cty:"dwi"`
	RASB        string  `cty:"rasb"`
	B0Threshold float64 `cty:"b0_threshold"`
}

// Run writes the volumes whose b-value does not exceed the threshold.
func Run(ctx context.Context, in *Input, env *registry.Env) error {
	tab, err := gradients.LoadRASB(in.RASB)
	if err != nil {
		return err
	}
	img, err := nifti.Read(in.DWI)
	if err != nil {
		return err
	}
	if tab.Len() != img.NumVolumes() {
		return fmt.Errorf("%w: %d gradient entries for %d volumes", gradients.ErrCorruptGradients, tab.Len(), img.NumVolumes())
	}

	var indices []int
	for i, b := range tab.Bvals {
		if b <= in.B0Threshold {
			indices = append(indices, i)
		}
	}
	b0s, err := imaging.ExtractB0(img, indices)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Extracted b0 volumes.", "count", len(indices))
	return nifti.Write(env.Output("b0s"), b0s)
}

// Register registers the handler and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("extract_b0", &registry.RegisteredHandler{
		NewInput:  func() any { return new(Input) },
		InputType: reflect.TypeOf(Input{}),
		Fn:        Run,
	})
	r.RegisterManifest("extract_b0/stage.hcl", manifest)
}
