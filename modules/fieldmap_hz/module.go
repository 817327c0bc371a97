// Package fieldmap_hz turns the non-EPI field map variants into field maps
// in Hz, the form eddy's --field option reads.
package fieldmap_hz

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"reflect"

	"github.com/specialistvlad/dmriprepgo/internal/imaging"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

//go:embed stage.hcl
var manifest []byte

// Module implements the registry.Module interface for this package.
type Module struct{}

// PhasediffInput defines the arguments of the phasediff_to_hz stage.
type PhasediffInput struct {
	Phasediff string  `cty:"phasediff"`
	Echo1     float64 `cty:"echo1"`
	Echo2     float64 `cty:"echo2"`
}

// PhasesInput defines the arguments of the phases_to_hz stage.
type PhasesInput struct {
	Phase1 string  `cty:"phase1"`
	Phase2 string  `cty:"phase2"`
	Echo1  float64 `cty:"echo1"`
	Echo2  float64 `cty:"echo2"`
}

// FieldmapInput defines the arguments of the fieldmap_to_hz stage.
type FieldmapInput struct {
	Fieldmap string `cty:"fieldmap"`
	Units    string `cty:"units"`
}

func RunPhasediff(ctx context.Context, in *PhasediffInput, env *registry.Env) error {
	pd, err := nifti.Read(in.Phasediff)
	if err != nil {
		return err
	}
	hz, err := imaging.PhasediffToHz(pd, in.Echo1, in.Echo2)
	if err != nil {
		return err
	}
	return nifti.Write(env.Output("fmap_hz"), hz)
}

func RunPhases(ctx context.Context, in *PhasesInput, env *registry.Env) error {
	p1, err := nifti.Read(in.Phase1)
	if err != nil {
		return err
	}
	p2, err := nifti.Read(in.Phase2)
	if err != nil {
		return err
	}
	hz, err := imaging.PhasesToHz(p1, p2, in.Echo1, in.Echo2)
	if err != nil {
		return err
	}
	return nifti.Write(env.Output("fmap_hz"), hz)
}

func RunFieldmap(ctx context.Context, in *FieldmapInput, env *registry.Env) error {
	var scale float64
	switch in.Units {
	case "Hz":
		scale = 1
	case "rad/s":
		scale = 1 / (2 * math.Pi)
	default:
		return fmt.Errorf("unsupported field map unit %q", in.Units)
	}
	img, err := nifti.Read(in.Fieldmap)
	if err != nil {
		return err
	}
	out := nifti.Like(img, img.Shape()[:3])
	out.SetDatatype(nifti.DTFloat32)
	for i, v := range img.Volume(0) {
		out.Data[i] = v * scale
	}
	return nifti.Write(env.Output("fmap_hz"), out)
}

// Register registers the handlers and manifest with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler("phasediff_to_hz", &registry.RegisteredHandler{
		NewInput:  func() any { return new(PhasediffInput) },
		InputType: reflect.TypeOf(PhasediffInput{}),
		Fn:        RunPhasediff,
	})
	r.RegisterHandler("phases_to_hz", &registry.RegisteredHandler{
		NewInput:  func() any { return new(PhasesInput) },
		InputType: reflect.TypeOf(PhasesInput{}),
		Fn:        RunPhases,
	})
	r.RegisterHandler("fieldmap_to_hz", &registry.RegisteredHandler{
		NewInput:  func() any { return new(FieldmapInput) },
		InputType: reflect.TypeOf(FieldmapInput{}),
		Fn:        RunFieldmap,
	})
	r.RegisterManifest("fieldmap_hz/stage.hcl", manifest)
}
