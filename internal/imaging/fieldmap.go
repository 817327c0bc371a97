package imaging

import (
	"errors"
	"fmt"
	"math"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"gonum.org/v1/gonum/floats"
)

// toRadians maps phase values onto [-π, π). Maps already in radians are
// left alone; scanner integer ranges (e.g. -4096..4095) are rescaled
// linearly from their observed extremes.
func toRadians(data []float64) []float64 {
	out := append([]float64(nil), data...)
	if len(out) == 0 {
		return out
	}
	lo, hi := floats.Min(out), floats.Max(out)
	if hi-lo <= 2*math.Pi+1e-3 {
		return out
	}
	for i, v := range out {
		out[i] = (v-lo)/(hi-lo)*2*math.Pi - math.Pi
	}
	return out
}

func wrap(phi float64) float64 {
	return math.Mod(phi+3*math.Pi, 2*math.Pi) - math.Pi
}

// PhasediffToHz converts a phase-difference map into a field map in Hz given
// the two echo times in seconds.
func PhasediffToHz(phasediff *nifti.Image, echo1, echo2 float64) (*nifti.Image, error) {
	dte := echo2 - echo1
	if dte == 0 {
		return nil, errors.New("echo times must differ")
	}
	rad := toRadians(phasediff.Volume(0))
	out := nifti.Like(phasediff, phasediff.Shape()[:3])
	out.SetDatatype(nifti.DTFloat32)
	for i, v := range rad {
		out.Data[i] = v / (2 * math.Pi * dte)
	}
	return out, nil
}

// PhasesToHz builds a field map in Hz from two phase maps acquired at
// echo1 and echo2 seconds. The phase difference is wrapped to [-π, π).
func PhasesToHz(phase1, phase2 *nifti.Image, echo1, echo2 float64) (*nifti.Image, error) {
	if phase1.VoxelsPerVolume() != phase2.VoxelsPerVolume() {
		return nil, fmt.Errorf("%w: phase maps differ in size", ErrShape)
	}
	dte := echo2 - echo1
	if dte == 0 {
		return nil, errors.New("echo times must differ")
	}
	p1 := toRadians(phase1.Volume(0))
	p2 := toRadians(phase2.Volume(0))
	out := nifti.Like(phase1, phase1.Shape()[:3])
	out.SetDatatype(nifti.DTFloat32)
	for i := range p1 {
		out.Data[i] = wrap(p2[i]-p1[i]) / (2 * math.Pi * dte)
	}
	return out, nil
}
