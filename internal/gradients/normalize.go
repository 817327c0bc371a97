package gradients

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultB0Threshold is the highest b-value still treated as b=0 (s/mm²).
	DefaultB0Threshold = 50.0
	// DefaultBvecNormEpsilon is the norm below which a vector counts as zero.
	DefaultBvecNormEpsilon = 0.1
	// scannerB0Component flags vectors some scanners emit for b=0 volumes.
	scannerB0Component = 10.0
)

// Options tunes Normalize and Validate.
type Options struct {
	B0Threshold     float64
	BvecNormEpsilon float64
	// BScale rescales each b-value by the squared norm of its raw vector.
	BScale bool
	// RaiseInconsistent turns b=0 rows carrying a non-zero vector into errors
	// instead of warnings.
	RaiseInconsistent bool
}

// DefaultOptions returns the options used by the pipeline.
func DefaultOptions() Options {
	return Options{
		B0Threshold:     DefaultB0Threshold,
		BvecNormEpsilon: DefaultBvecNormEpsilon,
		BScale:          true,
	}
}

func (o Options) withDefaults() Options {
	if o.B0Threshold <= 0 {
		o.B0Threshold = DefaultB0Threshold
	}
	if o.BvecNormEpsilon <= 0 {
		o.BvecNormEpsilon = DefaultBvecNormEpsilon
	}
	return o
}

// Normalize returns a copy of t with unit-norm vectors on diffusion-weighted
// rows, zero vectors on b=0 rows, b-values scaled by the squared vector norm
// (when enabled) and rounded, and B0Mask filled.
func Normalize(ctx context.Context, t *Table, opts Options) (*Table, error) {
	opts = opts.withDefaults()
	if len(t.Bvals) != len(t.Bvecs) {
		return nil, fmt.Errorf("%w: %d b-values but %d b-vectors", ErrCorruptGradients, len(t.Bvals), len(t.Bvecs))
	}

	out := t.Clone()
	out.B0Mask = make([]bool, out.Len())

	lowB, lowVec := 0, 0
	for i := range out.Bvals {
		v := out.Bvecs[i]
		if math.Abs(v.X) >= scannerB0Component || math.Abs(v.Y) >= scannerB0Component || math.Abs(v.Z) >= scannerB0Component {
			v = r3.Vector{}
		}
		out.Bvecs[i] = v

		isB0 := out.Bvals[i] <= opts.B0Threshold
		zeroVec := v.Norm() < opts.BvecNormEpsilon
		if isB0 {
			lowB++
		}
		if zeroVec {
			lowVec++
		}
		if !isB0 && zeroVec {
			return nil, fmt.Errorf("%w: volume %d has b=%g but a null gradient vector (b0/DWI mismatch)", ErrCorruptGradients, i, out.Bvals[i])
		}
		out.B0Mask[i] = isB0
	}

	if lowB != lowVec {
		msg := fmt.Sprintf("inconsistent bvals and bvecs (%d, %d low-b, respectively)", lowB, lowVec)
		if opts.RaiseInconsistent {
			return nil, fmt.Errorf("%w: %s", ErrCorruptGradients, msg)
		}
		ctxlog.FromContext(ctx).Warn("Gradient table inconsistency mended.", "detail", msg)
	}

	for i, b0 := range out.B0Mask {
		if b0 {
			out.Bvecs[i] = r3.Vector{}
			continue
		}
		n := out.Bvecs[i].Norm()
		if opts.BScale {
			out.Bvals[i] *= n * n
		}
		out.Bvecs[i] = out.Bvecs[i].Mul(1 / n)
	}

	roundBvals(out.Bvals)
	return out, nil
}

// roundBvals rounds every b-value to the power of ten one below the order of
// magnitude of the largest b-value. Halves round to even.
func roundBvals(bvals []float64) {
	maxB := floats.Max(bvals)
	if maxB <= 0 {
		return
	}
	bmag := math.Floor(math.Log10(maxB)) - 1
	scale := math.Pow(10, bmag)
	for i, b := range bvals {
		bvals[i] = math.RoundToEven(b/scale) * scale
	}
}
