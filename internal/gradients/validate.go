package gradients

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
)

// SLM is eddy's second-level model for residual eddy-current fields.
type SLM string

const (
	SLMNone   SLM = "none"
	SLMLinear SLM = "linear"
)

// linearSLMBelow is the direction count under which the linear model is
// always chosen, regardless of coverage.
const linearSLMBelow = 30

// Result is the outcome of validating one gradient table.
type Result struct {
	Table         *Table
	NumDWI        int
	MaxB          float64
	Hemispherical bool
	Pole          r3.Vector
	SLM           SLM
}

// Validate normalizes t, enforces the direction-count preconditions of
// eddy-based correction and derives hemispherical coverage and the SLM.
func Validate(ctx context.Context, t *Table, opts Options) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	norm, err := Normalize(ctx, t, opts)
	if err != nil {
		return nil, err
	}

	var dwi []r3.Vector
	maxB := 0.0
	for i, b0 := range norm.B0Mask {
		if b0 {
			continue
		}
		dwi = append(dwi, norm.Bvecs[i])
		if norm.Bvals[i] > maxB {
			maxB = norm.Bvals[i]
		}
	}

	n := len(dwi)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: all %d volumes have b <= %g", ErrNoDiffusionWeighted, norm.Len(), opts.withDefaults().B0Threshold)
	case norm.NumB0() == 0:
		return nil, fmt.Errorf("%w: no b=0 volume found", ErrCorruptGradients)
	case n < 10 && maxB <= 1500:
		return nil, fmt.Errorf("%w: %d directions with max b=%g (need at least 10)", ErrInsufficientDirections, n, maxB)
	case n < 30 && maxB < 5000:
		return nil, fmt.Errorf("%w: %d directions with max b=%g (need at least 30)", ErrInsufficientDirections, n, maxB)
	}

	hemi, pole := IsHemispherical(dwi)
	res := &Result{
		Table:         norm,
		NumDWI:        n,
		MaxB:          maxB,
		Hemispherical: hemi,
		Pole:          pole,
		SLM:           SLMNone,
	}
	if hemi || n < linearSLMBelow {
		res.SLM = SLMLinear
	}
	if hemi {
		logger.Warn("Gradient directions cover a single hemisphere; eddy will use a linear second-level model.",
			"pole", fmt.Sprintf("%.4f,%.4f,%.4f", pole.X, pole.Y, pole.Z))
	}
	logger.Debug("Gradient table validated.", "volumes", norm.Len(), "b0", norm.NumB0(), "dwi", n, "max_b", maxB, "slm", res.SLM)
	return res, nil
}
