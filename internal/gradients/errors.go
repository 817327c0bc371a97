package gradients

import "errors"

var (
	// ErrCorruptGradients covers length mismatches, unparsable files and
	// diffusion-weighted rows whose vector cannot be normalized.
	ErrCorruptGradients = errors.New("corrupt gradients")
	// ErrInsufficientDirections is returned when too few diffusion-weighted
	// directions were acquired for eddy-based correction.
	ErrInsufficientDirections = errors.New("insufficient diffusion directions")
	// ErrNoDiffusionWeighted is returned when every volume is a b=0 volume.
	ErrNoDiffusionWeighted = errors.New("no diffusion-weighted volumes")
)
