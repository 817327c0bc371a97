// Package ports defines the types carried by stage ports and which output
// types may feed which input types.
package ports

import (
	"fmt"
	"sort"
)

// Type is the declared type of a stage port.
type Type string

const (
	// Image3D is a single-volume NIfTI image.
	Image3D Type = "image3d"
	// Image4D is a volume series NIfTI image.
	Image4D Type = "image4d"
	// Image accepts any NIfTI image regardless of dimensionality.
	Image Type = "image"
	// Mask is a binary 3-D NIfTI image.
	Mask Type = "mask"
	// Bvals is an FSL-style b-value text file.
	Bvals Type = "bvals"
	// Bvecs is an FSL-style b-vector text file (3 rows).
	Bvecs Type = "bvecs"
	// RASB is the canonical tab-separated gradient table.
	RASB Type = "rasb"
	// Acqp is an acquisition parameters table.
	Acqp Type = "acqp"
	// Index is the volume to acqp-row index vector.
	Index Type = "index"
	// Affine is a 4x4 RAS+ world-to-world transform.
	Affine Type = "affine"
	// FSLMat is a 4x4 transform in FSL's scaled-voxel convention.
	FSLMat Type = "fslmat"
	// Text is any other plain-text artifact (motion parameters, reports).
	Text Type = "text"
	// JSON is a JSON document.
	JSON Type = "json"
	// File accepts anything.
	File Type = "file"
)

var known = map[Type]struct{}{
	Image3D: {}, Image4D: {}, Image: {}, Mask: {}, Bvals: {}, Bvecs: {}, RASB: {},
	Acqp: {}, Index: {}, Affine: {}, FSLMat: {}, Text: {}, JSON: {}, File: {},
}

// compatible lists, for a destination type, every source type it accepts
// besides itself. A generic Image output may feed a 3-D or 4-D port; its
// dimensionality is checked when the producing node finishes and again when
// the consumer reads it.
var compatible = map[Type][]Type{
	Image3D: {Mask, Image},
	Image4D: {Image},
	Image:   {Image3D, Image4D, Mask},
}

// Parse converts a manifest type name into a Type.
func Parse(name string) (Type, error) {
	t := Type(name)
	if _, ok := known[t]; !ok {
		return "", fmt.Errorf("unknown port type %q (known: %v)", name, Names())
	}
	return t, nil
}

// Names returns the sorted list of known type names.
func Names() []string {
	out := make([]string, 0, len(known))
	for t := range known {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether a value produced as src may be bound to a port of type dst.
func (dst Type) Accepts(src Type) bool {
	if dst == src || dst == File {
		return true
	}
	for _, t := range compatible[dst] {
		if t == src {
			return true
		}
	}
	return false
}

// IsImage reports whether values of this type are NIfTI images.
func (t Type) IsImage() bool {
	switch t {
	case Image3D, Image4D, Image, Mask:
		return true
	}
	return false
}

// Dims returns the dimensionalities an image of this type may have. A 4-D
// image with a single volume counts as 3-D.
func (t Type) Dims() []int {
	switch t {
	case Image3D, Mask:
		return []int{3}
	case Image4D:
		return []int{4}
	case Image:
		return []int{3, 4}
	}
	return nil
}
