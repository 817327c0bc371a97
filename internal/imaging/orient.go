package imaging

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/specialistvlad/dmriprepgo/internal/fieldmap"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
)

// Orientation describes, for each RAS+ world axis, which voxel axis runs
// along it and whether that voxel axis points the opposite way.
type Orientation struct {
	Axis [3]int
	Flip [3]bool
}

// IsCanonical reports whether the voxel axes already run along R, A and S.
func (o Orientation) IsCanonical() bool {
	for i := 0; i < 3; i++ {
		if o.Axis[i] != i || o.Flip[i] {
			return false
		}
	}
	return true
}

// Code returns the three-letter orientation code of the voxel axes, e.g. "LAS".
func (o Orientation) Code() string {
	pos := [3]byte{'R', 'A', 'S'}
	neg := [3]byte{'L', 'P', 'I'}
	var code [3]byte
	for world := 0; world < 3; world++ {
		if o.Flip[world] {
			code[o.Axis[world]] = neg[world]
		} else {
			code[o.Axis[world]] = pos[world]
		}
	}
	return string(code[:])
}

// OrientationOf picks, greedily by largest absolute direction cosine, the
// world axis each voxel axis is closest to.
func OrientationOf(a Affine) Orientation {
	var cos [3][3]float64
	for j := 0; j < 3; j++ {
		n := math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j])
		if n == 0 {
			n = 1
		}
		for i := 0; i < 3; i++ {
			cos[i][j] = a[i][j] / n
		}
	}

	var o Orientation
	usedRow, usedCol := [3]bool{}, [3]bool{}
	for k := 0; k < 3; k++ {
		best, bi, bj := -1.0, 0, 0
		for i := 0; i < 3; i++ {
			if usedRow[i] {
				continue
			}
			for j := 0; j < 3; j++ {
				if usedCol[j] {
					continue
				}
				if v := math.Abs(cos[i][j]); v > best {
					best, bi, bj = v, i, j
				}
			}
		}
		usedRow[bi], usedCol[bj] = true, true
		o.Axis[bi] = bj
		o.Flip[bi] = cos[bi][bj] < 0
	}
	return o
}

// OrientationOfFile reads the orientation of the image at path from its
// header alone.
func OrientationOfFile(path string) (Orientation, error) {
	hdr, err := nifti.ReadHeader(path)
	if err != nil {
		return Orientation{}, err
	}
	img := nifti.Image{Header: *hdr}
	return OrientationOf(Affine(img.Affine())), nil
}

// ReorientRow maps an acquisition row given along the voxel axes of an
// image with orientation o onto the voxel axes of its RAS+ reorientation.
// The readout time is unchanged.
func ReorientRow(o Orientation, r fieldmap.Row) fieldmap.Row {
	out := fieldmap.Row{3: r[3]}
	for k := 0; k < 3; k++ {
		v := r[o.Axis[k]]
		if o.Flip[k] && v != 0 {
			v = -v
		}
		out[k] = v
	}
	return out
}

// ReorientToRAS permutes and flips the voxel axes of img so that they run
// along R, A and S, adjusting the affine so world coordinates are unchanged.
// Vectors expressed along the voxel axes (FSL b-vectors) are permuted and
// sign-flipped the same way. Applying it to its own output is a no-op.
func ReorientToRAS(img *nifti.Image, vecs []r3.Vector) (*nifti.Image, []r3.Vector, error) {
	a := Affine(img.Affine())
	o := OrientationOf(a)

	outVecs := make([]r3.Vector, len(vecs))
	for i, v := range vecs {
		in := [3]float64{v.X, v.Y, v.Z}
		var w [3]float64
		for k := 0; k < 3; k++ {
			w[k] = in[o.Axis[k]]
			if o.Flip[k] && w[k] != 0 {
				w[k] = -w[k]
			}
		}
		outVecs[i] = r3.Vector{X: w[0], Y: w[1], Z: w[2]}
	}

	if o.IsCanonical() {
		out := &nifti.Image{Header: img.Header, Data: append([]float64(nil), img.Data...)}
		return out, outVecs, nil
	}

	old := img.Shape()
	shape := append([]int(nil), old...)
	for k := 0; k < 3; k++ {
		shape[k] = old[o.Axis[k]]
	}

	// T maps new voxel indices to old voxel indices.
	var t Affine
	t[3][3] = 1
	for k := 0; k < 3; k++ {
		j := o.Axis[k]
		if o.Flip[k] {
			t[j][k] = -1
			t[j][3] = float64(old[j] - 1)
		} else {
			t[j][k] = 1
		}
	}

	out := nifti.Like(img, shape)
	out.Header.Datatype = img.Header.Datatype
	out.Header.XYZTUnits = img.Header.XYZTUnits
	out.SetAffine([4][4]float64(a.Mul(t)))

	strides := [3]int{1, old[0], old[0] * old[1]}
	for v := 0; v < img.NumVolumes(); v++ {
		src := img.Volume(v)
		dst := out.Volume(v)
		idx := 0
		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[1]; y++ {
				for x := 0; x < shape[0]; x++ {
					newIdx := [3]int{x, y, z}
					off := 0
					for k := 0; k < 3; k++ {
						j := o.Axis[k]
						p := newIdx[k]
						if o.Flip[k] {
							p = old[j] - 1 - p
						}
						off += p * strides[j]
					}
					dst[idx] = src[off]
					idx++
				}
			}
		}
	}
	return out, outVecs, nil
}
