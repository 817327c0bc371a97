package imaging

import (
	"errors"
	"fmt"
	"sort"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"gonum.org/v1/gonum/stat"
)

// ErrShape is returned when images that must share a grid do not.
var ErrShape = errors.New("image shape mismatch")

// b0RescaleTarget is the in-mask mean every b0 volume is brought to before
// the median is taken.
const b0RescaleTarget = 1000.0

// ExtractB0 selects the given volumes along the last axis. The result is
// float32 with spatial units in millimetres; a single selected volume yields
// a 3-D image.
func ExtractB0(img *nifti.Image, indices []int) (*nifti.Image, error) {
	if len(indices) == 0 {
		return nil, errors.New("no b0 volumes to extract")
	}
	nvol := img.NumVolumes()
	for _, i := range indices {
		if i < 0 || i >= nvol {
			return nil, fmt.Errorf("b0 index %d out of range for %d volumes", i, nvol)
		}
	}

	shape := img.Shape()[:3]
	if len(indices) > 1 {
		shape = append(append([]int(nil), shape...), len(indices))
	}
	out := nifti.Like(img, shape)
	out.SetDatatype(nifti.DTFloat32)
	out.Header.XYZTUnits = nifti.UnitsMM
	for k, i := range indices {
		copy(out.Volume(k), img.Volume(i))
	}
	return out, nil
}

// MedianB0 collapses a b0 series to one reference volume by the per-voxel
// median over the last axis. When mask has any positive voxel, each volume
// is first scaled so that its in-mask mean equals 1000. A 3-D input is
// returned unchanged.
func MedianB0(img *nifti.Image, mask *nifti.Image) (*nifti.Image, error) {
	nvol := img.NumVolumes()
	if img.Header.NDim() < 4 || nvol == 1 {
		out := nifti.Like(img, img.Shape()[:3])
		copy(out.Data, img.Volume(0))
		return out, nil
	}

	nvox := img.VoxelsPerVolume()
	vols := make([][]float64, nvol)
	for t := 0; t < nvol; t++ {
		vols[t] = append([]float64(nil), img.Volume(t)...)
	}

	if mask != nil {
		if mask.VoxelsPerVolume() != nvox {
			return nil, fmt.Errorf("%w: mask has %d voxels, b0 series %d", ErrShape, mask.VoxelsPerVolume(), nvox)
		}
		var inMask []int
		for i, v := range mask.Volume(0) {
			if v > 0 {
				inMask = append(inMask, i)
			}
		}
		if len(inMask) > 0 {
			buf := make([]float64, len(inMask))
			for _, vol := range vols {
				for k, i := range inMask {
					buf[k] = vol[i]
				}
				mean := stat.Mean(buf, nil)
				if mean == 0 {
					continue
				}
				scale := b0RescaleTarget / mean
				for i := range vol {
					vol[i] *= scale
				}
			}
		}
	}

	out := nifti.Like(img, img.Shape()[:3])
	out.SetDatatype(nifti.DTFloat32)
	series := make([]float64, nvol)
	for i := 0; i < nvox; i++ {
		for t := range vols {
			series[t] = vols[t][i]
		}
		out.Data[i] = median(series)
	}
	return out, nil
}

// median sorts xs in place and returns the middle value, averaging the two
// central values for even lengths.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// MergeVolumes stacks every volume of each image, in order, into one 4-D
// series. All inputs must share the same spatial grid.
func MergeVolumes(imgs ...*nifti.Image) (*nifti.Image, []int, error) {
	if len(imgs) == 0 {
		return nil, nil, errors.New("nothing to merge")
	}
	ref := imgs[0]
	spatial := ref.Shape()[:3]
	total := 0
	counts := make([]int, len(imgs))
	for k, img := range imgs {
		s := img.Shape()
		for i := 0; i < 3; i++ {
			if s[i] != spatial[i] {
				return nil, nil, fmt.Errorf("%w: image %d is %v, expected %v", ErrShape, k, s[:3], spatial)
			}
		}
		counts[k] = img.NumVolumes()
		total += counts[k]
	}

	out := nifti.Like(ref, []int{spatial[0], spatial[1], spatial[2], total})
	out.SetDatatype(nifti.DTFloat32)
	t := 0
	for _, img := range imgs {
		for v := 0; v < img.NumVolumes(); v++ {
			copy(out.Volume(t), img.Volume(v))
			t++
		}
	}
	return out, counts, nil
}
