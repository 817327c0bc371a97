package imaging

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"golang.org/x/sync/errgroup"
)

// Interp selects the interpolation kernel.
type Interp string

const (
	Nearest Interp = "nearest"
	Linear  Interp = "linear"
	Cubic   Interp = "cubic"
)

// ParseInterp validates an interpolation name.
func ParseInterp(s string) (Interp, error) {
	switch Interp(s) {
	case Nearest, Linear, Cubic:
		return Interp(s), nil
	}
	return "", fmt.Errorf("unknown interpolation %q", s)
}

type grid struct {
	nx, ny, nz int
}

func (g grid) at(vol []float64, x, y, z int) float64 {
	return vol[x+g.nx*(y+g.ny*z)]
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// sample evaluates vol at continuous voxel coordinates. Points further than
// half a voxel outside the grid read as outside.
func (g grid) sample(vol []float64, interp Interp, x, y, z, outside float64) float64 {
	if x < -0.5 || y < -0.5 || z < -0.5 || x > float64(g.nx)-0.5 || y > float64(g.ny)-0.5 || z > float64(g.nz)-0.5 {
		return outside
	}
	switch interp {
	case Nearest:
		return g.at(vol, clampIdx(int(math.Round(x)), g.nx), clampIdx(int(math.Round(y)), g.ny), clampIdx(int(math.Round(z)), g.nz))
	case Linear:
		return g.linear(vol, x, y, z)
	default:
		return g.cubic(vol, x, y, z)
	}
}

func (g grid) linear(vol []float64, x, y, z float64) float64 {
	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	fx, fy, fz := x-float64(x0), y-float64(y0), z-float64(z0)
	var sum float64
	for dz := 0; dz < 2; dz++ {
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		for dy := 0; dy < 2; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			for dx := 0; dx < 2; dx++ {
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				sum += w * g.at(vol, clampIdx(x0+dx, g.nx), clampIdx(y0+dy, g.ny), clampIdx(z0+dz, g.nz))
			}
		}
	}
	return sum
}

// catmullRom is the cubic convolution kernel with a = -0.5.
func catmullRom(t float64) float64 {
	const a = -0.5
	t = math.Abs(t)
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	}
	return 0
}

func (g grid) cubic(vol []float64, x, y, z float64) float64 {
	x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
	var wx, wy, wz [4]float64
	for k := 0; k < 4; k++ {
		wx[k] = catmullRom(x - float64(x0-1+k))
		wy[k] = catmullRom(y - float64(y0-1+k))
		wz[k] = catmullRom(z - float64(z0-1+k))
	}
	var sum float64
	for k := 0; k < 4; k++ {
		if wz[k] == 0 {
			continue
		}
		zi := clampIdx(z0-1+k, g.nz)
		for j := 0; j < 4; j++ {
			if wy[j] == 0 {
				continue
			}
			yi := clampIdx(y0-1+j, g.ny)
			for i := 0; i < 4; i++ {
				if wx[i] == 0 {
					continue
				}
				sum += wx[i] * wy[j] * wz[k] * g.at(vol, clampIdx(x0-1+i, g.nx), yi, zi)
			}
		}
	}
	return sum
}

// resampleVolumes fills every volume of out by pulling from src through
// vox, which maps output voxel indices to source voxel indices. Volumes are
// processed concurrently, at most threads at a time.
func resampleVolumes(ctx context.Context, src, out *nifti.Image, vox Affine, interp Interp, threads int) error {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	s := src.Shape()
	g := grid{s[0], s[1], s[2]}
	o := out.Shape()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(threads)
	for v := 0; v < out.NumVolumes(); v++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			srcVol, dst := src.Volume(v), out.Volume(v)
			idx := 0
			for z := 0; z < o[2]; z++ {
				for y := 0; y < o[1]; y++ {
					for x := 0; x < o[0]; x++ {
						sx, sy, sz := vox.Apply(float64(x), float64(y), float64(z))
						dst[idx] = g.sample(srcVol, interp, sx, sy, sz, 0)
						idx++
					}
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// ResampleIsotropic resamples img onto a grid with cubic voxels of the given
// size covering the same field of view. Voxel (0,0,0) keeps its world
// position.
func ResampleIsotropic(ctx context.Context, img *nifti.Image, voxelMM float64, interp Interp, threads int) (*nifti.Image, error) {
	if voxelMM <= 0 {
		return nil, fmt.Errorf("voxel size must be positive, got %g", voxelMM)
	}
	zooms := img.Zooms()
	old := img.Shape()
	shape := append([]int(nil), old...)
	var scale Affine
	scale[3][3] = 1
	for i := 0; i < 3; i++ {
		z := zooms[i]
		if z <= 0 {
			z = 1
		}
		shape[i] = int(math.Max(1, math.Round(float64(old[i])*z/voxelMM)))
		scale[i][i] = voxelMM / z
	}

	out := nifti.Like(img, shape)
	if interp == Nearest {
		out.Header.Datatype = img.Header.Datatype
	}
	out.SetAffine([4][4]float64(Affine(img.Affine()).Mul(scale)))
	if err := resampleVolumes(ctx, img, out, scale, interp, threads); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyAffine resamples moving onto the grid of reference. xfm maps world
// coordinates of the moving image to world coordinates of the reference;
// with invert set the inverse mapping is used instead. The output keeps the
// moving image's volume count.
func ApplyAffine(ctx context.Context, moving, reference *nifti.Image, xfm Affine, invert bool, interp Interp, threads int) (*nifti.Image, error) {
	pull := xfm
	if !invert {
		inv, err := xfm.Inverse()
		if err != nil {
			return nil, err
		}
		pull = inv
	}
	movInv, err := Affine(moving.Affine()).Inverse()
	if err != nil {
		return nil, fmt.Errorf("moving image: %w", err)
	}
	refAff := Affine(reference.Affine())
	vox := movInv.Mul(pull).Mul(refAff)

	rs := reference.Shape()
	shape := []int{rs[0], rs[1], rs[2]}
	if moving.Header.NDim() > 3 {
		shape = append(shape, moving.NumVolumes())
	}
	out := nifti.Like(reference, shape)
	if moving.Header.NDim() > 3 {
		out.Header.Pixdim[4] = moving.Header.Pixdim[4]
	}
	if err := resampleVolumes(ctx, moving, out, vox, interp, threads); err != nil {
		return nil, err
	}
	return out, nil
}
