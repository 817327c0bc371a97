package imaging

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/specialistvlad/dmriprepgo/internal/fieldmap"
	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diag(x, y, z float64) [4][4]float64 {
	return [4][4]float64{{x, 0, 0, 0}, {0, y, 0, 0}, {0, 0, z, 0}, {0, 0, 0, 1}}
}

func ramp(shape []int, affine [4][4]float64) *nifti.Image {
	img := nifti.New(shape, affine)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	return img
}

func TestExtractB0(t *testing.T) {
	t.Parallel()

	img := ramp([]int{2, 2, 1, 4}, diag(2, 2, 2))
	img.SetDatatype(nifti.DTInt16)

	out, err := ExtractB0(img, []int{0, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1, 2}, out.Shape())
	assert.Equal(t, img.Volume(0), out.Volume(0))
	assert.Equal(t, img.Volume(3), out.Volume(1))
	assert.Equal(t, nifti.DTFloat32, out.Header.Datatype)
	assert.Equal(t, uint8(nifti.UnitsMM), out.Header.XYZTUnits)

	single, err := ExtractB0(img, []int{2})
	require.NoError(t, err)
	assert.Equal(t, 3, single.Header.NDim())

	_, err = ExtractB0(img, []int{4})
	assert.Error(t, err)
}

func TestMedianB0(t *testing.T) {
	t.Parallel()

	t.Run("odd count without mask", func(t *testing.T) {
		t.Parallel()
		img := nifti.New([]int{2, 1, 1, 3}, diag(1, 1, 1))
		copy(img.Data, []float64{1, 10, 5, 30, 3, 20})
		out, err := MedianB0(img, nil)
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 20}, out.Data)
	})

	t.Run("even count averages", func(t *testing.T) {
		t.Parallel()
		img := nifti.New([]int{1, 1, 1, 4}, diag(1, 1, 1))
		copy(img.Data, []float64{4, 1, 3, 2})
		out, err := MedianB0(img, nil)
		require.NoError(t, err)
		assert.Equal(t, []float64{2.5}, out.Data)
	})

	t.Run("mask rescales each volume", func(t *testing.T) {
		t.Parallel()
		img := nifti.New([]int{2, 1, 1, 3}, diag(1, 1, 1))
		// Same pattern at three intensity levels.
		copy(img.Data, []float64{100, 50, 200, 100, 400, 200})
		mask := nifti.New([]int{2, 1, 1}, diag(1, 1, 1))
		mask.Data[0] = 1
		out, err := MedianB0(img, mask)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1000, 500}, out.Data, 1e-9)
	})

	t.Run("empty mask skips rescaling", func(t *testing.T) {
		t.Parallel()
		img := nifti.New([]int{1, 1, 1, 3}, diag(1, 1, 1))
		copy(img.Data, []float64{1, 2, 3})
		mask := nifti.New([]int{1, 1, 1}, diag(1, 1, 1))
		out, err := MedianB0(img, mask)
		require.NoError(t, err)
		assert.Equal(t, []float64{2}, out.Data)
	})
}

func TestMergeVolumes(t *testing.T) {
	t.Parallel()

	a := ramp([]int{2, 2, 2, 2}, diag(2, 2, 2))
	b := ramp([]int{2, 2, 2}, diag(2, 2, 2))
	out, counts, err := MergeVolumes(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, counts)
	assert.Equal(t, []int{2, 2, 2, 3}, out.Shape())
	assert.Equal(t, b.Volume(0), out.Volume(2))

	_, _, err = MergeVolumes(a, ramp([]int{3, 2, 2}, diag(2, 2, 2)))
	assert.ErrorIs(t, err, ErrShape)
}

func TestOrientationOf(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		affine [4][4]float64
		code   string
	}{
		{"ras", diag(1, 1, 1), "RAS"},
		{"las", diag(-2, 2, 2), "LAS"},
		{"lps", diag(-1, -1, 1), "LPS"},
		{"sagittal", [4][4]float64{{0, 0, -1, 0}, {1, 0, 0, 0}, {0, -1, 0, 0}, {0, 0, 0, 1}}, "AIL"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.code, OrientationOf(tc.affine).Code())
		})
	}
}

func TestReorientRow(t *testing.T) {
	t.Parallel()

	sagittal := [4][4]float64{{0, 0, -1, 0}, {1, 0, 0, 0}, {0, -1, 0, 0}, {0, 0, 0, 1}}
	testCases := []struct {
		name   string
		affine [4][4]float64
		row    fieldmap.Row
		want   fieldmap.Row
	}{
		{"ras keeps the row", diag(2, 2, 2), fieldmap.Row{0, -1, 0, 0.05}, fieldmap.Row{0, -1, 0, 0.05}},
		{"las flips i", diag(-2, 2, 2), fieldmap.Row{1, 0, 0, 0.05}, fieldmap.Row{-1, 0, 0, 0.05}},
		{"las keeps j", diag(-2, 2, 2), fieldmap.Row{0, 1, 0, 0.05}, fieldmap.Row{0, 1, 0, 0.05}},
		{"sagittal j becomes k-", sagittal, fieldmap.Row{0, 1, 0, 0.07}, fieldmap.Row{0, 0, -1, 0.07}},
		{"sagittal i becomes j", sagittal, fieldmap.Row{-1, 0, 0, 0.07}, fieldmap.Row{0, -1, 0, 0.07}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ReorientRow(OrientationOf(tc.affine), tc.row))
		})
	}
}

func TestOrientationOfFile(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := filepath.Join(t.TempDir(), "las.nii.gz")
	require.NoError(t, nifti.Write(path, nifti.New([]int{2, 2, 2, 3}, diag(-2, 2, 2))))

	// --- Act ---
	o, err := OrientationOfFile(path)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "LAS", o.Code())
}

func TestReorientToRAS(t *testing.T) {
	t.Parallel()

	las := [4][4]float64{{-2, 0, 0, 10}, {0, 2, 0, -20}, {0, 0, 2.5, -30}, {0, 0, 0, 1}}
	img := ramp([]int{3, 2, 2, 2}, las)
	vecs := []r3.Vector{{X: 1}, {Y: 1}, {}}

	out, outVecs, err := ReorientToRAS(img, vecs)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2, 2}, out.Shape())
	assert.Equal(t, []r3.Vector{{X: -1}, {Y: 1}, {}}, outVecs)

	a := out.Affine()
	for i := 0; i < 3; i++ {
		assert.Greater(t, math.Round(a[i][i]*1e4), 0.0)
	}
	// Voxel (0,0,0) of the output is voxel (2,0,0) of the input.
	assert.Equal(t, img.Data[2], out.Data[0])
	assert.Equal(t, img.Data[0], out.Data[2])

	// World coordinates of every voxel are preserved.
	x, y, z := Affine(a).Apply(0, 0, 0)
	wx, wy, wz := Affine(las).Apply(2, 0, 0)
	assert.InDelta(t, wx, x, 1e-4)
	assert.InDelta(t, wy, y, 1e-4)
	assert.InDelta(t, wz, z, 1e-4)
}

func TestReorientToRAS_Idempotent(t *testing.T) {
	t.Parallel()

	oblique := [4][4]float64{{0, 0, -2, 50}, {1.8, 0.1, 0, -10}, {0, -2, 0.05, 30}, {0, 0, 0, 1}}
	img := ramp([]int{4, 3, 2}, oblique)

	once, _, err := ReorientToRAS(img, nil)
	require.NoError(t, err)
	twice, _, err := ReorientToRAS(once, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	p1, p2 := filepath.Join(dir, "once.nii"), filepath.Join(dir, "twice.nii")
	require.NoError(t, nifti.Write(p1, once))
	require.NoError(t, nifti.Write(p2, twice))
	b1, err := os.ReadFile(p1)
	require.NoError(t, err)
	b2, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b1, b2), "second reorientation changed the file")
	assert.Equal(t, "RAS", OrientationOf(Affine(once.Affine())).Code())
}

func TestResampleIsotropic(t *testing.T) {
	t.Parallel()

	img := ramp([]int{2, 2, 2}, diag(2, 2, 2))

	out, err := ResampleIsotropic(context.Background(), img, 1, Nearest, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 4}, out.Shape())
	zooms := out.Zooms()
	assert.InDeltaSlice(t, []float64{1, 1, 1}, zooms[:], 1e-6)
	assert.Equal(t, img.Data[0], out.Data[0])
	// Output voxel 2 sits at input voxel 1.
	assert.Equal(t, img.Data[1], out.Data[2])

	same, err := ResampleIsotropic(context.Background(), img, 2, Cubic, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, img.Data, same.Data, 1e-9)

	_, err = ResampleIsotropic(context.Background(), img, 0, Cubic, 1)
	assert.Error(t, err)
}

func TestApplyAffine(t *testing.T) {
	t.Parallel()

	ref := ramp([]int{4, 4, 4}, diag(1, 1, 1))

	t.Run("identity keeps data", func(t *testing.T) {
		t.Parallel()
		out, err := ApplyAffine(context.Background(), ref, ref, Identity(), false, Linear, 2)
		require.NoError(t, err)
		assert.InDeltaSlice(t, ref.Data, out.Data, 1e-9)
	})

	t.Run("translation shifts by one voxel", func(t *testing.T) {
		t.Parallel()
		shift := Identity()
		shift[0][3] = 1 // moving point x lands on reference x+1
		out, err := ApplyAffine(context.Background(), ref, ref, shift, false, Nearest, 1)
		require.NoError(t, err)
		assert.Equal(t, ref.Data[0], out.Data[1])
		assert.Equal(t, 0.0, out.Data[0])

		back, err := ApplyAffine(context.Background(), ref, ref, shift, true, Nearest, 1)
		require.NoError(t, err)
		assert.Equal(t, ref.Data[1], back.Data[0])
	})
}

func TestFSLToRAS(t *testing.T) {
	t.Parallel()

	src := ramp([]int{10, 12, 8}, [4][4]float64{{-2, 0, 0, 9}, {0, 2, 0, -11}, {0, 0, 2, -7}, {0, 0, 0, 1}})
	ref := ramp([]int{20, 20, 20}, [4][4]float64{{1, 0, 0, -10}, {0, 1, 0, -10}, {0, 0, 1, -10}, {0, 0, 0, 1}})

	fsl := Identity()
	fsl[0][3], fsl[1][3], fsl[2][3] = 1.5, -2, 0.25

	ras, err := FSLToRAS(fsl, src, ref)
	require.NoError(t, err)
	back, err := RASToFSL(ras, src, ref)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDeltaSlice(t, fsl[i][:], back[i][:], 1e-9)
	}

	id := Identity()
	same, err := FSLToRAS(id, src, src)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDeltaSlice(t, id[i][:], same[i][:], 1e-9)
	}
}

func TestAffineFile_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "xfm.txt")
	a := Affine{{0.5, 0, 0, -3.25}, {0, 1, 0, 0}, {0, 0, 2, 1e-3}, {0, 0, 0, 1}}
	require.NoError(t, WriteAffine(path, a))
	got, err := ReadAffine(path)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	require.NoError(t, os.WriteFile(path, []byte("1 0 0\n"), 0o644))
	_, err = ReadAffine(path)
	assert.Error(t, err)
}

func TestPhasediffToHz(t *testing.T) {
	t.Parallel()

	img := nifti.New([]int{3, 1, 1}, diag(2, 2, 2))
	copy(img.Data, []float64{-math.Pi, 0, math.Pi / 2})
	out, err := PhasediffToHz(img, 0.00492, 0.00738)
	require.NoError(t, err)
	dte := 0.00738 - 0.00492
	assert.InDelta(t, -1/(2*dte), out.Data[0], 1e-6)
	assert.InDelta(t, 0, out.Data[1], 1e-9)
	assert.InDelta(t, 1/(4*dte), out.Data[2], 1e-6)

	scaled := nifti.New([]int{2, 1, 1}, diag(2, 2, 2))
	copy(scaled.Data, []float64{-4096, 4096})
	out, err = PhasediffToHz(scaled, 0.005, 0.006)
	require.NoError(t, err)
	assert.InDelta(t, -math.Pi/(2*math.Pi*0.001), out.Data[0], 1e-3)

	_, err = PhasediffToHz(img, 0.005, 0.005)
	assert.Error(t, err)
}

func TestPhasesToHz(t *testing.T) {
	t.Parallel()

	p1 := nifti.New([]int{2, 1, 1}, diag(2, 2, 2))
	p2 := nifti.New([]int{2, 1, 1}, diag(2, 2, 2))
	copy(p1.Data, []float64{0, 3})
	copy(p2.Data, []float64{1, -3})
	out, err := PhasesToHz(p1, p2, 0.004, 0.006)
	require.NoError(t, err)
	assert.InDelta(t, 1/(2*math.Pi*0.002), out.Data[0], 1e-6)
	// -6 rad wraps to 2π-6.
	assert.InDelta(t, (2*math.Pi-6)/(2*math.Pi*0.002), out.Data[1], 1e-6)
}
