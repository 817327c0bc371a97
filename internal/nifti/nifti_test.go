package nifti

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lasAffine() [4][4]float64 {
	return [4][4]float64{
		{-2, 0, 0, 90},
		{0, 2, 0, -126},
		{0, 0, 2.5, -72},
		{0, 0, 0, 1},
	}
}

func filled(shape []int) *Image {
	img := New(shape, lasAffine())
	for i := range img.Data {
		img.Data[i] = float64(i) * 0.5
	}
	return img
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"plain.nii", "compressed.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), name)
			img := filled([]int{3, 4, 2, 5})

			require.NoError(t, Write(path, img))
			got, err := Read(path)
			require.NoError(t, err)

			assert.Equal(t, []int{3, 4, 2, 5}, got.Shape())
			assert.Equal(t, 5, got.NumVolumes())
			assert.Equal(t, img.Data, got.Data)
			assertAffineNear(t, lasAffine(), got.Affine())
		})
	}
}

func TestReadHeader_OnlyHeader(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "b0.nii.gz")
	require.NoError(t, Write(path, filled([]int{2, 2, 2})))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, 3, h.NDim())
	assert.Equal(t, 1, h.NumVolumes())
	assert.Equal(t, DTFloat32, h.Datatype)
}

func TestNDim_TrailingSingletons(t *testing.T) {
	t.Parallel()

	h := &Header{}
	h.Dim = [8]int16{4, 10, 10, 10, 1, 1, 1, 1}
	assert.Equal(t, 3, h.NDim())
	h.Dim[4] = 7
	assert.Equal(t, 4, h.NDim())
}

func TestWrite_IntegerDatatypeRounds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mask.nii")
	img := New([]int{2, 1, 1}, lasAffine())
	img.Data = []float64{0.4, 0.6}
	img.SetDatatype(DTUint8)
	require.NoError(t, Write(path, img))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, got.Data)
	assert.Equal(t, DTUint8, got.Header.Datatype)
}

func TestRead_RejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0o644))
	_, err := Read(path)
	require.ErrorIs(t, err, ErrNotNifti)
}

func TestQform_MatchesSform(t *testing.T) {
	t.Parallel()

	img := New([]int{2, 2, 2}, lasAffine())
	img.Header.SformCode = 0
	assertAffineNear(t, lasAffine(), img.Affine())
}

func assertAffineNear(t *testing.T, want, got [4][4]float64) {
	t.Helper()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, want[i][j], got[i][j], 1e-4, "affine[%d][%d]", i, j)
		}
	}
}
