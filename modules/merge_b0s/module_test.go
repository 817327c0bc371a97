package merge_b0s

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/dmriprepgo/internal/nifti"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RowsFollowSourceOrientation(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	ras := [4][4]float64{{2, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 2, 0}, {0, 0, 0, 1}}
	sagittal := [4][4]float64{{0, 0, -1, 0}, {1, 0, 0, 0}, {0, -1, 0, 0}, {0, 0, 0, 1}}
	write := func(name string, shape []int, affine [4][4]float64) string {
		p := filepath.Join(dir, name)
		require.NoError(t, nifti.Write(p, nifti.New(shape, affine)))
		return p
	}
	rawDWI := write("raw_dwi.nii.gz", []int{2, 2, 2, 4}, sagittal)
	rawEPI := write("raw_epi.nii.gz", []int{2, 2, 2, 1}, ras)
	in := &Input{
		Same:       write("b0s.nii.gz", []int{2, 2, 2, 2}, ras),
		Opp:        write("epi_ras.nii.gz", []int{2, 2, 2, 1}, ras),
		SameSource: &rawDWI,
		OppSource:  &rawEPI,
		SameRow:    []float64{0, 1, 0, 0.05},
		OppRow:     []float64{0, -1, 0, 0.05},
	}
	env := &registry.Env{WorkDir: dir, Threads: 1, Outputs: map[string]string{
		"merged": filepath.Join(dir, "merged.nii.gz"),
		"datain": filepath.Join(dir, "datain.txt"),
	}}

	// --- Act ---
	err := Run(context.Background(), in, env)

	// --- Assert ---
	require.NoError(t, err)
	datain, err := os.ReadFile(env.Outputs["datain"])
	require.NoError(t, err)
	// The sagittal DWI encodes along j, which runs inferior; the EPI is
	// already RAS+.
	assert.Equal(t, "0 0 -1 0.05\n0 0 -1 0.05\n0 -1 0 0.05\n", string(datain))

	merged, err := nifti.ReadHeader(env.Outputs["merged"])
	require.NoError(t, err)
	assert.Equal(t, 3, merged.NumVolumes())
}
