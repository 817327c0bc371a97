package config

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a finalized record that passes Validate.
func validConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	bidsDir := filepath.Join(root, "bids")
	require.NoError(t, os.MkdirAll(bidsDir, 0o755))

	c := New()
	c.Execution.BIDSDir = bidsDir
	c.Execution.OutputDir = filepath.Join(root, "out")
	c.Execution.WorkDir = filepath.Join(root, "work")
	c.Environment.CPUCount = 4
	require.NoError(t, c.Finalize(time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)))
	return c
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()
	c := validConfig(t)
	c.Execution.ParticipantLabel = []string{"01", "02"}
	c.Workflow.Ignore = []string{IgnoreSBRef}
	c.Workflow.ResampleResolution = 1.25
	c.Executor.Timeouts = map[string]string{"eddy": "2h"}
	// Overrides whose value is false or empty must survive as well.
	c.Workflow.EddyRepol = false
	c.Workflow.OutputSpaces = []string{}
	// Pin every environment field so the defaults of the reading side
	// cannot leak in from the test process.
	c.Environment.FSLicense = "/opt/fs/license.txt"
	c.Environment.TemplateFlowHome = "/opt/templateflow"
	c.Environment.OMPNumThreads = 2
	c.Execution.FSLicenseFile = c.Environment.FSLicense

	path := c.SnapshotPath()
	require.NoError(t, c.Save(path))

	got, err := LoadFrom(path)
	require.NoError(t, err)

	opt := cmpopts.IgnoreUnexported(Config{})
	if diff := cmp.Diff(c, got, opt); diff != "" {
		t.Errorf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}
	for name, section := range c.Dump() {
		assert.Empty(t, cmp.Diff(section, got.Dump()[name]), "section %s", name)
	}
	assert.False(t, got.Workflow.EddyRepol)
	assert.Empty(t, got.Workflow.OutputSpaces)
}

func TestDump_OmitsDefaults(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	c := New()
	c.Workflow.EddyRepol = false
	c.Workflow.BetFrac = 0.3

	// --- Act ---
	wf := c.Workflow.Dump()

	// --- Assert ---
	assert.Equal(t, map[string]any{"eddy_repol": false}, wf)
	assert.Empty(t, c.Executor.Dump(), "an untouched section dumps nothing")
}

func TestLoad_OverwritesOnlyNamedKeys(t *testing.T) {
	t.Parallel()
	c := New()
	err := c.Load(map[string]map[string]any{
		"workflow": {"bet_frac": 0.5, "ignore": []string{"fieldmaps"}},
		"executor": {"nprocs": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.5, c.Workflow.BetFrac)
	assert.Equal(t, []string{"fieldmaps"}, c.Workflow.Ignore)
	assert.Equal(t, 3, c.Executor.NProcs)
	// Untouched defaults survive.
	assert.Equal(t, 5, c.Workflow.EddyNiter)
	assert.Equal(t, "MultiProc", c.Executor.Plugin)
	assert.Equal(t, []string{SpaceDWI, SpaceT1w}, c.Workflow.OutputSpaces)
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		values map[string]map[string]any
		errMsg string
	}{
		{"unknown section", map[string]map[string]any{"nipype": {"x": 1}}, "unknown section [nipype]"},
		{"unknown key", map[string]map[string]any{"workflow": {"use_bbr": true}}, "unknown keys use_bbr"},
		{"wrong type", map[string]map[string]any{"executor": {"nprocs": "many"}}, "[executor]"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := New().Load(tc.values)
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoad_AbsolutizesPaths(t *testing.T) {
	t.Parallel()
	c := New()
	require.NoError(t, c.Load(map[string]map[string]any{"execution": {"bids_dir": "data/bids", "log_level": "debug"}}))
	assert.True(t, filepath.IsAbs(c.Execution.BIDSDir))
	assert.True(t, strings.HasSuffix(c.Execution.BIDSDir, filepath.Join("data", "bids")))
	assert.Equal(t, "debug", c.Execution.LogLevel)
}

func TestLoadFile_UserConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[workflow]
b0_threshold = 100
output_spaces = ["dwi"]

[executor.timeouts]
eddy = "90m"
`), 0o644))

	c := New()
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, 100.0, c.Workflow.B0Threshold)
	assert.Equal(t, []string{SpaceDWI}, c.Workflow.OutputSpaces)
	assert.Equal(t, 90*time.Minute, c.Timeout("eddy"))
	assert.Zero(t, c.Timeout("denoise"))

	require.NoError(t, os.WriteFile(path, []byte("[workflow\n"), 0o644))
	assert.ErrorIs(t, New().LoadFile(path), ErrInvalid)
}

func TestFinalize(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)

	testCases := []struct {
		name     string
		mutate   func(c *Config)
		nprocs   int
		ompTotal int
	}{
		{"defaults from cpu count", func(c *Config) { c.Environment.CPUCount = 16 }, 16, 8},
		{"env caps threads", func(c *Config) { c.Environment.CPUCount = 16; c.Environment.OMPNumThreads = 2 }, 16, 2},
		{"single cpu", func(c *Config) { c.Environment.CPUCount = 1 }, 1, 1},
		{"linear forces one process", func(c *Config) { c.Environment.CPUCount = 8; c.Executor.Plugin = "Linear" }, 1, 1},
		{"explicit values kept", func(c *Config) { c.Executor.NProcs = 4; c.Executor.OMPNThreads = 6 }, 4, 6},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := New()
			c.Environment.OMPNumThreads = 0
			c.Execution.OutputDir = filepath.Join(t.TempDir(), "out")
			c.Execution.WorkDir = filepath.Join(t.TempDir(), "work")
			tc.mutate(c)
			require.NoError(t, c.Finalize(now))
			assert.Equal(t, tc.nprocs, c.Executor.NProcs)
			assert.Equal(t, tc.ompTotal, c.Executor.OMPNThreads)
		})
	}

	t.Run("derived paths and idempotence", func(t *testing.T) {
		t.Parallel()
		c := New()
		c.Execution.OutputDir = filepath.Join(t.TempDir(), "out")
		c.Execution.WorkDir = filepath.Join(t.TempDir(), "work")
		require.NoError(t, c.Finalize(now))

		assert.Regexp(t, regexp.MustCompile(`^20240301-123005_[0-9a-f-]{36}$`), c.Execution.RunUUID)
		assert.Equal(t, filepath.Join(c.Execution.OutputDir, "dmriprep", "logs"), c.Execution.LogDir)
		assert.Equal(t, filepath.Join(c.Execution.WorkDir, "bids_db"), c.Execution.BIDSDatabaseDir)
		assert.Equal(t, filepath.Join(c.Execution.WorkDir, c.Execution.RunUUID, "config.toml"), c.SnapshotPath())
		assert.Equal(t, filepath.Join(c.Execution.OutputDir, "dmriprep", "sub-01", "log", c.Execution.RunUUID), c.CrashDir("01"))

		before := c.Dump()
		require.NoError(t, c.Finalize(now.Add(time.Hour)))
		assert.Empty(t, cmp.Diff(before, c.Dump()))
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		warnings, err := validConfig(t).Validate()
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	testCases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"missing bids dir", func(c *Config) { c.Execution.BIDSDir = "" }, "bids_dir is required"},
		{"bids dir is a file", func(c *Config) {
			p := filepath.Join(c.Execution.WorkDir, "file")
			_ = os.MkdirAll(c.Execution.WorkDir, 0o755)
			_ = os.WriteFile(p, nil, 0o644)
			c.Execution.BIDSDir = p
		}, "is not a directory"},
		{"output equals input", func(c *Config) { c.Execution.OutputDir = c.Execution.BIDSDir + "/" }, "must differ"},
		{"group level", func(c *Config) { c.Execution.AnalysisLevel = "group" }, "only 'participant'"},
		{"bad log level", func(c *Config) { c.Execution.LogLevel = "trace" }, "log_level"},
		{"unknown ignore", func(c *Config) { c.Workflow.Ignore = []string{"slicetiming"} }, `unknown ignore token "slicetiming"`},
		{"template space", func(c *Config) { c.Workflow.OutputSpaces = []string{"MNI152NLin2009cAsym"} }, "unsupported output space"},
		{"no spaces", func(c *Config) { c.Workflow.OutputSpaces = nil }, "at least one output space"},
		{"negative resolution", func(c *Config) { c.Workflow.ResampleResolution = -1 }, "resample_resolution"},
		{"bet frac", func(c *Config) { c.Workflow.BetFrac = 1 }, "bet_frac"},
		{"plugin", func(c *Config) { c.Executor.Plugin = "SGE" }, "MultiProc or Linear"},
		{"timeout", func(c *Config) { c.Executor.Timeouts = map[string]string{"eddy": "soon"} }, "timeouts.eddy"},
		{"negative timeout", func(c *Config) { c.Executor.DefaultTimeout = "-1m" }, "negative duration"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := validConfig(t)
			tc.mutate(c)
			_, err := c.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("warnings", func(t *testing.T) {
		t.Parallel()
		c := validConfig(t)
		c.Executor.NProcs = 2
		c.Executor.OMPNThreads = 4
		c.Workflow.RunReconall = true
		c.Execution.FSLicenseFile = ""
		warnings, err := c.Validate()
		require.NoError(t, err)
		require.Len(t, warnings, 2)
		assert.Contains(t, warnings[0], "omp_nthreads=4")
		assert.Contains(t, warnings[1], "FreeSurfer license")
	})
}

func TestCaptureEnvironment(t *testing.T) {
	t.Parallel()
	env := map[string]string{"FS_LICENSE": "/opt/fs/license.txt", "OMP_NUM_THREADS": "3"}
	got := CaptureEnvironment(func(k string) string { return env[k] })
	assert.Equal(t, "/opt/fs/license.txt", got.FSLicense)
	assert.Equal(t, 3, got.OMPNumThreads)
	assert.Equal(t, Version, got.Version)
	assert.Positive(t, got.CPUCount)

	bad := CaptureEnvironment(func(k string) string { return map[string]string{"OMP_NUM_THREADS": "lots"}[k] })
	assert.Zero(t, bad.OMPNumThreads)
}

func TestIgnoresAndSpaces(t *testing.T) {
	t.Parallel()
	c := New()
	assert.False(t, c.Ignores(IgnoreFieldmaps))
	c.Workflow.Ignore = []string{IgnoreFieldmaps, IgnoreDenoising}
	assert.True(t, c.Ignores(IgnoreFieldmaps))
	assert.True(t, c.Ignores(IgnoreDenoising))
	assert.False(t, c.Ignores(IgnoreUnringing))
	assert.True(t, c.WantsSpace(SpaceT1w))
	c.Workflow.OutputSpaces = []string{SpaceDWI}
	assert.False(t, c.WantsSpace(SpaceT1w))
}

func TestLoadLayout_LeavesNothingCached(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	root := filepath.Join(t.TempDir(), "bids")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub-01", "anat"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dataset_description.json"), []byte(`{"Name":"x","BIDSVersion":"1.8.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub-01", "anat", "sub-01_T1w.nii.gz"), []byte("x"), 0o644))
	c := New()
	c.Execution.BIDSDir = root

	// --- Act ---
	loaded, err := c.LoadLayout(ctxlog.Discard(context.Background()))

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"01"}, loaded.Subjects())
	assert.Nil(t, c.layout, "LoadLayout does not cache")

	cached, err := c.Layout(ctxlog.Discard(context.Background()))
	require.NoError(t, err)
	again, err := c.Layout(ctxlog.Discard(context.Background()))
	require.NoError(t, err)
	assert.Same(t, cached, again)
	assert.NotSame(t, loaded, cached)
}
