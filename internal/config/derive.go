package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	knownIgnore = map[string]bool{IgnoreFieldmaps: true, IgnoreSBRef: true, IgnoreDenoising: true, IgnoreUnringing: true}
	knownSpaces = map[string]bool{SpaceDWI: true, SpaceT1w: true}
	knownLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// maxDefaultOMPThreads caps the per-node thread default.
const maxDefaultOMPThreads = 8

// NewRunUUID returns a run identifier of the form YYYYMMDD-HHMMSS_<uuid4>.
func NewRunUUID(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.Format("20060102-150405"), uuid.NewString())
}

// Finalize fills in derived values that were not set explicitly. It is
// idempotent, so the build child and the parent agree on the result.
func (c *Config) Finalize(now time.Time) error {
	if c.Execution.RunUUID == "" {
		c.Execution.RunUUID = NewRunUUID(now)
	}
	if c.Execution.WorkDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		c.Execution.WorkDir = filepath.Join(cwd, "work")
	}
	if c.Execution.LogDir == "" && c.Execution.OutputDir != "" {
		c.Execution.LogDir = filepath.Join(c.DerivativesDir(), "logs")
	}
	if c.Execution.BIDSDatabaseDir == "" && c.Execution.WorkDir != "" {
		c.Execution.BIDSDatabaseDir = filepath.Join(c.Execution.WorkDir, "bids_db")
	}
	if c.Execution.FSLicenseFile == "" {
		c.Execution.FSLicenseFile = c.Environment.FSLicense
	}
	if c.Executor.Plugin == "Linear" {
		c.Executor.NProcs = 1
	}
	if c.Executor.NProcs == 0 {
		c.Executor.NProcs = c.Environment.CPUCount
		if c.Executor.NProcs <= 0 {
			c.Executor.NProcs = 1
		}
	}
	if c.Executor.OMPNThreads == 0 {
		n := min(c.Executor.NProcs-1, maxDefaultOMPThreads)
		if c.Environment.OMPNumThreads > 0 {
			n = min(n, c.Environment.OMPNumThreads)
		}
		c.Executor.OMPNThreads = max(n, 1)
	}
	return c.absolutize()
}

// Validate checks the record after Finalize. Problems are wrapped with
// ErrInvalid and joined; warnings never fail the run.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	ex := c.Execution
	switch {
	case ex.BIDSDir == "":
		bad("bids_dir is required")
	default:
		if st, statErr := os.Stat(ex.BIDSDir); statErr != nil || !st.IsDir() {
			bad("bids_dir %s is not a directory", ex.BIDSDir)
		}
	}
	if ex.OutputDir == "" {
		bad("output_dir is required")
	} else if filepath.Clean(ex.OutputDir) == filepath.Clean(ex.BIDSDir) {
		bad("output_dir must differ from bids_dir (%s)", ex.OutputDir)
	}
	if ex.AnalysisLevel != "participant" {
		bad("analysis level %q is not supported (only 'participant')", ex.AnalysisLevel)
	}
	if !knownLevels[ex.LogLevel] {
		bad("log_level must be one of debug, info, warn, error; got %q", ex.LogLevel)
	}
	if ex.LogFormat != "text" && ex.LogFormat != "json" {
		bad("log_format must be 'text' or 'json'; got %q", ex.LogFormat)
	}

	for _, tok := range c.Workflow.Ignore {
		if !knownIgnore[tok] {
			bad("unknown ignore token %q", tok)
		}
	}
	if len(c.Workflow.OutputSpaces) == 0 {
		bad("at least one output space is required")
	}
	for _, sp := range c.Workflow.OutputSpaces {
		if !knownSpaces[sp] {
			bad("unsupported output space %q (supported: dwi, T1w)", sp)
		}
	}
	if c.Workflow.ResampleResolution < 0 {
		bad("resample_resolution must not be negative")
	}
	if c.Workflow.BetFrac <= 0 || c.Workflow.BetFrac >= 1 {
		bad("bet_frac must lie in (0, 1); got %g", c.Workflow.BetFrac)
	}

	exe := c.Executor
	if exe.Plugin != "MultiProc" && exe.Plugin != "Linear" {
		bad("executor plugin must be MultiProc or Linear; got %q", exe.Plugin)
	}
	if exe.NProcs < 0 {
		bad("nprocs must not be negative")
	}
	if exe.OMPNThreads < 0 {
		bad("omp_nthreads must not be negative")
	}
	if exe.NProcs > 0 && exe.OMPNThreads > exe.NProcs {
		warnings = append(warnings, fmt.Sprintf("per-process threads (omp_nthreads=%d) exceed the process cap (nprocs=%d)", exe.OMPNThreads, exe.NProcs))
	}
	if _, derr := c.parseTimeout(exe.DefaultTimeout); derr != nil {
		bad("default_timeout: %v", derr)
	}
	for stage, d := range exe.Timeouts {
		if _, derr := c.parseTimeout(d); derr != nil {
			bad("timeouts.%s: %v", stage, derr)
		}
	}

	if c.Workflow.RunReconall && c.Execution.FSLicenseFile == "" {
		warnings = append(warnings, "run_reconall is set but no FreeSurfer license was found (FS_LICENSE / --fs-license-file)")
	}
	return warnings, errors.Join(errs...)
}

func (c *Config) parseTimeout(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Timeout returns the time limit for one invocation of stage; zero means
// none.
func (c *Config) Timeout(stage string) time.Duration {
	if s, ok := c.Executor.Timeouts[stage]; ok {
		d, _ := c.parseTimeout(s)
		return d
	}
	d, _ := c.parseTimeout(c.Executor.DefaultTimeout)
	return d
}

// DerivativesDir is the root of this pipeline's derivatives.
func (c *Config) DerivativesDir() string {
	return filepath.Join(c.Execution.OutputDir, PipelineName)
}

// SnapshotPath is where the run's TOML snapshot lives.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.Execution.WorkDir, c.Execution.RunUUID, "config.toml")
}

// GraphPath is where the build child writes the serialized graph.
func (c *Config) GraphPath() string {
	return filepath.Join(c.Execution.WorkDir, c.Execution.RunUUID, "graph.json")
}

// NodesDir is the root of the per-node working directories. It is shared
// across runs so cached node outputs can be reused.
func (c *Config) NodesDir() string {
	return filepath.Join(c.Execution.WorkDir, PipelineName+"_wf")
}

// CrashDir is the per-subject log directory of this run. Crash artifacts,
// the subject's configuration copy and its graph drawing are written there.
func (c *Config) CrashDir(subject string) string {
	return filepath.Join(c.DerivativesDir(), "sub-"+subject, "log", c.Execution.RunUUID)
}
