package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
)

// PipelineName names the derivatives produced by this program.
const PipelineName = "dmriprep"

// Version is overridden at link time.
var Version = "0.1.0-dev"

// ErrInvalid marks configuration problems; they map to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// Known tokens for workflow.ignore.
const (
	IgnoreFieldmaps = "fieldmaps"
	IgnoreSBRef     = "sbref"
	IgnoreDenoising = "denoising"
	IgnoreUnringing = "unringing"
)

// Supported values for workflow.output_spaces.
const (
	SpaceDWI = "dwi"
	SpaceT1w = "T1w"
)

// Environment is read-only information about the platform the run started on.
type Environment struct {
	Version          string `toml:"version"`
	GoVersion        string `toml:"go_version"`
	OS               string `toml:"os"`
	Arch             string `toml:"arch"`
	CPUCount         int    `toml:"cpu_count"`
	FSLicense        string `toml:"fs_license" path:"true"`
	TemplateFlowHome string `toml:"templateflow_home" path:"true"`
	OMPNumThreads    int    `toml:"omp_num_threads"`
}

// Execution holds paths, subject selection and run bookkeeping.
type Execution struct {
	BIDSDir            string   `toml:"bids_dir" path:"true"`
	OutputDir          string   `toml:"output_dir" path:"true"`
	WorkDir            string   `toml:"work_dir" path:"true"`
	LogDir             string   `toml:"log_dir" path:"true"`
	BIDSDatabaseDir    string   `toml:"bids_database_dir" path:"true"`
	FSLicenseFile      string   `toml:"fs_license_file" path:"true"`
	FSSubjectsDir      string   `toml:"fs_subjects_dir" path:"true"`
	AnalysisLevel      string   `toml:"analysis_level"`
	ParticipantLabel   []string `toml:"participant_label"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
	RunUUID            string   `toml:"run_uuid"`
	SkipBIDSValidation bool     `toml:"skip_bids_validation"`
	ReportsOnly        bool     `toml:"reports_only"`
	WriteGraph         bool     `toml:"write_graph"`
	CleanWorkdir       bool     `toml:"clean_workdir"`
}

// Workflow holds the algorithmic choices that shape each run's graph.
type Workflow struct {
	Ignore             []string `toml:"ignore"`
	OutputSpaces       []string `toml:"output_spaces"`
	SkullStripTemplate string   `toml:"skull_strip_template"`
	RunReconall        bool     `toml:"run_reconall"`
	UseSynSDC          bool     `toml:"use_syn_sdc"`
	B0Threshold        float64  `toml:"b0_threshold"`
	RaiseInconsistent  bool     `toml:"raise_inconsistent"`
	ResampleResolution float64  `toml:"resample_resolution"`
	BetFrac            float64  `toml:"bet_frac"`
	EddyNiter          int      `toml:"eddy_niter"`
	EddyRepol          bool     `toml:"eddy_repol"`
	DropEntities       []string `toml:"drop_entities"`
}

// Executor holds parallelism and failure policy.
type Executor struct {
	Plugin           string            `toml:"plugin"`
	NProcs           int               `toml:"nprocs"`
	OMPNThreads      int               `toml:"omp_nthreads"`
	MemoryGB         float64           `toml:"memory_gb"`
	StopOnFirstCrash bool              `toml:"stop_on_first_crash"`
	DefaultTimeout   string            `toml:"default_timeout"`
	Timeouts         map[string]string `toml:"timeouts"`
}

// Config is the whole record.
type Config struct {
	Environment Environment
	Execution   Execution
	Workflow    Workflow
	Executor    Executor

	layoutOnce sync.Once
	layout     *bids.Layout
	layoutErr  error
}

// New returns a configuration with defaults applied and the environment
// section captured from the running process.
func New() *Config {
	c := &Config{}
	c.Environment = CaptureEnvironment(os.Getenv)
	c.Execution.AnalysisLevel = "participant"
	c.Execution.LogLevel = "info"
	c.Execution.LogFormat = "text"
	c.Workflow.OutputSpaces = []string{SpaceDWI, SpaceT1w}
	c.Workflow.SkullStripTemplate = "OASIS30ANTs"
	c.Workflow.B0Threshold = 50
	c.Workflow.BetFrac = 0.3
	c.Workflow.EddyNiter = 5
	c.Workflow.EddyRepol = true
	c.Executor.Plugin = "MultiProc"
	return c
}

// CaptureEnvironment fills the environment section from getenv and the Go
// runtime.
func CaptureEnvironment(getenv func(string) string) Environment {
	env := Environment{
		Version:          Version,
		GoVersion:        runtime.Version(),
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		CPUCount:         runtime.NumCPU(),
		FSLicense:        getenv("FS_LICENSE"),
		TemplateFlowHome: getenv("TEMPLATEFLOW_HOME"),
	}
	if n, err := strconv.Atoi(getenv("OMP_NUM_THREADS")); err == nil && n > 0 {
		env.OMPNumThreads = n
	}
	return env
}

// Ignores reports whether token is in workflow.ignore.
func (c *Config) Ignores(token string) bool {
	for _, t := range c.Workflow.Ignore {
		if t == token {
			return true
		}
	}
	return false
}

// WantsSpace reports whether an output space was requested.
func (c *Config) WantsSpace(space string) bool {
	for _, s := range c.Workflow.OutputSpaces {
		if s == space {
			return true
		}
	}
	return false
}
