package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/specialistvlad/dmriprepgo/internal/app"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitMissingTool = 127
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// Code maps an error returned by Execute to the process exit code.
func Code(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, config.ErrInvalid):
		return ExitUsage
	case errors.Is(err, registry.ErrMissingTool):
		return ExitMissingTool
	}
	return ExitFailure
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error(), Err: err}
}

// Execute parses args and runs the selected command. The returned error,
// when not nil, carries the exit code through Code.
func Execute(ctx context.Context, args []string, outW io.Writer, opts ...app.Option) error {
	root := NewRootCommand(outW, opts...)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExitError{Code: Code(err), Message: err.Error(), Err: err}
}

// flags holds the values of the root command's options.
type flags struct {
	configFile string
	verbose    bool

	participantLabel   []string
	skipBIDSValidation bool
	fsLicenseFile      string
	workDir            string
	bidsDatabaseDir    string
	logLevel           string
	logFormat          string
	reportsOnly        bool
	writeGraph         bool
	cleanWorkdir       bool

	ignore             []string
	outputSpaces       []string
	runReconall        bool
	useSynSDC          bool
	b0Threshold        float64
	resampleResolution float64
	raiseInconsistent  bool
	dropEntities       []string

	plugin           string
	nprocs           int
	ompNThreads      int
	memoryGB         float64
	stopOnFirstCrash bool
	timeout          string
}

// NewRootCommand returns the command tree. Each call builds a fresh tree,
// so commands can be executed concurrently in tests.
func NewRootCommand(outW io.Writer, opts ...app.Option) *cobra.Command {
	root := newRootCommand(outW, func(ctx context.Context, cfg *config.Config) error {
		_, err := app.NewApp(outW, cfg, opts...).Run(ctx)
		return err
	})
	root.AddCommand(newBuildGraphCommand(outW))
	return root
}

// runFunc receives the assembled configuration of the root command.
type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCommand(outW io.Writer, run runFunc) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "dmriprep <bids_dir> <output_dir> participant",
		Short: "Diffusion MRI preprocessing of BIDS datasets",
		Long: `dmriprep preprocesses the diffusion MRI runs of a BIDS dataset.

For every subject it builds a workflow graph covering denoising, Gibbs
unringing, susceptibility and eddy-current correction, bias correction,
tensor fitting and coregistration to the T1w image, then executes it
with the configured parallelism. Derivatives are written to
<output_dir>/dmriprep.

Exit codes:
  0    every run succeeded
  1    at least one subject or run failed
  2    invalid arguments or configuration
  127  a required external program is missing`,
		Version:       config.Version,
		Args:          positional,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.SetOut(outW)
	root.SetErr(outW)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	fs := root.Flags()
	fs.StringVar(&f.configFile, "config-file", "", "TOML configuration file; command-line options take precedence")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Log at debug level")
	fs.StringSliceVar(&f.participantLabel, "participant-label", nil, "Subjects to process, with or without the sub- prefix (default: all)")
	fs.BoolVar(&f.skipBIDSValidation, "skip-bids-validation", false, "Do not validate the input dataset")
	fs.StringVar(&f.fsLicenseFile, "fs-license-file", "", "FreeSurfer license file (default: $FS_LICENSE)")
	fs.StringVarP(&f.workDir, "work-dir", "w", "", "Working directory for intermediate results (default: ./work)")
	fs.StringVar(&f.bidsDatabaseDir, "bids-database-dir", "", "Directory of the persisted BIDS index")
	fs.StringVar(&f.logLevel, "log-level", "info", "Logging level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log output format: text or json")
	fs.BoolVar(&f.reportsOnly, "reports-only", false, "Build the workflow and write reports without executing it")
	fs.BoolVar(&f.writeGraph, "write-graph", false, "Write a Graphviz drawing of each subject's workflow")
	fs.BoolVar(&f.cleanWorkdir, "clean-workdir", false, "Remove node working directories after a successful run")

	fs.StringSliceVar(&f.ignore, "ignore", nil, "Steps to skip: fieldmaps, sbref, denoising, unringing")
	fs.StringSliceVar(&f.outputSpaces, "output-spaces", nil, "Output spaces: dwi, T1w (default: both)")
	fs.BoolVar(&f.runReconall, "run-reconall", false, "Use boundary-based coregistration")
	fs.BoolVar(&f.useSynSDC, "use-syn-sdc", false, "Fall back to fieldmap-less correction when no fieldmap exists")
	fs.Float64Var(&f.b0Threshold, "b0-threshold", 0, "Highest b-value treated as b=0 (default 50)")
	fs.Float64Var(&f.resampleResolution, "resample-resolution", 0, "Isotropic voxel size in mm to resample to before eddy (0 disables)")
	fs.BoolVar(&f.raiseInconsistent, "raise-inconsistent", false, "Fail on b=0 volumes with non-zero gradient vectors")
	fs.StringSliceVar(&f.dropEntities, "drop-entities", nil, "BIDS entities left out of derivative names")

	fs.StringVar(&f.plugin, "plugin", "", "Executor: MultiProc or Linear")
	fs.IntVar(&f.nprocs, "nprocs", 0, "Maximum number of nodes running at once (default: number of CPUs)")
	fs.IntVar(&f.ompNThreads, "omp-nthreads", 0, "Threads per node (default: min(nprocs-1, 8))")
	fs.Float64Var(&f.memoryGB, "mem-gb", 0, "Memory available to the run, in GB")
	fs.BoolVar(&f.stopOnFirstCrash, "stop-on-first-crash", false, "Stop the whole run at the first failure")
	fs.StringVar(&f.timeout, "timeout", "", "Time limit of each external tool invocation, e.g. 2h (default: none)")
	return root
}

func positional(cmd *cobra.Command, args []string) error {
	if len(args) != 3 {
		return usageError(fmt.Errorf("expected <bids_dir> <output_dir> participant, got %d arguments", len(args)))
	}
	return nil
}

// config assembles the configuration: defaults, then the config file,
// then the options set on the command line.
func (f *flags) config(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.New()
	if f.configFile != "" {
		if err := cfg.LoadFile(f.configFile); err != nil {
			return nil, err
		}
	}

	ex := &cfg.Execution
	ex.BIDSDir, ex.OutputDir, ex.AnalysisLevel = args[0], args[1], args[2]

	changed := cmd.Flags().Changed
	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}
	set("participant-label", func() { ex.ParticipantLabel = f.participantLabel })
	set("skip-bids-validation", func() { ex.SkipBIDSValidation = f.skipBIDSValidation })
	set("fs-license-file", func() { ex.FSLicenseFile = f.fsLicenseFile })
	set("work-dir", func() { ex.WorkDir = f.workDir })
	set("bids-database-dir", func() { ex.BIDSDatabaseDir = f.bidsDatabaseDir })
	set("log-level", func() { ex.LogLevel = f.logLevel })
	set("log-format", func() { ex.LogFormat = f.logFormat })
	set("reports-only", func() { ex.ReportsOnly = f.reportsOnly })
	set("write-graph", func() { ex.WriteGraph = f.writeGraph })
	set("clean-workdir", func() { ex.CleanWorkdir = f.cleanWorkdir })
	if f.verbose {
		ex.LogLevel = "debug"
	}

	wf := &cfg.Workflow
	set("ignore", func() { wf.Ignore = f.ignore })
	set("output-spaces", func() { wf.OutputSpaces = f.outputSpaces })
	set("run-reconall", func() { wf.RunReconall = f.runReconall })
	set("use-syn-sdc", func() { wf.UseSynSDC = f.useSynSDC })
	set("b0-threshold", func() { wf.B0Threshold = f.b0Threshold })
	set("resample-resolution", func() { wf.ResampleResolution = f.resampleResolution })
	set("raise-inconsistent", func() { wf.RaiseInconsistent = f.raiseInconsistent })
	set("drop-entities", func() { wf.DropEntities = f.dropEntities })

	exe := &cfg.Executor
	set("plugin", func() { exe.Plugin = f.plugin })
	set("nprocs", func() { exe.NProcs = f.nprocs })
	set("omp-nthreads", func() { exe.OMPNThreads = f.ompNThreads })
	set("mem-gb", func() { exe.MemoryGB = f.memoryGB })
	set("stop-on-first-crash", func() { exe.StopOnFirstCrash = f.stopOnFirstCrash })
	set("timeout", func() { exe.DefaultTimeout = f.timeout })
	return cfg, nil
}

// newBuildGraphCommand is the graph construction phase, run by the
// pipeline in a child process.
func newBuildGraphCommand(outW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:    app.BuildCommand + " <snapshot>",
		Short:  "Build the workflow graph described by a configuration snapshot",
		Hidden: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return usageError(err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.BuildGraph(cmd.Context(), outW, args[0])
		},
	}
}
