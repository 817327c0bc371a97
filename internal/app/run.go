package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/builder"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/derivatives"
	"github.com/specialistvlad/dmriprepgo/internal/executor"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/stages"
)

// Run executes one pipeline run: configuration checks, snapshot, graph
// construction in a child process, tool check, execution and summary.
// Configuration problems wrap config.ErrInvalid, missing programs wrap
// registry.ErrMissingTool, and unfinished runs wrap ErrPipelineFailed.
func (a *App) Run(ctx context.Context) (*Summary, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	cfg := a.cfg
	if err := cfg.Finalize(a.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	ctx, logger := ctxlog.With(ctx, "run_uuid", cfg.Execution.RunUUID)
	for _, w := range warnings {
		logger.Warn("Configuration warning.", "warning", w)
	}

	reg, err := stages.NewRegistry(ctx, a.modules...)
	if err != nil {
		return nil, err
	}

	if cfg.Execution.SkipBIDSValidation {
		logger.Warn("BIDS validation skipped.")
	} else if err := validateDataset(ctx, cfg); err != nil {
		return nil, err
	}

	snapshot := cfg.SnapshotPath()
	if err := cfg.Save(snapshot); err != nil {
		return nil, fmt.Errorf("saving configuration snapshot: %w", err)
	}
	logger.Info("Configuration snapshot saved.", "path", snapshot)

	logger.Info("Building workflow graph...")
	if err := a.build(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("graph construction failed: %w", err)
	}

	// Construction may have updated the snapshot; the parent continues
	// from what is on disk.
	cfg, err = config.LoadFrom(snapshot)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	graph, err := dag.Load(cfg.GraphPath())
	if err != nil {
		return nil, fmt.Errorf("loading workflow graph: %w", err)
	}
	rep, err := readBuildReport(buildReportPath(cfg))
	if err != nil {
		return nil, err
	}
	logger.Debug("Workflow graph loaded.", "nodes", len(graph.Nodes), "subjects", rep.Subjects)
	sum := newSummary(cfg, rep)

	if len(graph.Nodes) == 0 {
		logger.Error("Nothing to execute.")
		return sum, a.finish(ctx, sum)
	}
	if err := reg.CheckTools(graph.Kinds(), a.lookPath); err != nil {
		return sum, err
	}
	if cfg.Execution.WriteGraph {
		if err := writeGraphs(cfg, graph, rep.Subjects); err != nil {
			logger.Warn("Could not write graph drawings.", "error", err)
		}
	}
	if err := derivatives.WriteDatasetDescription(cfg.DerivativesDir(), cfg.Execution.BIDSDir); err != nil {
		return sum, fmt.Errorf("writing dataset_description.json: %w", err)
	}

	if cfg.Execution.ReportsOnly {
		logger.Info("Reports-only mode; execution skipped.")
		return sum, a.finish(ctx, sum)
	}

	exe, err := executor.New(graph, reg, a.executorOptions(cfg))
	if err != nil {
		return sum, err
	}
	logger.Info("Starting concurrent execution...", "nodes", len(graph.Nodes))
	report, execErr := exe.Execute(ctx)
	sum.addExecution(report)
	logger.Info("Execution finished.")

	err = a.finish(ctx, sum)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sum, errors.Join(err, ctxErr)
	}
	if err == nil && execErr != nil {
		err = fmt.Errorf("%w: %v", ErrPipelineFailed, execErr)
	}
	if err == nil && cfg.Execution.CleanWorkdir {
		logger.Info("Cleaning working directory.", "path", cfg.NodesDir())
		if rmErr := os.RemoveAll(cfg.NodesDir()); rmErr != nil {
			logger.Warn("Could not clean the working directory.", "error", rmErr)
		}
	}
	a.logger.Debug("App.Run method finished.")
	return sum, err
}

// validateDataset checks the input dataset. The layout is not kept: the
// persisted index is what construction reuses, and the executor process
// never needs it.
func validateDataset(ctx context.Context, cfg *config.Config) error {
	layout, err := cfg.LoadLayout(ctx)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", cfg.Execution.BIDSDir, err)
	}
	return layout.Validate()
}

// finish saves and prints the summary and returns its verdict.
func (a *App) finish(ctx context.Context, sum *Summary) error {
	logger := ctxlog.FromContext(ctx)
	sum.Finished = a.now().UTC()
	path := summaryPath(a.cfg)
	if err := sum.save(path); err != nil {
		logger.Error("Could not save the run summary.", "error", err)
	} else {
		logger.Info("Run summary saved.", "path", path)
	}
	if err := sum.WriteText(a.outW); err != nil {
		logger.Warn("Could not print the run summary.", "error", err)
	}
	return sum.Err()
}

func (a *App) executorOptions(cfg *config.Config) executor.Options {
	return executor.Options{
		Workers:  cfg.Executor.NProcs,
		Threads:  cfg.Executor.OMPNThreads,
		NodesDir: cfg.NodesDir(),
		CrashDir: func(n *dag.Node) string {
			if s := n.Labels[builder.LabelSubject]; s != "" {
				return cfg.CrashDir(s)
			}
			return filepath.Join(cfg.Execution.LogDir, "crash")
		},
		StopOnFirstCrash: cfg.Executor.StopOnFirstCrash,
		Timeout:          cfg.Timeout,
		LookPath:         a.lookPath,
		Env:              toolEnv(cfg),
	}
}

// toolEnv passes license and template locations on to external tools.
func toolEnv(cfg *config.Config) []string {
	var env []string
	if cfg.Execution.FSLicenseFile != "" {
		env = append(env, "FS_LICENSE="+cfg.Execution.FSLicenseFile)
	}
	if cfg.Environment.TemplateFlowHome != "" {
		env = append(env, "TEMPLATEFLOW_HOME="+cfg.Environment.TemplateFlowHome)
	}
	return env
}

// writeGraphs draws each subject's part of g into its log directory.
func writeGraphs(cfg *config.Config, g *dag.Graph, subjects []string) error {
	for _, s := range subjects {
		prefix := "sub-" + s + "."
		sub := dag.New("sub-" + s)
		for _, id := range g.IDs() {
			if strings.HasPrefix(id, prefix) {
				if err := sub.Add(g.Nodes[id]); err != nil {
					return err
				}
			}
		}
		var b strings.Builder
		if err := dag.WriteDOT(&b, sub); err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(filepath.Join(cfg.CrashDir(s), "workflow.dot"), []byte(b.String())); err != nil {
			return err
		}
	}
	return nil
}

