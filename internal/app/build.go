package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/driver"
	"github.com/specialistvlad/dmriprepgo/internal/fsutil"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
	"github.com/specialistvlad/dmriprepgo/internal/stages"
)

// BuildCommand is the hidden subcommand the child process runs.
const BuildCommand = "build-graph"

// subjectConfigName is the configuration copy kept in each subject's log
// directory.
const subjectConfigName = config.PipelineName + ".toml"

// buildReport is what the construction phase hands back besides the graph.
type buildReport struct {
	Subjects []string         `toml:"subjects"`
	Runs     []driver.Run     `toml:"runs"`
	Failures []driver.Failure `toml:"failures"`
}

func buildReportPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.GraphPath()), "build.toml")
}

// BuildGraph is the construction phase. It loads the snapshot, builds the
// workflow graph of every requested subject, and writes the graph, the
// build report and the updated snapshot back to disk. Runs and subjects
// that cannot be built are recorded in the report; only problems that
// prevent writing those files are returned.
func BuildGraph(ctx context.Context, outW io.Writer, snapshot string, modules ...registry.Module) error {
	cfg, err := config.LoadFrom(snapshot)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Execution.LogLevel, cfg.Execution.LogFormat, outW).With("phase", "build")
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Graph construction started.", "snapshot", snapshot)

	reg, err := stages.NewRegistry(ctx, modules...)
	if err != nil {
		return err
	}
	layout, err := cfg.Layout(ctx)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", cfg.Execution.BIDSDir, err)
	}

	d := driver.New(cfg, layout, reg)
	if len(cfg.Execution.ParticipantLabel) == 0 {
		cfg.Execution.ParticipantLabel = d.Subjects()
	}
	res, err := d.Build(ctx)
	switch {
	case err == nil:
	case errors.Is(err, driver.ErrNoSubjects):
		logger.Error("No subject could be built.")
	default:
		var f driver.Failure
		if !errors.As(err, &f) {
			return err
		}
		logger.Error("Graph construction stopped at the first failure.", "error", f)
		res = &driver.Result{Graph: dag.New(driver.GraphName), Failures: []driver.Failure{f}}
	}

	if err := dag.Save(cfg.GraphPath(), res.Graph); err != nil {
		return err
	}
	rep := &buildReport{Subjects: res.Subjects, Runs: res.Runs, Failures: res.Failures}
	if err := writeBuildReport(buildReportPath(cfg), rep); err != nil {
		return err
	}
	for _, s := range res.Subjects {
		if err := cfg.Save(filepath.Join(cfg.CrashDir(s), subjectConfigName)); err != nil {
			logger.Warn("Could not save the subject's configuration copy.", "subject", s, "error", err)
		}
	}
	if err := cfg.Save(snapshot); err != nil {
		return err
	}
	logger.Info("Graph construction finished.", "graph", cfg.GraphPath(), "nodes", len(res.Graph.Nodes), "failures", len(res.Failures))
	return nil
}

func writeBuildReport(path string, rep *buildReport) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rep); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes())
}

func readBuildReport(path string) (*buildReport, error) {
	var rep buildReport
	if _, err := toml.DecodeFile(path, &rep); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("graph construction left no report at %s", path)
		}
		return nil, err
	}
	return &rep, nil
}
