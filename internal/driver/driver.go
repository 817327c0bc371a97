// Package driver enumerates the requested subjects and composes their run
// graphs into the single graph handed to the executor.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/dmriprepgo/internal/bids"
	"github.com/specialistvlad/dmriprepgo/internal/builder"
	"github.com/specialistvlad/dmriprepgo/internal/config"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
)

// GraphName is the name of the top-level graph.
const GraphName = config.PipelineName + "_wf"

var (
	// ErrNoDWI marks a requested subject without diffusion runs.
	ErrNoDWI = errors.New("no DWI data found")
	// ErrNoT1w marks a subject without the anatomical reference.
	ErrNoT1w = errors.New("no T1w image found")
	// ErrNoSubjects means no subject could be built at all.
	ErrNoSubjects = errors.New("no subject could be processed")
)

// Layout is the dataset access the driver needs.
type Layout interface {
	builder.Source
	Subjects() []string
}

// Failure describes a subject or run that could not be built. Run and
// Session are empty for subject-level failures.
type Failure struct {
	Subject string `toml:"subject"`
	Session string `toml:"session,omitempty"`
	Run     string `toml:"run,omitempty"`
	Source  string `toml:"source,omitempty"`
	Err     error  `toml:"-"`
	Message string `toml:"error"`
}

func (f Failure) Error() string {
	target := "sub-" + f.Subject
	if f.Source != "" {
		target = f.Source
	}
	if f.Err == nil {
		return target + ": " + f.Message
	}
	return target + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error { return f.Err }

// Run identifies one built DWI run and where it lives in the graph.
type Run struct {
	Subject string `toml:"subject"`
	Session string `toml:"session"`
	Label   string `toml:"run"`
	Source  string `toml:"source"`
	Prefix  string `toml:"prefix"`
}

// Result is the outcome of Build.
type Result struct {
	Graph    *dag.Graph
	Subjects []string
	Runs     []Run
	Failures []Failure
}

// Driver builds the per-subject graphs.
type Driver struct {
	cfg     *config.Config
	layout  Layout
	builder *builder.Builder
}

// New creates a driver. cat resolves stage kinds for graph validation.
func New(cfg *config.Config, layout Layout, cat dag.Catalog) *Driver {
	return &Driver{cfg: cfg, layout: layout, builder: builder.New(cfg, layout, cat)}
}

// Subjects returns the subjects to process: the participant labels of
// the configuration, or every subject of the dataset when none are given.
func (d *Driver) Subjects() []string {
	if len(d.cfg.Execution.ParticipantLabel) == 0 {
		return d.layout.Subjects()
	}
	out := make([]string, 0, len(d.cfg.Execution.ParticipantLabel))
	for _, s := range d.cfg.Execution.ParticipantLabel {
		out = append(out, strings.TrimPrefix(s, "sub-"))
	}
	return out
}

// Build composes the graph of every subject. Subject and run failures are
// collected in the result; with stop_on_first_crash the first one is
// returned as an error instead.
func (d *Driver) Build(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	strict := d.cfg.Executor.StopOnFirstCrash

	res := &Result{Graph: dag.New(GraphName)}
	for _, subject := range d.Subjects() {
		sctx, subLogger := ctxlog.With(ctx, "subject", subject)
		g, runs, failures := d.buildSubject(sctx, subject)
		res.Failures = append(res.Failures, failures...)
		if strict && len(failures) > 0 {
			return nil, failures[0]
		}
		if g == nil {
			subLogger.Error("Subject skipped; no run could be built.")
			continue
		}
		if err := res.Graph.Attach(subjectPrefix(subject), g); err != nil {
			return nil, fmt.Errorf("composing sub-%s: %w", subject, err)
		}
		for i := range runs {
			runs[i].Prefix = subjectPrefix(subject) + "." + runs[i].Prefix
		}
		res.Runs = append(res.Runs, runs...)
		res.Subjects = append(res.Subjects, subject)
		subLogger.Info("Subject graph built.", "runs", len(runs), "nodes", len(g.Nodes))
	}

	if len(res.Subjects) == 0 {
		return res, ErrNoSubjects
	}
	logger.Info("Workflow graph built.", "subjects", len(res.Subjects), "runs", len(res.Runs), "nodes", len(res.Graph.Nodes), "failures", len(res.Failures))
	return res, nil
}

func subjectPrefix(subject string) string { return "sub-" + subject }

// RunPrefix is the id prefix of a run inside its subject graph.
func RunPrefix(dwi *bids.File) string {
	return "ses-" + builder.Session(dwi) + "." + builder.RunLabel(dwi)
}

// buildSubject returns the subject graph, or nil when nothing could be
// built, together with the runs it holds and the failures met on the way.
func (d *Driver) buildSubject(ctx context.Context, subject string) (*dag.Graph, []Run, []Failure) {
	logger := ctxlog.FromContext(ctx)
	fail := func(err error) []Failure {
		return []Failure{{Subject: subject, Err: err, Message: err.Error()}}
	}

	dwis := d.layout.Query(bids.Filter{Subject: subject, Datatype: "dwi", Suffix: "dwi", Extensions: bids.NiftiExtensions})
	if len(dwis) == 0 {
		return nil, nil, fail(fmt.Errorf("%w for sub-%s", ErrNoDWI, subject))
	}
	t1ws := d.layout.Query(bids.Filter{Subject: subject, Datatype: "anat", Suffix: "T1w", Extensions: bids.NiftiExtensions})
	if len(t1ws) == 0 {
		return nil, nil, fail(fmt.Errorf("%w for sub-%s", ErrNoT1w, subject))
	}
	if len(t1ws) > 1 {
		logger.Warn("Several T1w images found; using the first.", "t1w", t1ws[0].RelPath, "count", len(t1ws))
	}

	anat, err := d.builder.BuildAnat(ctx, t1ws[0])
	if err != nil {
		return nil, nil, fail(err)
	}

	g := dag.New(subjectPrefix(subject))
	if err := g.Attach(builder.AnatPrefix, anat); err != nil {
		return nil, nil, fail(err)
	}

	var (
		runs     []Run
		failures []Failure
	)
	for _, dwi := range dwis {
		rg, err := d.builder.Build(ctx, dwi, anat)
		if err == nil {
			err = g.Attach(RunPrefix(dwi), rg)
		}
		if err != nil {
			logger.Error("Run graph could not be built.", "run", dwi.RelPath, "error", err)
			failures = append(failures, Failure{
				Subject: subject,
				Session: builder.Session(dwi),
				Run:     builder.RunLabel(dwi),
				Source:  dwi.RelPath,
				Err:     err,
				Message: err.Error(),
			})
			if d.cfg.Executor.StopOnFirstCrash {
				return nil, nil, failures
			}
			continue
		}
		runs = append(runs, Run{
			Subject: subject,
			Session: builder.Session(dwi),
			Label:   builder.RunLabel(dwi),
			Source:  dwi.RelPath,
			Prefix:  RunPrefix(dwi),
		})
	}
	if len(runs) == 0 {
		return nil, nil, failures
	}
	return g, runs, failures
}
