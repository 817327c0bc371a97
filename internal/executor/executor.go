// Package executor runs a validated processing graph. Every node starts once
// all of its upstream nodes have finished, in its own working directory,
// with a bounded number of nodes running at the same time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// Options configures one execution.
type Options struct {
	// Workers caps the number of nodes running at once.
	Workers int
	// Threads is the per-node thread allowance handed to every stage.
	Threads int
	// NodesDir is the root of the per-node working directories.
	NodesDir string
	// CrashDir returns where the crash artifact of a failed node goes.
	// Nil disables crash artifacts.
	CrashDir func(n *dag.Node) string
	// StopOnFirstCrash stops scheduling and terminates running processes
	// after the first failure. Otherwise only dependents of a failed node
	// are skipped.
	StopOnFirstCrash bool
	// Timeout returns the time limit of one node of the given kind; zero
	// means none.
	Timeout func(kind string) time.Duration
	// LookPath resolves stage executables; exec.LookPath when nil.
	LookPath registry.LookPathFunc
	// Env is appended to the environment of every external process.
	Env []string
}

// State is the lifecycle state of a node.
type State int32

const (
	Pending State = iota
	Running
	Done
	Cached
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// nodeRun is the runtime state of one node.
type nodeRun struct {
	node       *dag.Node
	dependents []*nodeRun
	depCount   atomic.Int32
	state      atomic.Int32

	// Written by the worker that owns the node, read by dependents after
	// they are scheduled and by the report after the run.
	inv      *registry.Invocation
	outputs  map[string]string
	key      string
	err      error
	crash    string
	started  time.Time
	finished time.Time
}

func (nr *nodeRun) claim(to State) bool {
	return nr.state.CompareAndSwap(int32(Pending), int32(to))
}

// Executor runs the nodes of a graph concurrently.
type Executor struct {
	graph *dag.Graph
	reg   *registry.Registry
	opts  Options
	runs  map[string]*nodeRun
	wg    sync.WaitGroup
}

// New prepares g for execution. The graph must be valid; dependencies on
// nodes outside g are an error.
func New(g *dag.Graph, reg *registry.Registry, opts Options) (*Executor, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	e := &Executor{graph: g, reg: reg, opts: opts, runs: make(map[string]*nodeRun, len(g.Nodes))}
	for id, n := range g.Nodes {
		e.runs[id] = &nodeRun{node: n}
	}
	for id, nr := range e.runs {
		deps, err := g.Dependencies(id)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			up, ok := e.runs[d]
			if !ok {
				return nil, fmt.Errorf("node %s depends on %s, which is not in graph %s", id, d, g.Name)
			}
			up.dependents = append(up.dependents, nr)
			nr.depCount.Add(1)
		}
	}
	return e, nil
}

// Execute runs every node and returns the report. The error joins the root
// causes of all failures; nodes skipped because of them are not repeated.
func (e *Executor) Execute(ctx context.Context) (*Report, error) {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *nodeRun, len(e.runs))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Debug("Initializing executor, finding root nodes...")
	rootNodeCount := 0
	for _, id := range e.graph.IDs() {
		if nr := e.runs[id]; nr.depCount.Load() == 0 {
			readyChan <- nr
			rootNodeCount++
		}
	}
	logger.Debug("Found all root nodes.", "count", rootNodeCount)

	e.wg.Add(len(e.runs))

	logger.Debug("Starting worker pool.", "workers", e.opts.Workers)
	for i := 0; i < e.opts.Workers; i++ {
		go e.worker(runCtx, readyChan, cancel, i)
	}

	logger.Info("Waiting for all nodes to complete...", "nodes", len(e.runs), "workers", e.opts.Workers, "threads_per_node", e.opts.Threads)
	e.wg.Wait()
	close(readyChan)

	report := e.report()
	logger.Info("All nodes completed.", "done", report.Count(Done), "cached", report.Count(Cached),
		"failed", report.Count(Failed), "skipped", report.Count(Skipped))
	return report, report.Err()
}

// skipDependents recursively marks all downstream nodes of nr as skipped.
func (e *Executor) skipDependents(ctx context.Context, nr *nodeRun) {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range nr.dependents {
		if !dep.claim(Skipped) {
			continue
		}
		logger.Warn("Skipping dependent node due to upstream failure.", "nodeID", dep.node.ID, "dependency", nr.node.ID)
		dep.err = nodeErr(dep.node.ID, KindSkipped, fmt.Errorf("%w: upstream node %s did not complete", ErrSkipped, nr.node.ID))
		e.wg.Done()
		e.skipDependents(ctx, dep)
	}
}

// NodeResult is the outcome of one node.
type NodeResult struct {
	ID        string
	Kind      string
	Labels    map[string]string
	State     State
	Err       error
	CrashFile string
	Outputs   map[string]string
	Duration  time.Duration
}

// Report is the outcome of an execution, ordered by node id.
type Report struct {
	Results []*NodeResult
}

func (e *Executor) report() *Report {
	r := &Report{Results: make([]*NodeResult, 0, len(e.runs))}
	for _, nr := range e.runs {
		res := &NodeResult{
			ID:        nr.node.ID,
			Kind:      nr.node.Kind,
			Labels:    nr.node.Labels,
			State:     State(nr.state.Load()),
			Err:       nr.err,
			CrashFile: nr.crash,
			Outputs:   nr.outputs,
		}
		if !nr.started.IsZero() && !nr.finished.IsZero() {
			res.Duration = nr.finished.Sub(nr.started)
		}
		r.Results = append(r.Results, res)
	}
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].ID < r.Results[j].ID })
	return r
}

// Count returns how many nodes ended in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == s {
			n++
		}
	}
	return n
}

// Failures returns the nodes that failed on their own account.
func (r *Report) Failures() []*NodeResult {
	var out []*NodeResult
	for _, res := range r.Results {
		if res.State == Failed && IsRootCause(res.Err) {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the outcome of node id.
func (r *Report) Result(id string) (*NodeResult, bool) {
	i := sort.Search(len(r.Results), func(i int) bool { return r.Results[i].ID >= id })
	if i < len(r.Results) && r.Results[i].ID == id {
		return r.Results[i], true
	}
	return nil, false
}

// Err joins the errors of Failures. When nothing failed on its own but
// nodes were still skipped or canceled, it reports the first of those.
func (r *Report) Err() error {
	failures := r.Failures()
	if len(failures) > 0 {
		ids := make([]string, len(failures))
		errs := make([]error, len(failures))
		for i, f := range failures {
			ids[i] = f.ID
			errs[i] = f.Err
		}
		return fmt.Errorf("execution failed for %s: %w", strings.Join(ids, ", "), errors.Join(errs...))
	}
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}
