package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	"github.com/specialistvlad/dmriprepgo/internal/dag"
	"github.com/specialistvlad/dmriprepgo/internal/manifest"
	"github.com/specialistvlad/dmriprepgo/internal/nodeid"
	"github.com/specialistvlad/dmriprepgo/internal/registry"
)

// Files kept in every node working directory next to the stage outputs.
const (
	lockFile   = "_node.lock"
	recordFile = "_node.toml"
	stdoutLog  = "_stdout.log"
	stderrLog  = "_stderr.log"
)

// lockRetry is how often a busy working directory lock is retried.
const lockRetry = 100 * time.Millisecond

// WorkDir returns the working directory of node id below root.
func WorkDir(root, id string) (string, error) {
	addr, err := nodeid.Parse(id)
	if err != nil {
		return "", err
	}
	return addr.Dir(root), nil
}

// runNode executes one node, or reuses its previous outputs. It reports
// whether the outputs came from the cache.
func (e *Executor) runNode(ctx context.Context, nr *nodeRun) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	n := nr.node

	def, ok := e.reg.Definition(n.Kind)
	if !ok {
		return false, nodeErr(n.ID, KindInternal, fmt.Errorf("unknown stage kind %q", n.Kind))
	}
	workDir, err := WorkDir(e.opts.NodesDir, n.ID)
	if err != nil {
		return false, nodeErr(n.ID, KindInternal, err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return false, nodeErr(n.ID, KindInternal, err)
	}

	lock := flock.New(filepath.Join(workDir, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return false, nodeErr(n.ID, KindCanceled, ctx.Err())
		}
		return false, nodeErr(n.ID, KindInternal, fmt.Errorf("locking %s: %w", workDir, err))
	}
	defer lock.Unlock()

	inv, err := e.invocation(nr, def, workDir)
	if err != nil {
		kind := KindInput
		if errors.Is(err, registry.ErrMissingTool) {
			kind = KindTool
		}
		return false, nodeErr(n.ID, kind, err)
	}
	nr.inv = inv
	key, err := e.cacheKey(nr, inv)
	if err != nil {
		return false, nodeErr(n.ID, KindInput, err)
	}
	nr.key = key

	if !def.Uncached {
		if outs, ok := reuse(workDir, key, inv); ok {
			logger.Warn("Reusing cached outputs.", "work_dir", workDir)
			nr.outputs = outs
			return true, nil
		}
	}
	if err := os.Remove(filepath.Join(workDir, recordFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, nodeErr(n.ID, KindInternal, err)
	}

	logger.Info("Running stage.", "kind", n.Kind, "work_dir", workDir)
	runCtx, cancel := e.withTimeout(ctx, def)
	defer cancel()

	var runErr error
	kind := KindNative
	if def.IsNative() {
		runErr = e.reg.CallNative(runCtx, inv)
	} else {
		kind = KindTool
		runErr = e.runCommands(runCtx, inv)
	}
	if runErr != nil {
		switch {
		case ctx.Err() != nil:
			return false, nodeErr(n.ID, KindCanceled, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return false, nodeErr(n.ID, KindTimeout, fmt.Errorf("%w after %s: %v", ErrTimeout, e.timeout(def), runErr))
		}
		return false, nodeErr(n.ID, kind, runErr)
	}

	outs, err := registry.VerifyOutputs(inv)
	if err != nil {
		return false, nodeErr(n.ID, KindOutput, err)
	}
	nr.outputs = outs
	if !def.Uncached {
		if err := writeRecord(workDir, &record{Node: n.ID, Kind: n.Kind, Key: key, Finished: time.Now().UTC(), Outputs: outs}); err != nil {
			logger.Warn("Could not record node outputs; the node will run again next time.", "error", err)
		}
	}
	return false, nil
}

func (e *Executor) timeout(def *manifest.Stage) time.Duration {
	if e.opts.Timeout == nil {
		return 0
	}
	return e.opts.Timeout(def.Name)
}

func (e *Executor) withTimeout(ctx context.Context, def *manifest.Stage) (context.Context, context.CancelFunc) {
	if d := e.timeout(def); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// invocation resolves the inputs, parameters and executable of nr.
// Upstream nodes have completed, so their outputs are known.
func (e *Executor) invocation(nr *nodeRun, def *manifest.Stage, workDir string) (*registry.Invocation, error) {
	n := nr.node
	inputs := make(map[string]string, len(n.Inputs))
	for port, h := range n.Inputs {
		p, err := e.resolve(h)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", port, err)
		}
		inputs[port] = p
	}

	fromText := make(map[string]string, len(n.ParamFrom))
	for param, h := range n.ParamFrom {
		p, err := e.resolve(h)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", param, err)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", param, err)
		}
		fromText[param] = string(raw)
	}
	params, err := registry.ResolveParams(def, n.Params, fromText)
	if err != nil {
		return nil, err
	}

	exe, err := registry.ResolveExecutable(def, e.opts.LookPath)
	if err != nil {
		return nil, err
	}
	return &registry.Invocation{
		Stage:      def,
		Inputs:     inputs,
		Params:     params,
		WorkDir:    workDir,
		Threads:    e.opts.Threads,
		Executable: exe,
	}, nil
}

// resolve maps a handle to a file path.
func (e *Executor) resolve(h dag.Handle) (string, error) {
	if !h.IsRef() {
		return filepath.Abs(h.Path)
	}
	up, ok := e.runs[h.Node]
	if !ok {
		return "", fmt.Errorf("unknown upstream node %s", h.Node)
	}
	p, ok := up.outputs[h.Port]
	if !ok {
		return "", fmt.Errorf("upstream output %s was not produced", h)
	}
	return p, nil
}
