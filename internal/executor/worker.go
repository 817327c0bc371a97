package executor

import (
	"context"
	"time"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
)

// worker is the core processing loop for a single concurrent worker.
func (e *Executor) worker(ctx context.Context, readyChan chan *nodeRun, cancel context.CancelFunc, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for nr := range readyChan {
		// A node can become ready after a sibling branch already skipped it.
		if !nr.claim(Running) {
			continue
		}
		nodeCtx, nodeLogger := ctxlog.With(ctx, "workerID", workerID, "nodeID", nr.node.ID)

		if ctx.Err() != nil {
			nodeLogger.Warn("Run stopped, skipping node execution.")
			nr.err = nodeErr(nr.node.ID, KindCanceled, ctx.Err())
			nr.state.Store(int32(Skipped))
			e.skipDependents(ctx, nr)
			e.wg.Done()
			continue
		}

		nodeLogger.Debug("Worker picked up node for execution.", "kind", nr.node.Kind)
		nr.started = time.Now()
		cached, err := e.runNode(nodeCtx, nr)
		nr.finished = time.Now()

		if err != nil {
			nr.err = err
			nr.state.Store(int32(Failed))
			if IsRootCause(err) {
				nodeLogger.Error("Node execution failed.", "error", err)
				nr.crash = e.recordCrash(nodeCtx, nr)
				if e.opts.StopOnFirstCrash {
					nodeLogger.Warn("Stopping the run after the first crash.")
					cancel()
				}
			} else {
				nodeLogger.Warn("Node did not complete.", "error", err)
			}
			e.skipDependents(ctx, nr)
			e.wg.Done()
			continue
		}

		if cached {
			nr.state.Store(int32(Cached))
		} else {
			nr.state.Store(int32(Done))
		}
		nodeLogger.Debug("Node execution succeeded.", "cached", cached, "elapsed", nr.finished.Sub(nr.started))

		for _, dependent := range nr.dependents {
			if dependent.depCount.Add(-1) == 0 {
				nodeLogger.Debug("Unlocking dependent node.", "dependentID", dependent.node.ID)
				readyChan <- dependent
			}
		}
		e.wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}
