package executor

import (
	"errors"
	"fmt"
)

// ErrTimeout marks a node whose invocation exceeded its time limit.
var ErrTimeout = errors.New("stage timed out")

// ErrSkipped marks a node that never ran because an upstream node failed
// or the run was stopped.
var ErrSkipped = errors.New("skipped")

// ErrorKind classifies node failures for the run summary.
type ErrorKind string

const (
	KindInput    ErrorKind = "input"    // inputs or parameters could not be resolved
	KindTool     ErrorKind = "tool"     // an external program failed or is missing
	KindNative   ErrorKind = "native"   // a Go handler returned an error
	KindTimeout  ErrorKind = "timeout"  // the invocation exceeded its limit
	KindOutput   ErrorKind = "output"   // a declared output is missing or malformed
	KindCanceled ErrorKind = "canceled" // the run was stopped while the node ran
	KindSkipped  ErrorKind = "skipped"
	KindInternal ErrorKind = "internal"
)

// NodeError is the failure of one node.
type NodeError struct {
	Node string
	Kind ErrorKind
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// IsRootCause reports whether err is a failure of its own rather than the
// consequence of another node's failure.
func IsRootCause(err error) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Kind != KindSkipped && ne.Kind != KindCanceled
	}
	return err != nil
}

func nodeErr(id string, kind ErrorKind, err error) *NodeError {
	return &NodeError{Node: id, Kind: kind, Err: err}
}
