package dag

import "fmt"

// ErrorKind classifies graph construction failures.
type ErrorKind string

const (
	KindInvalidNode  ErrorKind = "invalid_node"
	KindDuplicate    ErrorKind = "duplicate"
	KindUnknownStage ErrorKind = "unknown_stage"
	KindUnknownPort  ErrorKind = "unknown_port"
	KindUnbound      ErrorKind = "unbound_input"
	KindDangling     ErrorKind = "dangling_reference"
	KindTypeMismatch ErrorKind = "type_mismatch"
	KindParam        ErrorKind = "param"
	KindCycle        ErrorKind = "cycle"
)

// GraphError reports one structural problem with a graph.
type GraphError struct {
	Kind ErrorKind
	Node string
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("graph %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("graph %s at %s: %s", e.Kind, e.Node, e.Msg)
}
