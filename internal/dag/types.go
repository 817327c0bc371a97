package dag

import "github.com/specialistvlad/dmriprepgo/internal/ports"

// Handle binds an input port (or a parameter) to its source.
type Handle struct {
	// Path is a concrete file, set for graph leaf inputs.
	Path string `json:"path,omitempty"`
	// Node and Port reference an output of another node.
	Node string `json:"node,omitempty"`
	Port string `json:"port,omitempty"`
}

// FromPath returns a handle for a concrete file.
func FromPath(path string) Handle { return Handle{Path: path} }

// FromNode returns a handle referencing an output port of node.
func FromNode(node, port string) Handle { return Handle{Node: node, Port: port} }

// IsRef reports whether the handle references another node.
func (h Handle) IsRef() bool { return h.Node != "" }

func (h Handle) String() string {
	if h.IsRef() {
		return h.Node + ":" + h.Port
	}
	return h.Path
}

// Node is one stage invocation.
type Node struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Inputs map[string]Handle `json:"inputs,omitempty"`
	// Params holds literal parameter values. Values must be JSON encodable.
	Params map[string]any `json:"params,omitempty"`
	// ParamFrom binds parameters to the text content of an upstream output,
	// resolved when the node runs.
	ParamFrom map[string]Handle `json:"param_from,omitempty"`
	// Labels carry bookkeeping such as subject and session; they do not
	// affect execution or hashing.
	Labels map[string]string `json:"labels,omitempty"`
}

// Edge is a port-to-port binding derived from a reference handle.
type Edge struct {
	From     string `json:"from"`
	FromPort string `json:"from_port"`
	To       string `json:"to"`
	ToPort   string `json:"to_port"`
	// Param is true when the edge feeds a parameter instead of an input port.
	Param bool `json:"param,omitempty"`
}

// Graph is a set of nodes keyed by id.
type Graph struct {
	Name  string           `json:"name"`
	Nodes map[string]*Node `json:"nodes"`
}

// PortSpec describes one input port of a stage signature.
type PortSpec struct {
	Type     ports.Type
	Optional bool
}

// Signature is what the graph needs to know about a stage kind to
// validate the nodes using it.
type Signature struct {
	Inputs  map[string]PortSpec
	Outputs map[string]ports.Type
	// Params maps each parameter name to whether it is required.
	Params map[string]bool
}

// Catalog resolves stage kinds to signatures.
type Catalog interface {
	Signature(kind string) (*Signature, bool)
}
