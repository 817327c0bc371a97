package builder

import (
	"maps"
	"slices"

	"github.com/specialistvlad/dmriprepgo/internal/dag"
)

// ports is shorthand for a node's input bindings.
type ports = map[string]dag.Handle

// params is shorthand for a node's literal parameters.
type params = map[string]any

func out(node, port string) dag.Handle { return dag.FromNode(node, port) }

// runGraph accumulates the nodes of one run. It remembers the order in
// which stage kinds were first scheduled and keeps the first error, so
// wiring code can add nodes without checking each call.
type runGraph struct {
	g      *dag.Graph
	labels map[string]string
	kinds  []string
	err    error
}

func newRunGraph(name string, labels map[string]string) *runGraph {
	return &runGraph{g: dag.New(name), labels: labels}
}

// add inserts a node and returns it so callers can attach parameter
// bindings or labels.
func (r *runGraph) add(id, kind string, in ports, p params) *dag.Node {
	n := &dag.Node{ID: id, Kind: kind, Inputs: in, Params: p, Labels: maps.Clone(r.labels)}
	if r.err != nil {
		return n
	}
	if err := r.g.Add(n); err != nil {
		r.err = err
		return n
	}
	if !slices.Contains(r.kinds, kind) {
		r.kinds = append(r.kinds, kind)
	}
	return n
}

// transform is an optional single-input stage of the DWI series. A skipped
// transform is the identity: the next stage consumes its input unchanged.
type transform struct {
	id     string
	kind   string
	in     string
	out    string
	params params
	skip   bool
}

// chain wires steps one after the other starting at src and returns the
// handle of the last output.
func (r *runGraph) chain(src dag.Handle, steps ...transform) dag.Handle {
	cur := src
	for _, s := range steps {
		if s.skip {
			continue
		}
		r.add(s.id, s.kind, ports{s.in: cur}, s.params)
		cur = out(s.id, s.out)
	}
	return cur
}

// stages returns the processing stage kinds scheduled so far, in the order
// they were first added. Datasinks are bookkeeping and are left out.
func (r *runGraph) stages() []string {
	kinds := make([]string, 0, len(r.kinds))
	for _, k := range r.kinds {
		if k != kindDatasink {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
