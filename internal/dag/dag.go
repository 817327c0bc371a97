package dag

import (
	"fmt"
	"sort"
)

// New creates and returns an initialized, empty Graph.
func New(name string) *Graph {
	return &Graph{Name: name, Nodes: make(map[string]*Node)}
}

// Add inserts n. Adding a second node with the same id is an error.
func (g *Graph) Add(n *Node) error {
	if n.ID == "" {
		return &GraphError{Kind: KindInvalidNode, Msg: "node id cannot be empty"}
	}
	if _, ok := g.Nodes[n.ID]; ok {
		return &GraphError{Kind: KindDuplicate, Node: n.ID, Msg: "node already exists"}
	}
	if n.Inputs == nil {
		n.Inputs = map[string]Handle{}
	}
	g.Nodes[n.ID] = n
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// IDs returns every node id, sorted.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns every reference binding, sorted by destination then port.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, n := range g.Nodes {
		for port, h := range n.Inputs {
			if h.IsRef() {
				out = append(out, Edge{From: h.Node, FromPort: h.Port, To: n.ID, ToPort: port})
			}
		}
		for param, h := range n.ParamFrom {
			if h.IsRef() {
				out = append(out, Edge{From: h.Node, FromPort: h.Port, To: n.ID, ToPort: param, Param: true})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.To != b.To {
			return a.To < b.To
		}
		if a.ToPort != b.ToPort {
			return a.ToPort < b.ToPort
		}
		return a.From < b.From
	})
	return out
}

// Dependencies returns the sorted ids of the nodes id consumes from.
func (g *Graph) Dependencies(id string) ([]string, error) {
	n, ok := g.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	set := map[string]bool{}
	for _, h := range n.Inputs {
		if h.IsRef() {
			set[h.Node] = true
		}
	}
	for _, h := range n.ParamFrom {
		if h.IsRef() {
			set[h.Node] = true
		}
	}
	return sortedSet(set), nil
}

// Dependents returns the sorted ids of the nodes consuming from id.
func (g *Graph) Dependents(id string) ([]string, error) {
	if _, ok := g.Nodes[id]; !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	set := map[string]bool{}
	for _, e := range g.Edges() {
		if e.From == id {
			set[e.To] = true
		}
	}
	return sortedSet(set), nil
}

// Roots returns the sorted ids of nodes without upstream references.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.IDs() {
		deps, _ := g.Dependencies(id)
		if len(deps) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Kinds returns the distinct stage kinds used by the graph, sorted.
func (g *Graph) Kinds() []string {
	set := map[string]bool{}
	for _, n := range g.Nodes {
		set[n.Kind] = true
	}
	return sortedSet(set)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
