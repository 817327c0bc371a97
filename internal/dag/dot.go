package dag

import (
	"fmt"
	"io"
	"strings"
)

// WriteDOT renders g in Graphviz DOT. Nodes are labelled with their kind
// and the last segment of their id; edges with the ports they bind.
func WriteDOT(w io.Writer, g *Graph) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", g.Name)
	b.WriteString("  rankdir=TB;\n  node [shape=box, fontname=\"Helvetica\"];\n")
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		leaf := id
		if i := strings.LastIndexByte(id, '.'); i >= 0 {
			leaf = id[i+1:]
		}
		fmt.Fprintf(&b, "  %q [label=%q];\n", id, n.Kind+"\n"+leaf)
	}
	for _, e := range g.Edges() {
		style := ""
		if e.Param {
			style = ", style=dashed"
		}
		fmt.Fprintf(&b, "  %q -> %q [label=%q%s];\n", e.From, e.To, e.FromPort+" → "+e.ToPort, style)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
