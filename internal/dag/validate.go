package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/specialistvlad/dmriprepgo/internal/ports"
)

// Validate checks that every node names a known stage, that every required
// input port is bound, that every reference points to an existing output
// whose type the consuming port accepts, that parameters are known and
// complete, and that the graph is acyclic. All problems are joined.
func (g *Graph) Validate(cat Catalog) error {
	var errs []error
	bad := func(kind ErrorKind, node, format string, args ...any) {
		errs = append(errs, &GraphError{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)})
	}

	for _, id := range g.IDs() {
		n := g.Nodes[id]
		sig, ok := cat.Signature(n.Kind)
		if !ok {
			bad(KindUnknownStage, id, "unknown stage kind %q", n.Kind)
			continue
		}

		for _, port := range sortedKeys(n.Inputs) {
			h := n.Inputs[port]
			spec, ok := sig.Inputs[port]
			if !ok {
				bad(KindUnknownPort, id, "stage %s has no input %q", n.Kind, port)
				continue
			}
			switch {
			case h.IsRef() && h.Path != "":
				bad(KindInvalidNode, id, "input %q binds both a path and a reference", port)
			case !h.IsRef() && h.Path == "":
				bad(KindUnbound, id, "input %q has an empty handle", port)
			case h.IsRef():
				src, err := g.outputType(cat, h)
				if err != nil {
					bad(KindDangling, id, "input %q: %v", port, err)
					continue
				}
				if !spec.Type.Accepts(src) {
					bad(KindTypeMismatch, id, "input %q (%s) cannot accept %s from %s", port, spec.Type, src, h)
				}
			}
		}
		for _, port := range sortedKeys(sig.Inputs) {
			if _, bound := n.Inputs[port]; !bound && !sig.Inputs[port].Optional {
				bad(KindUnbound, id, "required input %q of stage %s is not bound", port, n.Kind)
			}
		}

		for _, p := range sortedKeys(n.Params) {
			if _, ok := sig.Params[p]; !ok {
				bad(KindParam, id, "stage %s has no parameter %q", n.Kind, p)
			}
		}
		for _, p := range sortedKeys(n.ParamFrom) {
			h := n.ParamFrom[p]
			if _, ok := sig.Params[p]; !ok {
				bad(KindParam, id, "stage %s has no parameter %q", n.Kind, p)
				continue
			}
			if _, lit := n.Params[p]; lit {
				bad(KindParam, id, "parameter %q is bound twice", p)
			}
			if !h.IsRef() {
				bad(KindParam, id, "parameter %q must reference an upstream output", p)
				continue
			}
			if _, err := g.outputType(cat, h); err != nil {
				bad(KindDangling, id, "parameter %q: %v", p, err)
			}
		}
		for _, p := range sortedKeys(sig.Params) {
			if !sig.Params[p] {
				continue
			}
			_, lit := n.Params[p]
			_, ref := n.ParamFrom[p]
			if !lit && !ref {
				bad(KindParam, id, "required parameter %q of stage %s is not set", p, n.Kind)
			}
		}
	}

	if _, err := g.TopoSort(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Graph) outputType(cat Catalog, h Handle) (ports.Type, error) {
	src, ok := g.Nodes[h.Node]
	if !ok {
		return "", fmt.Errorf("node %s does not exist", h.Node)
	}
	sig, ok := cat.Signature(src.Kind)
	if !ok {
		return "", fmt.Errorf("node %s has unknown stage kind %q", h.Node, src.Kind)
	}
	out, ok := sig.Outputs[h.Port]
	if !ok {
		return "", fmt.Errorf("stage %s has no output %q", src.Kind, h.Port)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
