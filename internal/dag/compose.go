package dag

import "maps"

// Attach copies every node of sub into g with prefix prepended to its id
// ("prefix.id"). References between nodes of sub are rewritten; references
// to nodes outside sub are kept and must resolve in g.
func (g *Graph) Attach(prefix string, sub *Graph) error {
	rename := func(id string) string {
		if prefix == "" {
			return id
		}
		return prefix + "." + id
	}
	rewrite := func(hs map[string]Handle) map[string]Handle {
		if hs == nil {
			return nil
		}
		out := make(map[string]Handle, len(hs))
		for k, h := range hs {
			if h.IsRef() {
				if _, internal := sub.Nodes[h.Node]; internal {
					h.Node = rename(h.Node)
				}
			}
			out[k] = h
		}
		return out
	}

	for _, id := range sub.IDs() {
		n := sub.Nodes[id]
		cp := &Node{
			ID:        rename(id),
			Kind:      n.Kind,
			Inputs:    rewrite(n.Inputs),
			Params:    maps.Clone(n.Params),
			ParamFrom: rewrite(n.ParamFrom),
			Labels:    maps.Clone(n.Labels),
		}
		if err := g.Add(cp); err != nil {
			return err
		}
	}
	return nil
}

// Compose builds a graph named name from parts, attaching each under its
// key as prefix. Keys are attached in sorted order.
func Compose(name string, parts map[string]*Graph) (*Graph, error) {
	g := New(name)
	for _, prefix := range sortedKeys(parts) {
		if err := g.Attach(prefix, parts[prefix]); err != nil {
			return nil, err
		}
	}
	return g, nil
}
