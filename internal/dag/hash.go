package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns a content address for node id covering its kind, literal
// parameters and input bindings. References contribute the hash of the
// upstream node, so a change anywhere upstream changes every downstream
// hash. Labels do not contribute.
func (g *Graph) Hash(id string) (string, error) {
	return g.hash(id, map[string]string{}, map[string]bool{})
}

func (g *Graph) hash(id string, memo map[string]string, visiting map[string]bool) (string, error) {
	if h, ok := memo[id]; ok {
		return h, nil
	}
	n, ok := g.Nodes[id]
	if !ok {
		return "", fmt.Errorf("node not found: %s", id)
	}
	if visiting[id] {
		return "", &GraphError{Kind: KindCycle, Node: id, Msg: "cycle while hashing"}
	}
	visiting[id] = true
	defer delete(visiting, id)

	resolve := func(hs map[string]Handle) (map[string]string, error) {
		out := make(map[string]string, len(hs))
		for name, h := range hs {
			if !h.IsRef() {
				out[name] = "path:" + h.Path
				continue
			}
			up, err := g.hash(h.Node, memo, visiting)
			if err != nil {
				return nil, err
			}
			out[name] = "node:" + up + ":" + h.Port
		}
		return out, nil
	}

	inputs, err := resolve(n.Inputs)
	if err != nil {
		return "", err
	}
	paramFrom, err := resolve(n.ParamFrom)
	if err != nil {
		return "", err
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, err := json.Marshal(struct {
		Kind      string            `json:"kind"`
		Params    map[string]any    `json:"params"`
		Inputs    map[string]string `json:"inputs"`
		ParamFrom map[string]string `json:"param_from"`
	}{n.Kind, n.Params, inputs, paramFrom})
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", id, err)
	}
	sum := sha256.Sum256(raw)
	h := hex.EncodeToString(sum[:])
	memo[id] = h
	return h, nil
}
