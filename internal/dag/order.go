package dag

import (
	"fmt"
	"sort"
	"strings"
)

// TopoSort returns node ids in dependency order using Kahn's algorithm.
// Ties are broken by id so the order is deterministic. References to nodes
// outside the graph are ignored here; Validate reports them.
func (g *Graph) TopoSort() ([]string, error) {
	indeg := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for id := range g.Nodes {
		indeg[id] = 0
	}
	for id := range g.Nodes {
		deps, _ := g.Dependencies(id)
		for _, d := range deps {
			if _, ok := g.Nodes[d]; !ok {
				continue
			}
			indeg[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for id, n := range indeg {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		var stuck []string
		for id, n := range indeg {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &GraphError{Kind: KindCycle, Msg: fmt.Sprintf("cycle detected involving nodes %s", strings.Join(stuck, ", "))}
	}
	return order, nil
}
