package engine

import (
	"strings"

	"github.com/rendis/labflow/pkg/schema"
)

// ResolveOrder returns node IDs in an order where every edge's source comes
// before its target. Without edges the input order is kept. Edges naming
// unknown nodes are ignored. Ties are broken by input order: the DFS starts
// from nodes in the order given and visits dependencies in edge order.
//
// A cycle yields a CYCLE_DETECTED error whose details carry the cycle path.
func ResolveOrder(nodes []schema.Node, edges []schema.Edge) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	ids := make([]string, 0, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if known[n.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		known[n.ID] = true
		ids = append(ids, n.ID)
	}

	if len(edges) == 0 {
		return ids, nil
	}

	// target -> sources
	deps := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
	}

	r := &resolver{
		deps:       deps,
		visited:    make(map[string]bool, len(ids)),
		inProgress: make(map[string]int, len(ids)),
		order:      make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		if err := r.visit(id); err != nil {
			return nil, err
		}
	}
	return r.order, nil
}

type resolver struct {
	deps       map[string][]string
	visited    map[string]bool
	inProgress map[string]int // node -> index in stack
	stack      []string
	order      []string
}

func (r *resolver) visit(id string) error {
	if r.visited[id] {
		return nil
	}
	if pos, ok := r.inProgress[id]; ok {
		cycle := append(append([]string{}, r.stack[pos:]...), id)
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"cycle detected: %s", strings.Join(cycle, " -> ")).
			WithNode(id).
			WithDetails(map[string]any{"cycle": cycle})
	}

	r.inProgress[id] = len(r.stack)
	r.stack = append(r.stack, id)
	for _, dep := range r.deps[id] {
		if err := r.visit(dep); err != nil {
			return err
		}
	}
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.inProgress, id)

	r.visited[id] = true
	r.order = append(r.order, id)
	return nil
}
