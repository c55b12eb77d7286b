package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/labflow/pkg/schema"
)

// --- helpers ---

func nodes(ids ...string) []schema.Node {
	out := make([]schema.Node, len(ids))
	for i, id := range ids {
		out[i] = schema.Node{ID: id, Type: "generic"}
	}
	return out
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

func TestResolveOrder_NoEdgesKeepsInputOrder(t *testing.T) {
	got, err := ResolveOrder(nodes("c", "a", "b"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestResolveOrder_Chain(t *testing.T) {
	got, err := ResolveOrder(nodes("n3", "n2", "n1"), []schema.Edge{edge("n1", "n2"), edge("n2", "n3")})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3"}, got)
}

func TestResolveOrder_DiamondTieBreakByInputOrder(t *testing.T) {
	got, err := ResolveOrder(nodes("a", "b", "c", "d"),
		[]schema.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestResolveOrder_IgnoresUnknownNodes(t *testing.T) {
	got, err := ResolveOrder(nodes("a", "b"), []schema.Edge{edge("ghost", "a"), edge("b", "phantom"), edge("b", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, got)
}

func TestResolveOrder_Cycle(t *testing.T) {
	_, err := ResolveOrder(nodes("a", "b", "c"), []schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "a")})
	require.Error(t, err)

	var le *schema.LabError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, schema.ErrCodeCycleDetected, le.Code)
	cycle, ok := le.Details["cycle"].([]string)
	require.True(t, ok)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Len(t, cycle, 4)
}

func TestResolveOrder_SelfLoop(t *testing.T) {
	_, err := ResolveOrder(nodes("a"), []schema.Edge{edge("a", "a")})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}

func TestResolveOrder_DuplicateAndEmptyIDs(t *testing.T) {
	_, err := ResolveOrder(nodes("a", "a"), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = ResolveOrder(nodes("a", ""), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// Every acyclic graph yields a permutation of its nodes that respects every
// edge between known nodes.
func TestResolveOrder_PropertyRespectsEdges(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%d", i)
		}
		// Edges only go from a lower rank to a higher rank, so the graph is acyclic.
		rank := rapid.Permutation(ids).Draw(rt, "rank")
		pos := make(map[string]int, n)
		for i, id := range rank {
			pos[id] = i
		}
		var edges []schema.Edge
		count := rapid.IntRange(0, n*2).Draw(rt, "edges")
		for k := 0; k < count; k++ {
			a := rapid.IntRange(0, n-1).Draw(rt, fmt.Sprintf("a%d", k))
			b := rapid.IntRange(0, n-1).Draw(rt, fmt.Sprintf("b%d", k))
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			edges = append(edges, edge(rank[a], rank[b]))
		}
		if rapid.Bool().Draw(rt, "dangling") {
			edges = append(edges, edge("missing", ids[0]))
		}

		order, err := ResolveOrder(nodes(ids...), edges)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if len(order) != n {
			rt.Fatalf("order has %d entries, want %d", len(order), n)
		}
		at := make(map[string]int, n)
		for i, id := range order {
			if _, dup := at[id]; dup {
				rt.Fatalf("node %s appears twice", id)
			}
			at[id] = i
		}
		for _, e := range edges {
			if _, ok := pos[e.Source]; !ok {
				continue
			}
			if at[e.Source] >= at[e.Target] {
				rt.Fatalf("edge %s->%s violated in %v", e.Source, e.Target, order)
			}
		}
	})
}
