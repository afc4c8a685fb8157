package datastore

import (
	"context"

	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
	"k8s.io/utils/clock"
)

const maxTraverseDepth = 4

// Subgraph is the result of a bounded traversal.
type Subgraph struct {
	Nodes []store.GraphNode `json:"nodes"`
	Edges []store.GraphEdge `json:"edges"`
}

// GraphEngine serves the graph datastore on top of the sqlite graph tables.
type GraphEngine struct {
	store *store.GraphStore
	clock clock.PassiveClock
}

func NewGraphEngine(s *store.GraphStore, clk clock.PassiveClock) *GraphEngine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &GraphEngine{store: s, clock: clk}
}

func (g *GraphEngine) UpsertNodes(ctx context.Context, namespace string, nodes []store.GraphNode) error {
	for _, n := range nodes {
		if n.ID == "" {
			return model.NewDatabaseError(nil, "graph node without id")
		}
	}
	if err := g.store.UpsertNodes(ctx, namespace, nodes, g.clock.Now().UTC()); err != nil {
		return model.NewDatabaseError(err, "failed to upsert nodes into %q", namespace)
	}
	return nil
}

func (g *GraphEngine) UpsertEdges(ctx context.Context, namespace string, edges []store.GraphEdge) error {
	for _, e := range edges {
		if e.Source == "" || e.Target == "" || e.Relation == "" {
			return model.NewDatabaseError(nil, "graph edge needs source, target and relation")
		}
	}
	if err := g.store.UpsertEdges(ctx, namespace, edges, g.clock.Now().UTC()); err != nil {
		return model.NewDatabaseError(err, "failed to upsert edges into %q", namespace)
	}
	return nil
}

// Node returns a node, or a DatabaseError when it does not exist.
func (g *GraphEngine) Node(ctx context.Context, namespace, id string) (*store.GraphNode, error) {
	n, err := g.store.GetNode(ctx, namespace, id)
	if err != nil {
		return nil, model.NewDatabaseError(err, "failed to read node %q", id)
	}
	if n == nil {
		return nil, model.NewDatabaseError(nil, "node %q not found in %q", id, namespace)
	}
	return n, nil
}

func (g *GraphEngine) Nodes(ctx context.Context, namespace, label string, limit int) ([]store.GraphNode, error) {
	nodes, err := g.store.ListNodes(ctx, namespace, label, limit)
	if err != nil {
		return nil, model.NewDatabaseError(err, "failed to list nodes of %q", namespace)
	}
	return nodes, nil
}

func (g *GraphEngine) Neighbors(ctx context.Context, namespace, id, relation string) ([]store.GraphEdge, error) {
	edges, err := g.store.Neighbors(ctx, namespace, id, relation)
	if err != nil {
		return nil, model.NewDatabaseError(err, "failed to read neighbors of %q", id)
	}
	return edges, nil
}

// Traverse walks outgoing edges breadth first from start, up to depth hops.
func (g *GraphEngine) Traverse(ctx context.Context, namespace, start, relation string, depth int) (Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > maxTraverseDepth {
		depth = maxTraverseDepth
	}
	root, err := g.Node(ctx, namespace, start)
	if err != nil {
		return Subgraph{}, err
	}

	out := Subgraph{Nodes: []store.GraphNode{*root}, Edges: []store.GraphEdge{}}
	seen := map[string]bool{start: true}
	frontier := []string{start}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.Neighbors(ctx, namespace, id, relation)
			if err != nil {
				return Subgraph{}, err
			}
			for _, e := range edges {
				out.Edges = append(out.Edges, e)
				if seen[e.Target] {
					continue
				}
				seen[e.Target] = true
				n, err := g.Node(ctx, namespace, e.Target)
				if err != nil {
					return Subgraph{}, err
				}
				out.Nodes = append(out.Nodes, *n)
				next = append(next, e.Target)
			}
		}
		frontier = next
	}
	return out, nil
}
