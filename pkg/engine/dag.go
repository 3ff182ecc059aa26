package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Graph is the sealed, acyclic dependency graph of a run.
type Graph struct {
	// Nodes maps identities to their graph nodes.
	Nodes map[Identity]*GraphNode

	// Order is the deterministic topological order: every edge points
	// forward, and ties are broken by identity order.
	Order []Identity

	// Edges lists every "must finalize before" edge, sorted.
	Edges []GraphEdge

	// Levels groups identities by execution level. Identities on one level
	// have no path between them.
	Levels [][]Identity
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return len(g.Order)
}

// Node returns the node for an identity.
func (g *Graph) Node(id Identity) (*GraphNode, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Roots returns the identities with no dependencies, in order.
func (g *Graph) Roots() []Identity {
	if len(g.Levels) == 0 {
		return nil
	}
	return g.Levels[0]
}

// Resources returns the resources in topological order.
func (g *Graph) Resources() []Resource {
	out := make([]Resource, 0, len(g.Order))
	for _, id := range g.Order {
		out = append(out, g.Nodes[id].Resource)
	}
	return out
}

// GraphBuilder turns sealed assertions into a Graph. It merges identical
// declarations, rejects conflicting ones, derives structural edges and
// rejects cycles. A builder is single-use.
type GraphBuilder struct {
	logger zerolog.Logger

	// nodes maps identities to their merged nodes
	nodes map[Identity]*GraphNode

	// hints holds the explicit ordering hints per identity
	hints map[Identity]map[Identity]bool

	// dependents maps an identity to the identities that wait on it
	dependents map[Identity]map[Identity]bool

	// dependencies maps an identity to the identities it waits on
	dependencies map[Identity]map[Identity]bool

	edges []GraphEdge
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder(logger zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{
		logger:       logger.With().Str("component", "graph").Logger(),
		nodes:        make(map[Identity]*GraphNode),
		hints:        make(map[Identity]map[Identity]bool),
		dependents:   make(map[Identity]map[Identity]bool),
		dependencies: make(map[Identity]map[Identity]bool),
		edges:        make([]GraphEdge, 0),
	}
}

// Build constructs the graph. It returns a conflict error when one identity
// carries different desired states, a validation error when an ordering hint
// names an unregistered identity, and a cycle error when the edges form a
// cycle. No resource is touched in any case.
func (b *GraphBuilder) Build(assertions []Assertion) (*Graph, error) {
	if err := b.merge(assertions); err != nil {
		return nil, err
	}

	ids := b.sortedIDs()

	if err := b.addExplicitEdges(ids); err != nil {
		return nil, err
	}
	b.addStructuralEdges(ids)

	if cycle := b.detectCycles(ids); cycle != nil {
		return nil, NewCycleError(cycle)
	}

	order := b.topologicalOrder(ids)
	if len(order) != len(ids) {
		return nil, newError(ErrorClassCycle, "failed to order all resources - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	graph := b.buildGraph(order)

	b.logger.Debug().
		Int("resources", graph.Len()).
		Int("edges", len(graph.Edges)).
		Int("levels", len(graph.Levels)).
		Msg("Built dependency graph")

	return graph, nil
}

// merge indexes assertions by identity and collects conflicts.
func (b *GraphBuilder) merge(assertions []Assertion) error {
	var conflicts []Conflict

	sorted := make([]Assertion, len(assertions))
	copy(sorted, assertions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for _, a := range sorted {
		id := a.Resource.Identity()
		node, exists := b.nodes[id]
		if !exists {
			b.nodes[id] = &GraphNode{
				Resource: a.Resource,
				Identity: id,
				Implicit: a.Implicit,
				Seq:      a.Seq,
			}
			b.addHints(id, a.After)
			continue
		}

		switch {
		case sameDeclaration(node.Resource, a.Resource):
			node.Implicit = node.Implicit && a.Implicit
		case a.Implicit && !node.Implicit && subsumes(node.Resource, a.Resource):
			// The explicit declaration already covers the implied one.
		case node.Implicit && !a.Implicit && subsumes(a.Resource, node.Resource):
			node.Resource = a.Resource
			node.Implicit = false
		default:
			conflicts = append(conflicts, Conflict{
				Identity: id,
				First:    Describe(node.Resource),
				Second:   Describe(a.Resource),
			})
			continue
		}
		b.addHints(id, a.After)
	}

	if len(conflicts) > 0 {
		return NewConflictError(conflicts)
	}
	return nil
}

func subsumes(explicit, implied Resource) bool {
	s, ok := explicit.(Subsumer)
	return ok && s.Subsumes(implied)
}

func (b *GraphBuilder) addHints(id Identity, after []Identity) {
	if len(after) == 0 {
		return
	}
	set := b.hints[id]
	if set == nil {
		set = make(map[Identity]bool)
		b.hints[id] = set
	}
	for _, dep := range after {
		set[dep] = true
	}
}

// addExplicitEdges turns ordering hints into edges.
func (b *GraphBuilder) addExplicitEdges(ids []Identity) error {
	for _, id := range ids {
		for _, dep := range sortIdentitySet(b.hints[id]) {
			if dep == id {
				return NewCycleError([]Identity{id, id})
			}
			if _, exists := b.nodes[dep]; !exists {
				return NewValidationError(
					fmt.Sprintf("%s is ordered after %s, which is not declared", id, dep),
					nil,
				).WithResource(id.String())
			}
			b.addEdge(dep, id, EdgeExplicit)
		}
	}
	return nil
}

// addStructuralEdges links each path to its nearest declared ancestor. The
// ancestor goes first unless both are removals, in which case the
// descendant does.
func (b *GraphBuilder) addStructuralEdges(ids []Identity) {
	for _, id := range ids {
		parent, ok := id.Parent()
		for ok {
			if ancestor, exists := b.nodes[parent]; exists {
				if removes(b.nodes[id].Resource) && removes(ancestor.Resource) {
					b.addEdge(id, parent, EdgeStructural)
				} else {
					b.addEdge(parent, id, EdgeStructural)
				}
				break
			}
			parent, ok = parent.Parent()
		}
	}
}

func (b *GraphBuilder) addEdge(from, to Identity, typ EdgeType) {
	if b.dependents[from][to] {
		return
	}
	if b.dependents[from] == nil {
		b.dependents[from] = make(map[Identity]bool)
	}
	if b.dependencies[to] == nil {
		b.dependencies[to] = make(map[Identity]bool)
	}
	b.dependents[from][to] = true
	b.dependencies[to][from] = true
	b.edges = append(b.edges, GraphEdge{From: from, To: to, Type: typ})
}

// detectCycles uses depth-first search to find a cycle. It returns the cycle
// path, first identity repeated at the end, or nil.
func (b *GraphBuilder) detectCycles(ids []Identity) []Identity {
	visited := make(map[Identity]bool)
	recStack := make(map[Identity]bool)

	for _, id := range ids {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (b *GraphBuilder) detectCyclesUtil(
	id Identity,
	visited map[Identity]bool,
	recStack map[Identity]bool,
	path []Identity,
) []Identity {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, next := range sortIdentitySet(b.dependents[id]) {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[next] {
			for i, p := range path {
				if p == next {
					cycle := append([]Identity(nil), path[i:]...)
					return append(cycle, next)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// topologicalOrder runs Kahn's algorithm with a min-heap so that, among all
// ready identities, the smallest is emitted first.
func (b *GraphBuilder) topologicalOrder(ids []Identity) []Identity {
	inDegree := make(map[Identity]int, len(ids))
	ready := &identityHeap{}
	for _, id := range ids {
		inDegree[id] = len(b.dependencies[id])
		if inDegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]Identity, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(Identity)
		order = append(order, id)
		for next := range b.dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}
	return order
}

// buildGraph assigns levels and assembles the final Graph.
func (b *GraphBuilder) buildGraph(order []Identity) *Graph {
	graph := &Graph{
		Nodes:  b.nodes,
		Order:  order,
		Edges:  b.edges,
		Levels: make([][]Identity, 0),
	}

	for _, id := range order {
		node := b.nodes[id]
		node.Dependencies = sortIdentitySet(b.dependencies[id])
		node.Dependents = sortIdentitySet(b.dependents[id])

		level := 0
		for _, dep := range node.Dependencies {
			if l := b.nodes[dep].Level + 1; l > level {
				level = l
			}
		}
		node.Level = level

		for len(graph.Levels) <= level {
			graph.Levels = append(graph.Levels, make([]Identity, 0))
		}
		graph.Levels[level] = append(graph.Levels[level], id)
	}

	sort.Slice(graph.Edges, func(i, j int) bool {
		if c := graph.Edges[i].From.Compare(graph.Edges[j].From); c != 0 {
			return c < 0
		}
		return graph.Edges[i].To.Less(graph.Edges[j].To)
	})

	return graph
}

func (b *GraphBuilder) sortedIDs() []Identity {
	ids := make([]Identity, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	return ids
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Reality {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			node := g.Nodes[id]
			label := escapeDOT(Describe(node.Resource))
			color := "lightblue"
			if node.Implicit {
				color = "lightgray"
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id.String(), label, color)
		}

		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", edge.From.String(), edge.To.String(), edgeStyle(edge.Type))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// edgeStyle returns a DOT style string for edge types.
func edgeStyle(t EdgeType) string {
	switch t {
	case EdgeExplicit:
		return "style=dashed, color=blue"
	default:
		return "style=solid, color=black"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []Identity) string {
	parts := make([]string, 0, len(cycle))
	for _, id := range cycle {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, " -> ")
}

func sortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

func sortIdentitySet(set map[Identity]bool) []Identity {
	if len(set) == 0 {
		return nil
	}
	ids := make([]Identity, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	return ids
}

// identityHeap is a min-heap of identities.
type identityHeap []Identity

func (h identityHeap) Len() int           { return len(h) }
func (h identityHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h identityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *identityHeap) Push(x any) {
	*h = append(*h, x.(Identity))
}

func (h *identityHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
