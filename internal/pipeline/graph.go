// Package pipeline runs the extract, transform, load and versioning stages
// of one logical date as a dependency graph and records the outcome as a
// Run.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Graph is an immutable, validated stage dependency graph.
type Graph struct {
	names    []string
	index    map[string]int
	outgoing [][]int
	incoming [][]int
}

// GraphBuilder accumulates stages and edges; Build validates them.
type GraphBuilder struct {
	names []string
	edges [][2]string
}

func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Stage declares stages in the order they should be preferred when several
// are ready at once.
func (b *GraphBuilder) Stage(names ...string) *GraphBuilder {
	b.names = append(b.names, names...)
	return b
}

// Edge declares that to runs only after from succeeded.
func (b *GraphBuilder) Edge(from, to string) *GraphBuilder {
	b.edges = append(b.edges, [2]string{from, to})
	return b
}

// Build validates the declared stages and edges. It rejects empty or
// duplicate stage names, edges naming unknown stages, self-loops and cycles.
func (b *GraphBuilder) Build() (*Graph, error) {
	g := &Graph{
		names: make([]string, 0, len(b.names)),
		index: make(map[string]int, len(b.names)),
	}
	var errs []error
	for _, name := range b.names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("empty stage name"))
			continue
		}
		if _, dup := g.index[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate stage %q", name))
			continue
		}
		g.index[name] = len(g.names)
		g.names = append(g.names, name)
	}
	g.outgoing = make([][]int, len(g.names))
	g.incoming = make([][]int, len(g.names))

	seen := make(map[[2]int]bool)
	for _, e := range b.edges {
		from, okFrom := g.index[e[0]]
		to, okTo := g.index[e[1]]
		switch {
		case !okFrom:
			errs = append(errs, fmt.Errorf("edge %s -> %s: unknown stage %q", e[0], e[1], e[0]))
			continue
		case !okTo:
			errs = append(errs, fmt.Errorf("edge %s -> %s: unknown stage %q", e[0], e[1], e[1]))
			continue
		case from == to:
			errs = append(errs, fmt.Errorf("self-loop on stage %q", e[0]))
			continue
		case seen[[2]int{from, to}]:
			continue
		}
		seen[[2]int{from, to}] = true
		g.outgoing[from] = append(g.outgoing[from], to)
		g.incoming[to] = append(g.incoming[to], from)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid stage graph: %w", errors.Join(errs...))
	}
	if order := g.topoOrder(); len(order) != len(g.names) {
		return nil, fmt.Errorf("invalid stage graph: cycle detected, cannot order %s", strings.Join(g.cycleMembers(order), ", "))
	}
	return g, nil
}

// Stages returns the stage names in declaration order.
func (g *Graph) Stages() []string {
	return append([]string(nil), g.names...)
}

// Has reports whether name is a stage of g.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Parents returns the direct upstream stages of name.
func (g *Graph) Parents(name string) []string {
	return g.namesOf(g.incoming[g.index[name]])
}

// Children returns the direct downstream stages of name.
func (g *Graph) Children(name string) []string {
	return g.namesOf(g.outgoing[g.index[name]])
}

// Downstream returns every stage transitively reachable from name, in
// declaration order.
func (g *Graph) Downstream(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.names))
	stack := append([]int(nil), g.outgoing[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		stack = append(stack, g.outgoing[u]...)
	}
	var out []string
	for i, v := range visited {
		if v {
			out = append(out, g.names[i])
		}
	}
	return out
}

// TopoOrder returns a topological order that prefers declaration order among
// ready stages.
func (g *Graph) TopoOrder() []string {
	return g.namesOf(g.topoOrder())
}

func (g *Graph) namesOf(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.names[n]
	}
	return out
}

// topoOrder is Kahn's algorithm; a result shorter than the stage count means
// the graph has a cycle.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.names))
	for i := range g.incoming {
		indeg[i] = len(g.incoming[i])
	}
	done := make([]bool, len(g.names))
	out := make([]int, 0, len(g.names))
	for len(out) < len(g.names) {
		next := -1
		for i := range indeg {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		out = append(out, next)
		for _, m := range g.outgoing[next] {
			indeg[m]--
		}
	}
	return out
}

func (g *Graph) cycleMembers(order []int) []string {
	sorted := make([]bool, len(g.names))
	for _, i := range order {
		sorted[i] = true
	}
	var out []string
	for i, ok := range sorted {
		if !ok {
			out = append(out, g.names[i])
		}
	}
	return out
}
