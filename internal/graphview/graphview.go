// Package graphview provides an immutable, validated view over a quantum
// graph: topological iteration, dependency lookup, and cycle detection.
//
// The view is backed by gonum's directed-graph and topological-sort
// implementations rather than a hand-rolled Kahn's-algorithm pass — the
// same approach the corpus's own dependency-ordered build tooling uses for
// package build graphs.
package graphview

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"qgraphexec/internal/quantum"
)

// View is an immutable DAG over quantum nodes. The scheduler borrows a View
// and never mutates it; Extend returns a new, independent View.
type View struct {
	g       *simple.DirectedGraph
	nodes   map[int]quantum.Node
	indices []int // sorted, for deterministic iteration of Nodes()
}

// New builds a View from a node set. It does not check acyclicity — callers
// must call FindCycle before relying on topological iteration.
func New(nodes []quantum.Node) (*View, error) {
	g := simple.NewDirectedGraph()
	byIdx := make(map[int]quantum.Node, len(nodes))

	for _, n := range nodes {
		if _, dup := byIdx[n.Index]; dup {
			return nil, fmt.Errorf("graphview: duplicate node index %d", n.Index)
		}
		byIdx[n.Index] = n
		g.AddNode(simple.Node(n.Index))
	}

	for _, n := range nodes {
		for dep := range n.Dependencies {
			if _, ok := byIdx[dep]; !ok {
				return nil, fmt.Errorf("graphview: node %d depends on unknown node %d", n.Index, dep)
			}
			// Edge dep -> n: dep must complete before n runs.
			g.SetEdge(g.NewEdge(simple.Node(dep), simple.Node(n.Index)))
		}
	}

	indices := make([]int, 0, len(nodes))
	for idx := range byIdx {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return &View{g: g, nodes: byIdx, indices: indices}, nil
}

// Size returns the number of nodes in the view.
func (v *View) Size() int { return len(v.nodes) }

// Node returns the node with the given index.
func (v *View) Node(index int) (quantum.Node, bool) {
	n, ok := v.nodes[index]
	return n, ok
}

// Nodes returns all nodes in ascending index order.
func (v *View) Nodes() []quantum.Node {
	out := make([]quantum.Node, 0, len(v.indices))
	for _, idx := range v.indices {
		out = append(out, v.nodes[idx])
	}
	return out
}

// DependenciesOf returns the direct predecessors of a node, in ascending
// index order.
func (v *View) DependenciesOf(index int) ([]quantum.Node, error) {
	n, ok := v.nodes[index]
	if !ok {
		return nil, fmt.Errorf("graphview: unknown node %d", index)
	}
	out := make([]quantum.Node, 0, len(n.Dependencies))
	ids := make([]int, 0, len(n.Dependencies))
	for dep := range n.Dependencies {
		ids = append(ids, dep)
	}
	sort.Ints(ids)
	for _, dep := range ids {
		out = append(out, v.nodes[dep])
	}
	return out, nil
}

// Successors returns the direct dependents of a node, in ascending index
// order: every node whose Dependencies set contains index.
func (v *View) Successors(index int) []quantum.Node {
	it := v.g.From(int64(index))
	ids := make([]int, 0)
	for it.Next() {
		ids = append(ids, int(it.Node().ID()))
	}
	sort.Ints(ids)
	out := make([]quantum.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.nodes[id])
	}
	return out
}

// IterateTopologically returns a deterministic topological ordering. It is
// only meaningful when FindCycle reports no cycle.
func (v *View) IterateTopologically() ([]quantum.Node, error) {
	sorted, err := topo.Sort(v.g)
	if err != nil {
		return nil, fmt.Errorf("graphview: graph is not acyclic: %w", err)
	}
	out := make([]quantum.Node, 0, len(sorted))
	for _, gn := range sorted {
		out = append(out, v.nodes[int(gn.ID())])
	}
	return out, nil
}

// FindCycle returns the nodes forming a cycle, or an empty slice if the
// graph is acyclic. When multiple cycles exist, one deterministic witness
// (the lowest-indexed unorderable strongly-connected component, itself
// sorted by index) is returned.
func (v *View) FindCycle() []quantum.Node {
	_, err := topo.Sort(v.g)
	if err == nil {
		return nil
	}
	unorderable, ok := err.(topo.Unorderable)
	if !ok || len(unorderable) == 0 {
		return nil
	}

	// Pick the component containing the lowest node index, for determinism.
	best := unorderable[0]
	bestMin := minID(best)
	for _, comp := range unorderable[1:] {
		if m := minID(comp); m < bestMin {
			best = comp
			bestMin = m
		}
	}

	ids := make([]int, 0, len(best))
	for _, gn := range best {
		ids = append(ids, int(gn.ID()))
	}
	sort.Ints(ids)
	out := make([]quantum.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.nodes[id])
	}
	return out
}

func minID(nodes []graph.Node) int {
	m := int(nodes[0].ID())
	for _, n := range nodes[1:] {
		if id := int(n.ID()); id < m {
			m = id
		}
	}
	return m
}

// Extend returns a new View with additional predecessor edges applied, as
// produced by an execution graph fixup. The receiver is left unmodified.
// extra maps a node index to the set of indices it must additionally wait
// on.
func (v *View) Extend(extra map[int][]int) (*View, error) {
	nodes := make([]quantum.Node, 0, len(v.nodes))
	for _, idx := range v.indices {
		n := v.nodes[idx]
		if add, ok := extra[idx]; ok && len(add) > 0 {
			deps := make(map[int]struct{}, len(n.Dependencies)+len(add))
			for d := range n.Dependencies {
				deps[d] = struct{}{}
			}
			for _, d := range add {
				deps[d] = struct{}{}
			}
			n = quantum.Node{Index: n.Index, TaskDef: n.TaskDef, Quantum: n.Quantum, Dependencies: deps}
		}
		nodes = append(nodes, n)
	}
	return New(nodes)
}
