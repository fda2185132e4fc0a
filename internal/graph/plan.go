package graph

import (
	"container/heap"
	"fmt"
	"strings"

	"buildorch/internal/element"
)

// Scope selects which dependencies of the targets enter a plan.
type Scope int

const (
	ScopeNone  Scope = iota // targets only
	ScopeBuild              // targets and their transitive build dependencies
	ScopeAll                // targets and all transitive dependencies
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeBuild:
		return "build"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ScopeNone, nil
	case "build":
		return ScopeBuild, nil
	case "", "all", "run":
		return ScopeAll, nil
	default:
		return 0, fmt.Errorf("invalid dependency scope %q", s)
	}
}

func (s Scope) depKind() element.DepKind {
	switch s {
	case ScopeBuild:
		return element.DepBuild
	case ScopeAll:
		return element.DepAll
	default:
		return 0
	}
}

// Plan returns targets plus the dependencies scope admits, ordered so that
// every dependency precedes its dependents. Ties go to the element declared
// first.
func (g *Graph) Plan(targets []string, scope Scope) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	selected := make([]bool, len(g.nodes))
	var stack []int
	for _, t := range targets {
		n, ok := g.byName[t]
		if !ok {
			return nil, errorf(ErrUnknownElement, "%s", t)
		}
		if !selected[n.index] {
			selected[n.index] = true
			stack = append(stack, n.index)
		}
	}
	if kind := scope.depKind(); kind != 0 {
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range g.nodes[u].deps {
				if e.kind.Has(kind) && !selected[e.to] {
					selected[e.to] = true
					stack = append(stack, e.to)
				}
			}
		}
	}
	return g.toposortLocked(selected)
}

// toposortLocked is Kahn's algorithm over the selected nodes with a min-heap
// on declaration index.
func (g *Graph) toposortLocked(selected []bool) ([]string, error) {
	indeg := make([]int, len(g.nodes))
	total := 0
	for i, ok := range selected {
		if !ok {
			continue
		}
		total++
		for _, e := range g.nodes[i].deps {
			if selected[e.to] {
				indeg[i]++
			}
		}
	}
	ready := &intMinHeap{}
	for i, ok := range selected {
		if ok && indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]string, 0, total)
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, g.nodes[u].spec.Name)
		for _, e := range g.nodes[u].rdeps {
			if !selected[e.to] {
				continue
			}
			indeg[e.to]--
			if indeg[e.to] == 0 {
				heap.Push(ready, e.to)
			}
		}
	}
	if len(out) != total {
		return nil, errorf(ErrCycleDetected, "plan could not order %d elements", total-len(out))
	}
	return out, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
