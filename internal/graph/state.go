package graph

import (
	"container/heap"
	"sort"

	"buildorch/internal/element"
)

// State returns the current run state of name.
func (g *Graph) State(name string) (element.State, error) {
	n, err := g.lookup(name)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, nil
}

// Transition moves name to state to and returns the previous state.
// Backward and otherwise illegal moves are rejected.
func (g *Graph) Transition(name string, to element.State) (element.State, error) {
	n, err := g.lookup(name)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	from := n.state
	if !element.CanTransition(from, to) {
		return from, errorf(ErrInvalidTransition, "%s: %s -> %s", name, from, to)
	}
	n.state = to
	return from, nil
}

// ResetStates puts every element back to waiting for a new run.
func (g *Graph) ResetStates() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		n.mu.Lock()
		n.state = element.StateWaiting
		n.mu.Unlock()
	}
}

// FailAndPropagate marks name failed and every element that transitively
// build-depends on it skipped. Only elements accepted by within (nil means
// all) are visited. Skipped names are returned in declaration order.
func (g *Graph) FailAndPropagate(name string, within func(string) bool) ([]string, error) {
	n, err := g.lookup(name)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	if !n.state.Terminal() {
		n.state = element.StateFailed
	} else if n.state != element.StateFailed {
		st := n.state
		n.mu.Unlock()
		return nil, errorf(ErrInvalidTransition, "%s: %s -> %s", name, st, element.StateFailed)
	}
	n.mu.Unlock()

	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := make([]bool, len(g.nodes))
	visited[n.index] = true
	hq := &intMinHeap{}
	for _, e := range n.rdeps {
		if e.kind.Has(element.DepBuild) {
			heap.Push(hq, e.to)
		}
	}
	var skippedIdx []int
	names := func() []string {
		sort.Ints(skippedIdx)
		out := make([]string, len(skippedIdx))
		for i, v := range skippedIdx {
			out[i] = g.nodes[v].spec.Name
		}
		return out
	}
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true
		dep := g.nodes[u]
		if within != nil && !within(dep.spec.Name) {
			continue
		}
		dep.mu.Lock()
		if !dep.state.Terminal() {
			if dep.state == element.StateBuilding {
				dep.mu.Unlock()
				return names(), errorf(ErrInvalidTransition, "%s is building while its dependency %s failed", dep.spec.Name, name)
			}
			dep.state = element.StateSkipped
			skippedIdx = append(skippedIdx, u)
		}
		dep.mu.Unlock()
		for _, e := range dep.rdeps {
			if e.kind.Has(element.DepBuild) && !visited[e.to] {
				heap.Push(hq, e.to)
			}
		}
	}
	return names(), nil
}
