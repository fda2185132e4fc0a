package graph

import (
	"sort"
	"sync"

	"buildorch/internal/element"
)

type edge struct {
	to   int
	kind element.DepKind
}

type node struct {
	mu sync.Mutex

	spec  element.Spec
	index int
	deps  []edge // declaration order
	rdeps []edge // reverse edges, to = dependent

	state  element.State
	weak   string
	strict string
}

// Graph is the element DAG. Structure changes take mu; per-run state and
// keys are guarded by each node's own mutex so workers touching different
// elements never contend.
type Graph struct {
	mu     sync.RWMutex
	nodes  []*node
	byName map[string]*node
	keyer  Keyer
}

type Option func(*Graph)

// WithKeyer sets the provider of plugin key contributions.
func WithKeyer(k Keyer) Option {
	return func(g *Graph) {
		if k != nil {
			g.keyer = k
		}
	}
}

func New(opts ...Option) *Graph {
	g := &Graph{byName: map[string]*node{}, keyer: DefaultKeyer{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load builds a graph from specs declared in any order. Dependencies are
// resolved after every spec is known; cycles are reported with their path.
func Load(specs []element.Spec, opts ...Option) (*Graph, error) {
	g := New(opts...)
	for _, spec := range specs {
		if err := g.addNodeLocked(spec); err != nil {
			return nil, err
		}
	}
	for _, n := range g.nodes {
		for _, d := range n.spec.Dependencies {
			target, ok := g.byName[d.Name]
			if !ok {
				return nil, errorf(ErrUnknownDependency, "%s depends on %s", n.spec.Name, d.Name)
			}
			g.linkLocked(n, target, d.Kind)
		}
	}
	if path := g.findCycleLocked(); path != nil {
		return nil, cycleError(path)
	}
	return g, nil
}

// AddElement adds spec to the graph. Every dependency must already exist.
func (g *Graph) AddElement(spec element.Spec) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range spec.Dependencies {
		if d.Name == spec.Name {
			return cycleError([]string{spec.Name, spec.Name})
		}
		if _, ok := g.byName[d.Name]; !ok {
			return errorf(ErrUnknownDependency, "%s depends on %s", spec.Name, d.Name)
		}
	}
	if err := g.addNodeLocked(spec); err != nil {
		return err
	}
	n := g.byName[spec.Name]
	for _, d := range spec.Dependencies {
		g.linkLocked(n, g.byName[d.Name], d.Kind)
	}
	return nil
}

// AddEdge declares that from depends on to. The graph is unchanged when the
// edge would close a cycle.
func (g *Graph) AddEdge(from, to string, kind element.DepKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.byName[from]
	if !ok {
		return errorf(ErrUnknownElement, "%s", from)
	}
	dst, ok := g.byName[to]
	if !ok {
		return errorf(ErrUnknownDependency, "%s depends on %s", from, to)
	}
	if kind == 0 || kind&^element.DepAll != 0 {
		return errorf(ErrInvalidElementSpec, "edge %s -> %s has invalid kind %s", from, to, kind)
	}
	for i, e := range src.deps {
		if e.to == dst.index {
			src.deps[i].kind |= kind
			src.spec.Dependencies[i].Kind |= kind
			for j, r := range dst.rdeps {
				if r.to == src.index {
					dst.rdeps[j].kind |= kind
				}
			}
			return nil
		}
	}
	if path := g.pathLocked(dst.index, src.index); path != nil {
		return cycleError(append([]string{from}, path...))
	}
	src.spec.Dependencies = append(src.spec.Dependencies, element.Dependency{Name: to, Kind: kind})
	g.linkLocked(src, dst, kind)
	return nil
}

func (g *Graph) addNodeLocked(spec element.Spec) error {
	if err := spec.Validate(); err != nil {
		return errorf(ErrInvalidElementSpec, "%v", err)
	}
	if _, dup := g.byName[spec.Name]; dup {
		return errorf(ErrDuplicateElement, "%s", spec.Name)
	}
	spec.Dependencies = append([]element.Dependency(nil), spec.Dependencies...)
	spec.Sources = append([]element.SourceSpec(nil), spec.Sources...)
	n := &node{spec: spec, index: len(g.nodes)}
	g.nodes = append(g.nodes, n)
	g.byName[spec.Name] = n
	return nil
}

func (g *Graph) linkLocked(from, to *node, kind element.DepKind) {
	from.deps = append(from.deps, edge{to: to.index, kind: kind})
	to.rdeps = append(to.rdeps, edge{to: from.index, kind: kind})
}

// pathLocked returns a dependency path from -> ... -> to, or nil.
func (g *Graph) pathLocked(from, to int) []string {
	prev := make(map[int]int, len(g.nodes))
	prev[from] = -1
	queue := []int{from}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if u == to {
			var path []string
			for v := u; v != -1; v = prev[v] {
				path = append(path, g.nodes[v].spec.Name)
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, e := range g.nodes[u].deps {
			if _, seen := prev[e.to]; !seen {
				prev[e.to] = u
				queue = append(queue, e.to)
			}
		}
	}
	return nil
}

// findCycleLocked runs a colored DFS in declaration order and returns the
// first cycle found as a closed path.
func (g *Graph) findCycleLocked() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	var stack []int
	var found []string
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, e := range g.nodes[u].deps {
			switch color[e.to] {
			case grey:
				start := 0
				for i, v := range stack {
					if v == e.to {
						start = i
						break
					}
				}
				for _, v := range stack[start:] {
					found = append(found, g.nodes[v].spec.Name)
				}
				found = append(found, g.nodes[e.to].spec.Name)
				return true
			case white:
				if visit(e.to) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && visit(i) {
			return found
		}
	}
	return nil
}

func (g *Graph) lookup(name string) (*node, error) {
	g.mu.RLock()
	n, ok := g.byName[name]
	g.mu.RUnlock()
	if !ok {
		return nil, errorf(ErrUnknownElement, "%s", name)
	}
	return n, nil
}

// Element returns a copy of the spec registered under name.
func (g *Graph) Element(name string) (element.Spec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byName[name]
	if !ok {
		return element.Spec{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	spec := n.spec
	spec.Sources = append([]element.SourceSpec(nil), n.spec.Sources...)
	spec.Dependencies = append([]element.Dependency(nil), n.spec.Dependencies...)
	return spec, true
}

// Names lists elements in declaration order.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.spec.Name
	}
	return out
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies lists the direct dependencies of name matching kind, in
// declaration order.
func (g *Graph) Dependencies(name string, kind element.DepKind) ([]string, error) {
	n, err := g.lookup(name)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, e := range n.deps {
		if e.kind.Has(kind) {
			out = append(out, g.nodes[e.to].spec.Name)
		}
	}
	return out, nil
}

// Dependents lists the direct reverse dependencies of name matching kind,
// in declaration order.
func (g *Graph) Dependents(name string, kind element.DepKind) ([]string, error) {
	n, err := g.lookup(name)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx := make([]int, 0, len(n.rdeps))
	for _, e := range n.rdeps {
		if e.kind.Has(kind) {
			idx = append(idx, e.to)
		}
	}
	sort.Ints(idx)
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = g.nodes[v].spec.Name
	}
	return out, nil
}

// Index is the declaration position of name.
func (g *Graph) Index(name string) (int, bool) {
	n, err := g.lookup(name)
	if err != nil {
		return 0, false
	}
	return n.index, true
}
