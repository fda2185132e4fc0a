package graph

import (
	"fmt"

	"buildorch/internal/digest"
	"buildorch/internal/element"
)

// ArtifactVersion is folded into every cache key. Bump it when the artifact
// layout changes so old entries stop matching.
const ArtifactVersion = 1

// Keys holds the cache keys of one element.
type Keys struct {
	// Weak covers the element's own inputs and the names of its build
	// dependencies.
	Weak string
	// Strict additionally covers the strict keys of the build dependencies.
	Strict string
}

// Keyer supplies the plugin specific parts of a cache key.
type Keyer interface {
	ElementKey(spec element.Spec) (any, error)
	SourceKey(src element.SourceSpec) (any, error)
}

// DefaultKeyer uses the raw configuration of elements and sources.
type DefaultKeyer struct{}

func (DefaultKeyer) ElementKey(spec element.Spec) (any, error) {
	return spec.Config, nil
}

func (DefaultKeyer) SourceKey(src element.SourceSpec) (any, error) {
	if src.Ref == "" {
		return nil, ErrKeyNotReady
	}
	return map[string]any{"kind": src.Kind, "config": src.Config, "ref": src.Ref}, nil
}

// Keys returns the keys computed so far for name.
func (g *Graph) Keys(name string) (Keys, bool) {
	n, err := g.lookup(name)
	if err != nil {
		return Keys{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.strict == "" {
		return Keys{}, false
	}
	return Keys{Weak: n.weak, Strict: n.strict}, true
}

// ComputeKeys derives the weak and strict keys of name. Every source must
// have a ref and every build dependency must already have a strict key,
// otherwise the result wraps ErrKeyNotReady.
func (g *Graph) ComputeKeys(name string) (Keys, error) {
	n, err := g.lookup(name)
	if err != nil {
		return Keys{}, err
	}
	g.mu.RLock()
	deps := make([]*node, 0, len(n.deps))
	for _, e := range n.deps {
		if e.kind.Has(element.DepBuild) {
			deps = append(deps, g.nodes[e.to])
		}
	}
	g.mu.RUnlock()

	names := make([]string, len(deps))
	stricts := make([]string, len(deps))
	for i, d := range deps {
		d.mu.Lock()
		names[i], stricts[i] = d.spec.Name, d.strict
		d.mu.Unlock()
		if stricts[i] == "" {
			return Keys{}, errorf(ErrKeyNotReady, "%s: build dependency %s has no strict key", name, names[i])
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.strict != "" {
		return Keys{Weak: n.weak, Strict: n.strict}, nil
	}
	base, err := g.baseKey(n.spec)
	if err != nil {
		return Keys{}, err
	}
	base["dependencies"] = names
	weak, err := digest.Key(base)
	if err != nil {
		return Keys{}, fmt.Errorf("%s: weak key: %w", name, err)
	}
	base["dependencies"] = stricts
	strict, err := digest.Key(base)
	if err != nil {
		return Keys{}, fmt.Errorf("%s: strict key: %w", name, err)
	}
	n.weak, n.strict = weak, strict
	return Keys{Weak: weak, Strict: strict}, nil
}

func (g *Graph) baseKey(spec element.Spec) (map[string]any, error) {
	elemKey, err := g.keyer.ElementKey(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: element key: %w", spec.Name, err)
	}
	sources := make([]any, 0, len(spec.Sources))
	for i, src := range spec.Sources {
		k, err := g.keyer.SourceKey(src)
		if err != nil {
			return nil, errorf(ErrKeyNotReady, "%s: source %d (%s): %v", spec.Name, i, src.Kind, err)
		}
		sources = append(sources, k)
	}
	env := spec.Env
	if env == nil {
		env = map[string]string{}
	}
	commands := spec.Commands
	if commands == nil {
		commands = []string{}
	}
	return map[string]any{
		"artifact-version": ArtifactVersion,
		"kind":             spec.Kind,
		"element":          elemKey,
		"environment":      env,
		"commands":         commands,
		"sources":          sources,
	}, nil
}

// ResolveKeys computes keys for names and everything they build-depend on,
// dependencies first.
func (g *Graph) ResolveKeys(names []string) error {
	order, err := g.Plan(names, ScopeBuild)
	if err != nil {
		return err
	}
	for _, name := range order {
		if _, err := g.ComputeKeys(name); err != nil {
			return err
		}
	}
	return nil
}

// SetSourceRef records a tracked ref for source i of name. Keys of name and
// of everything that build-depends on it are cleared.
func (g *Graph) SetSourceRef(name string, i int, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byName[name]
	if !ok {
		return errorf(ErrUnknownElement, "%s", name)
	}
	n.mu.Lock()
	if i < 0 || i >= len(n.spec.Sources) {
		n.mu.Unlock()
		return fmt.Errorf("%s: no source %d", name, i)
	}
	changed := n.spec.Sources[i].Ref != ref
	n.spec.Sources[i].Ref = ref
	n.mu.Unlock()
	if !changed {
		return nil
	}
	seen := map[int]bool{n.index: true}
	stack := []int{n.index}
	for len(stack) > 0 {
		u := g.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		u.mu.Lock()
		u.weak, u.strict = "", ""
		u.mu.Unlock()
		for _, e := range u.rdeps {
			if e.kind.Has(element.DepBuild) && !seen[e.to] {
				seen[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	return nil
}
