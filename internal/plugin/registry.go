// Package plugin maps element and source kinds to the code that handles
// them. Plugins are plain Go values registered by kind name.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"buildorch/internal/artifact"
	"buildorch/internal/digest"
	"buildorch/internal/element"
	"buildorch/internal/sandbox"
)

var (
	ErrUnknownKind = errors.New("unknown plugin kind")
	ErrNoRef       = errors.New("source has no ref")
)

// BuildContext is what an element plugin gets to assemble an artifact.
type BuildContext struct {
	Spec element.Spec
	// Input is the staged tree: dependency outputs overlaid with sources.
	Input digest.Digest
	// Sources is the merged tree of the element's own sources.
	Sources       artifact.Tree
	Blobs         artifact.Blobs
	Sandbox       sandbox.Sandbox
	KeepBuildTree bool
}

// Element handles one element kind.
type Element interface {
	Configure(spec element.Spec) error
	UniqueKey(spec element.Spec) (any, error)
	Assemble(ctx context.Context, bc BuildContext) (sandbox.Result, error)
}

// Cache is the content store view source plugins work against.
type Cache interface {
	artifact.Blobs
	HasLocal(ctx context.Context, d digest.Digest) (bool, error)
}

type SourceContext struct {
	ProjectDir string
	Cache      Cache
}

// Source handles one source kind. Refs are opaque strings; Fetch returns
// the digest of the source tree, which must already be in the cache when
// IsCached reports true.
type Source interface {
	Configure(src element.SourceSpec) error
	UniqueKey(src element.SourceSpec) (any, error)
	Track(ctx context.Context, sc SourceContext, src element.SourceSpec) (string, error)
	IsCached(ctx context.Context, sc SourceContext, src element.SourceSpec) (bool, error)
	Fetch(ctx context.Context, sc SourceContext, src element.SourceSpec) (digest.Digest, error)
}

type Registry struct {
	mu       sync.RWMutex
	elements map[string]Element
	sources  map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{elements: map[string]Element{}, sources: map[string]Source{}}
}

// Builtin returns a registry with the bundled kinds.
func Builtin() *Registry {
	r := NewRegistry()
	r.RegisterElement("manual", Manual{})
	r.RegisterElement("import", Import{})
	r.RegisterElement("stack", Stack{})
	r.RegisterSource("local", Local{})
	r.RegisterSource("cas", CAS{})
	return r
}

func (r *Registry) RegisterElement(kind string, p Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements[kind] = p
}

func (r *Registry) RegisterSource(kind string, p Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = p
}

func (r *Registry) Element(kind string) (Element, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.elements[kind]
	if !ok {
		return nil, fmt.Errorf("%w: element kind %q", ErrUnknownKind, kind)
	}
	return p, nil
}

func (r *Registry) Source(kind string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%w: source kind %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds lists registered element and source kinds, sorted.
func (r *Registry) Kinds() (elements, sources []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.elements {
		elements = append(elements, k)
	}
	for k := range r.sources {
		sources = append(sources, k)
	}
	sort.Strings(elements)
	sort.Strings(sources)
	return elements, sources
}

// Configure validates spec and its sources against their plugins.
func (r *Registry) Configure(spec element.Spec) error {
	ep, err := r.Element(spec.Kind)
	if err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	if err := ep.Configure(spec); err != nil {
		return fmt.Errorf("%s: %w", spec.Name, err)
	}
	for i, src := range spec.Sources {
		sp, err := r.Source(src.Kind)
		if err != nil {
			return fmt.Errorf("%s: source %d: %w", spec.Name, i, err)
		}
		if err := sp.Configure(src); err != nil {
			return fmt.Errorf("%s: source %d: %w", spec.Name, i, err)
		}
	}
	return nil
}

func (r *Registry) ElementKey(spec element.Spec) (any, error) {
	ep, err := r.Element(spec.Kind)
	if err != nil {
		return nil, err
	}
	return ep.UniqueKey(spec)
}

func (r *Registry) SourceKey(src element.SourceSpec) (any, error) {
	sp, err := r.Source(src.Kind)
	if err != nil {
		return nil, err
	}
	return sp.UniqueKey(src)
}

// configString reads an optional string option.
func configString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return s, nil
}

// checkOptions rejects options outside allowed.
func checkOptions(cfg map[string]any, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var unknown []string
	for k := range cfg {
		if !ok[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown options %v", unknown)
	}
	return nil
}
