package session

import (
	"context"
	"errors"

	"buildorch/internal/artifactcache"
	"buildorch/internal/element"
	"buildorch/internal/graph"
)

// ElementStatus is what `show` prints for one element.
type ElementStatus struct {
	Name   string
	Kind   string
	Keys   graph.Keys
	Status string
}

const (
	StatusCached      = "cached"
	StatusFailed      = "failed"
	StatusWeakCached  = "cached (weak)"
	StatusBuildable   = "buildable"
	StatusWaiting     = "waiting"
	StatusNoReference = "no reference"
)

// Show computes keys and local cache status for targets in plan order.
// Elements whose keys cannot be computed yet are reported, not failed.
func (s *Session) Show(ctx context.Context, targets []string, scope graph.Scope) ([]ElementStatus, error) {
	plan, err := s.Plan(targets, scope)
	if err != nil {
		return nil, err
	}
	ready := map[string]bool{}
	out := make([]ElementStatus, 0, len(plan))
	for _, name := range plan {
		spec, _ := s.graph.Element(name)
		st := ElementStatus{Name: name, Kind: spec.Kind}
		keys, err := s.graph.ComputeKeys(name)
		switch {
		case errors.Is(err, graph.ErrKeyNotReady):
			st.Status = StatusWaiting
			if missingRef(spec.Sources) {
				st.Status = StatusNoReference
			}
			out = append(out, st)
			continue
		case err != nil:
			return nil, err
		}
		st.Keys = keys
		st.Status, err = s.cacheStatus(ctx, name, keys)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case StatusCached, StatusWeakCached:
			ready[name] = true
		case StatusBuildable:
			for _, dep := range spec.BuildDeps() {
				if !ready[dep] {
					st.Status = StatusWaiting
					break
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func missingRef(srcs []element.SourceSpec) bool {
	for _, src := range srcs {
		if src.Ref == "" {
			return true
		}
	}
	return false
}

func (s *Session) cacheStatus(ctx context.Context, name string, keys graph.Keys) (string, error) {
	a, _, err := s.cache.LookupArtifact(ctx, name, keys.Strict)
	if err == nil {
		if !a.Success {
			return StatusFailed, nil
		}
		return StatusCached, nil
	}
	if !errors.Is(err, artifactcache.ErrMissing) {
		return "", err
	}
	if s.cfg.Build.NonStrict && keys.Weak != keys.Strict {
		if _, _, err := s.cache.LookupArtifact(ctx, name, keys.Weak); err == nil {
			return StatusWeakCached, nil
		} else if !errors.Is(err, artifactcache.ErrMissing) {
			return "", err
		}
	}
	return StatusBuildable, nil
}
