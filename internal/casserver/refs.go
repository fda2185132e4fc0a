package casserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"buildorch/internal/digest"
	"buildorch/internal/localcas"
)

// RefStore maps artifact keys to root digests.
type RefStore interface {
	// Get returns ErrNotFound when key is unset.
	Get(ctx context.Context, key string) (digest.Digest, error)
	// Put points every key at d. closure lists blobs reachable from d.
	Put(ctx context.Context, keys []string, d digest.Digest, closure []digest.Digest) error
}

func normalizeKeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("ref key is required")
		}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one ref key is required")
	}
	return out, nil
}

type MemoryRefs struct {
	mu   sync.RWMutex
	refs map[string]digest.Digest
}

func NewMemoryRefs() *MemoryRefs {
	return &MemoryRefs{refs: map[string]digest.Digest{}}
}

func (m *MemoryRefs) Get(_ context.Context, key string) (digest.Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.refs[strings.TrimSpace(key)]
	if !ok {
		return digest.Digest{}, fmt.Errorf("%w: ref %s", ErrNotFound, key)
	}
	return d, nil
}

func (m *MemoryRefs) Put(_ context.Context, keys []string, d digest.Digest, _ []digest.Digest) error {
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.refs[k] = d
	}
	return nil
}

// DiskRefs keeps refs in the same local store as the blobs, linking the
// closure under the root so eviction drops whole artifacts.
type DiskRefs struct {
	Store *localcas.Store
}

func NewDiskRefs(store *localcas.Store) *DiskRefs {
	return &DiskRefs{Store: store}
}

func (r *DiskRefs) Get(ctx context.Context, key string) (digest.Digest, error) {
	d, err := r.Store.ResolveRef(ctx, strings.TrimSpace(key))
	if errors.Is(err, localcas.ErrNotFound) {
		return digest.Digest{}, fmt.Errorf("%w: ref %s", ErrNotFound, key)
	}
	return d, err
}

func (r *DiskRefs) Put(ctx context.Context, keys []string, d digest.Digest, closure []digest.Digest) error {
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}
	children := make([]digest.Digest, 0, len(closure))
	for _, c := range closure {
		if c != d {
			children = append(children, c)
		}
	}
	if err := r.Store.Link(ctx, d, children...); err != nil {
		if errors.Is(err, localcas.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return err
	}
	for _, k := range keys {
		if err := r.Store.SetRef(ctx, k, d); err != nil {
			return err
		}
	}
	return nil
}
