// Package artifactcache is the cache surface the scheduler and jobs use: a
// local content store, optionally backed by a remote cache server.
package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"buildorch/internal/casrpc"
	"buildorch/internal/digest"
	"buildorch/internal/localcas"
)

var (
	ErrNotFound = errors.New("artifactcache: blob not found")
	// ErrMissing means no artifact is recorded under the requested key.
	ErrMissing  = errors.New("artifactcache: artifact missing")
	ErrNoRemote = errors.New("artifactcache: no remote configured")
)

// Mirror controls how local writes propagate to the remote.
type Mirror string

const (
	MirrorSync  Mirror = "sync"
	MirrorAsync Mirror = "async"
	MirrorOff   Mirror = "off"
)

func ParseMirror(s string) (Mirror, error) {
	switch m := Mirror(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MirrorSync, nil
	case MirrorSync, MirrorAsync, MirrorOff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mirror mode %q (want sync, async or off)", s)
	}
}

// Remote is the subset of the cache protocol client the cache uses.
type Remote interface {
	FindMissingBlobs(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error)
	Upload(ctx context.Context, d digest.Digest, data []byte) error
	Download(ctx context.Context, d digest.Digest) ([]byte, error)
	GetReference(ctx context.Context, key string) (digest.Digest, error)
	UpdateReference(ctx context.Context, keys []string, d digest.Digest, closure []digest.Digest) error
	Status(ctx context.Context) (casrpc.StatusResponse, error)
}

var _ Remote = (*casrpc.Client)(nil)

type Options struct {
	// Remote is nil for a local-only cache.
	Remote Remote
	Mirror Mirror
	// PresenceEntries bounds the remembered remote hits.
	PresenceEntries int
}

const defaultPresenceEntries = 4096

// Cache layers a local store over an optional remote. Reads fall through
// to the remote and populate the local store; writes go local first.
type Cache struct {
	local    *localcas.Store
	remote   Remote
	mirror   Mirror
	push     bool
	presence *lru.Cache[digest.Digest, struct{}]
	metrics  Metrics
	async    sync.WaitGroup
}

func New(local *localcas.Store, opts Options) (*Cache, error) {
	if local == nil {
		return nil, fmt.Errorf("artifactcache: local store is required")
	}
	mirror := opts.Mirror
	if mirror == "" {
		mirror = MirrorSync
	}
	if _, err := ParseMirror(string(mirror)); err != nil {
		return nil, err
	}
	n := opts.PresenceEntries
	if n <= 0 {
		n = defaultPresenceEntries
	}
	presence, err := lru.New[digest.Digest, struct{}](n)
	if err != nil {
		return nil, err
	}
	c := &Cache{local: local, remote: opts.Remote, mirror: mirror, presence: presence}
	if c.remote == nil {
		c.mirror = MirrorOff
	} else {
		c.push = true
	}
	return c, nil
}

// Connect asks the remote whether it accepts writes. A read-only remote
// turns mirroring and pushing off.
func (c *Cache) Connect(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	st, err := c.remote.Status(ctx)
	if err != nil {
		return fmt.Errorf("artifactcache: remote status: %w", err)
	}
	if !st.AllowUpdates {
		log.Printf("cas: remote is read-only; pushing disabled")
		c.mirror = MirrorOff
		c.push = false
	}
	return nil
}

func (c *Cache) Local() *localcas.Store { return c.local }

func (c *Cache) HasRemote() bool { return c.remote != nil }

// CanPush reports whether artifacts can be published to the remote.
func (c *Cache) CanPush() bool { return c.remote != nil && c.push }

// Close waits for background mirror uploads.
func (c *Cache) Close() error {
	c.async.Wait()
	return nil
}

// Wait blocks until every background mirror upload has finished.
func (c *Cache) Wait() { c.async.Wait() }

func (c *Cache) HasLocal(ctx context.Context, d digest.Digest) (bool, error) {
	return c.local.Contains(ctx, d)
}

// Contains checks the local store, then the remote.
func (c *Cache) Contains(ctx context.Context, d digest.Digest) (bool, error) {
	ok, err := c.local.Contains(ctx, d)
	if err != nil || ok {
		return ok, err
	}
	if c.remote == nil {
		return false, nil
	}
	return c.remoteHas(ctx, d)
}

func (c *Cache) remoteHas(ctx context.Context, d digest.Digest) (bool, error) {
	if _, ok := c.presence.Get(d); ok {
		c.metrics.presenceHits.Add(1)
		return true, nil
	}
	c.metrics.presenceMisses.Add(1)
	missing, err := c.remote.FindMissingBlobs(ctx, []digest.Digest{d})
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		c.presence.Add(d, struct{}{})
		return true, nil
	}
	return false, nil
}

// Get returns the blob, downloading it into the local store on a local miss.
func (c *Cache) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := c.local.Get(ctx, d)
	if err == nil {
		c.metrics.localHits.Add(1)
		return data, nil
	}
	if !errors.Is(err, localcas.ErrNotFound) {
		return nil, err
	}
	c.metrics.localMisses.Add(1)
	if c.remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	data, err = c.download(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := c.local.Put(ctx, d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Cache) download(ctx context.Context, d digest.Digest) ([]byte, error) {
	c.metrics.remoteReads.Add(1)
	data, err := c.remote.Download(ctx, d)
	if err != nil {
		c.metrics.remoteReadErr.Add(1)
		if errors.Is(err, casrpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	c.presence.Add(d, struct{}{})
	return data, nil
}

// Put stores data locally under d and mirrors it per the mirror policy.
// Storing present content is a no-op apart from refreshing it.
func (c *Cache) Put(ctx context.Context, d digest.Digest, data []byte, children ...digest.Digest) error {
	if err := c.local.Put(ctx, d, data, children...); err != nil {
		return err
	}
	return c.mirrorBlob(ctx, d, data)
}

func (c *Cache) PutBytes(ctx context.Context, data []byte, children ...digest.Digest) (digest.Digest, error) {
	d := digest.OfBytes(data)
	return d, c.Put(ctx, d, data, children...)
}

func (c *Cache) mirrorBlob(ctx context.Context, d digest.Digest, data []byte) error {
	switch c.mirror {
	case MirrorSync:
		return c.upload(ctx, d, data)
	case MirrorAsync:
		c.async.Add(1)
		go func() {
			defer c.async.Done()
			if err := c.upload(context.WithoutCancel(ctx), d, data); err != nil {
				log.Printf("cas: background upload of %s failed: %v", d, err)
			}
		}()
	}
	return nil
}

func (c *Cache) upload(ctx context.Context, d digest.Digest, data []byte) error {
	if _, ok := c.presence.Get(d); ok {
		return nil
	}
	c.metrics.remoteWrites.Add(1)
	if err := c.remote.Upload(ctx, d, data); err != nil {
		c.metrics.remoteWriteErr.Add(1)
		return err
	}
	c.presence.Add(d, struct{}{})
	return nil
}

func (c *Cache) Pin(ds ...digest.Digest) (release func()) {
	return c.local.Pin(ds...)
}

func (c *Cache) Usage(ctx context.Context) (localcas.Usage, error) {
	return c.local.Usage(ctx)
}

// Cleanup evicts local content down to the low watermark when over quota.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	freed, err := c.local.Cleanup(ctx)
	if freed > 0 {
		log.Printf("cas: evicted %d bytes", freed)
	}
	return freed, err
}
