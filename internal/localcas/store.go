package localcas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"buildorch/internal/digest"
)

var (
	ErrNotFound       = errors.New("localcas: not found")
	ErrDigestMismatch = errors.New("localcas: digest mismatch")
	ErrCacheFull      = errors.New("localcas: blob does not fit in the cache quota")
)

const defaultLowWatermark = 0.8

// VolumeFunc reports total and available bytes for the volume holding path.
type VolumeFunc func(path string) (total, avail int64, err error)

// NoVolume disables volume-derived limits; only the configured quota applies.
func NoVolume(string) (int64, int64, error) {
	return 0, 0, errors.New("volume statistics disabled")
}

type Config struct {
	Root              string
	Quota             Size
	ReservedDiskSpace Size
	// LowWatermark is the fraction of the quota eviction shrinks usage to.
	LowWatermark float64
	// Volume defaults to StatVolume.
	Volume VolumeFunc
	// EvictSessionBlobs lets eviction take unreferenced blobs written since
	// Open. Clients leave it off so in-flight build outputs survive.
	EvictSessionBlobs bool
}

// Usage is a point-in-time accounting snapshot.
type Usage struct {
	Bytes     int64
	Blobs     int64
	Refs      int64
	Pinned    int
	Quota     int64 // -1 when unlimited
	Watermark int64 // -1 when unlimited
}

// RefInfo describes one named reference.
type RefInfo struct {
	Key      string
	Digest   digest.Digest
	LastUsed time.Time
}

// Store is a content-addressed blob store on the local filesystem with a
// sqlite index, named refs, pins and quota driven eviction.
//
// Objects live at <root>/objects/<hh>/<rest>. Writers of different digests
// run in parallel; index and accounting changes are serialized by mu.
type Store struct {
	mu sync.Mutex

	root       string
	objectsDir string
	tmpDir     string

	quota        Size
	reserved     Size
	lowWatermark float64
	volume       VolumeFunc
	evictSession bool

	ix       *index
	writers  *keyedMutex
	pins     map[string]int
	total    int64
	lastTick int64
	openedAt int64
}

func Open(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("localcas: root is required")
	}
	lw := cfg.LowWatermark
	if lw <= 0 || lw > 1 {
		lw = defaultLowWatermark
	}
	volume := cfg.Volume
	if volume == nil {
		volume = StatVolume
	}
	s := &Store{
		root:         root,
		objectsDir:   filepath.Join(root, "objects"),
		tmpDir:       filepath.Join(root, "tmp"),
		quota:        cfg.Quota,
		reserved:     cfg.ReservedDiskSpace,
		lowWatermark: lw,
		volume:       volume,
		evictSession: cfg.EvictSessionBlobs,
		writers:      newKeyedMutex(),
		pins:         map[string]int{},
	}
	for _, dir := range []string{s.objectsDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	ix, err := openIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	s.ix = ix
	total, _, err := ix.totals(context.Background())
	if err != nil {
		ix.close()
		return nil, fmt.Errorf("localcas: read totals: %w", err)
	}
	s.total = total
	s.openedAt = s.tick()
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.ix == nil {
		return nil
	}
	return s.ix.close()
}

func (s *Store) Root() string { return s.root }

// tick returns a strictly increasing access timestamp.
func (s *Store) tick() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastTick {
		now = s.lastTick + 1
	}
	s.lastTick = now
	return now
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.objectsDir, hash[:2], hash[2:])
}

// Contains reports whether d is present. It does not count as an access.
func (s *Store) Contains(ctx context.Context, d digest.Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok, err := s.ix.blob(ctx, d.Hash)
	s.mu.Unlock()
	if err != nil || !ok {
		return false, err
	}
	if _, err := os.Stat(s.objectPath(d.Hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FindMissing returns the subset of ds not present, preserving order.
func (s *Store) FindMissing(ctx context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range ds {
		ok, err := s.Contains(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Get returns the bytes of d and refreshes its access time.
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	f, err := s.OpenBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// OpenBlob opens d for reading and refreshes its access time.
func (s *Store) OpenBlob(ctx context.Context, d digest.Digest) (*os.File, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.ix.blob(ctx, d.Hash); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	f, err := os.Open(s.objectPath(d.Hash))
	if err != nil {
		if os.IsNotExist(err) {
			s.forgetBlobLocked(ctx, d.Hash, d.SizeBytes)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	if err := s.ix.touchBlob(ctx, d.Hash, s.tick()); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Put stores data under d. Writing an already present digest is a no-op
// apart from refreshing its access time and recording children.
// children are the digests data refers to; eviction treats them as
// reachable whenever d is.
func (s *Store) Put(ctx context.Context, d digest.Digest, data []byte, children ...digest.Digest) error {
	if err := d.Verify(data); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	return s.commit(ctx, d, children, func(dst string) error {
		return writeFileAtomic(s.tmpDir, dst, data)
	})
}

// PutBytes hashes data and stores it.
func (s *Store) PutBytes(ctx context.Context, data []byte, children ...digest.Digest) (digest.Digest, error) {
	d := digest.OfBytes(data)
	return d, s.Put(ctx, d, data, children...)
}

// TempFile creates a scratch file on the same volume as the object store,
// suitable for ImportFile.
func (s *Store) TempFile() (*os.File, error) {
	return os.CreateTemp(s.tmpDir, "blob-*")
}

// ImportFile verifies the file at path against d and moves it into the
// store. The file is consumed on success and on mismatch.
func (s *Store) ImportFile(ctx context.Context, d digest.Digest, path string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	got, err := digest.OfReader(f)
	f.Close()
	if err != nil {
		return err
	}
	if got != d {
		os.Remove(path)
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, got)
	}
	err = s.commit(ctx, d, nil, func(dst string) error {
		return os.Rename(path, dst)
	})
	os.Remove(path)
	return err
}

func (s *Store) commit(ctx context.Context, d digest.Digest, children []digest.Digest, write func(dst string) error) error {
	unlock := s.writers.Lock(d.Hash)
	defer unlock()

	dst := s.objectPath(d.Hash)
	s.mu.Lock()
	_, indexed, err := s.ix.blob(ctx, d.Hash)
	if err == nil && indexed {
		if _, statErr := os.Stat(dst); statErr == nil {
			err = s.ix.touchBlob(ctx, d.Hash, s.tick())
			if err == nil {
				err = s.ix.addEdges(ctx, d.Hash, edgeMap(children))
			}
			s.mu.Unlock()
			return err
		}
		s.forgetBlobLocked(ctx, d.Hash, d.SizeBytes)
	}
	if err == nil {
		err = s.ensureRoomLocked(ctx, d.SizeBytes)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := write(dst); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ix.insertBlob(ctx, d.Hash, d.SizeBytes, s.tick()); err != nil {
		return err
	}
	if err := s.ix.addEdges(ctx, d.Hash, edgeMap(children)); err != nil {
		return err
	}
	s.total += d.SizeBytes
	return nil
}

func edgeMap(children []digest.Digest) map[string]int64 {
	if len(children) == 0 {
		return nil
	}
	out := make(map[string]int64, len(children))
	for _, c := range children {
		if c.IsZero() {
			continue
		}
		out[c.Hash] = c.SizeBytes
	}
	return out
}

func writeFileAtomic(tmpDir, dst string, data []byte) error {
	f, err := os.CreateTemp(tmpDir, "put-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SetRef points key at d, replacing any previous target. d must be present.
func (s *Store) SetRef(ctx context.Context, key string, d digest.Digest) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("localcas: ref key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.ix.blob(ctx, d.Hash); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: ref %s target %s", ErrNotFound, key, d)
	}
	return s.ix.upsertRef(ctx, key, d.Hash, d.SizeBytes, s.tick())
}

// ResolveRef returns the digest key points at and refreshes its access time.
func (s *Store) ResolveRef(ctx context.Context, key string) (digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.ix.ref(ctx, key)
	if err != nil {
		return digest.Digest{}, err
	}
	if !ok {
		return digest.Digest{}, fmt.Errorf("%w: ref %s", ErrNotFound, key)
	}
	if _, err := os.Stat(s.objectPath(r.hash)); err != nil {
		if os.IsNotExist(err) {
			_ = s.ix.deleteRef(ctx, key)
			return digest.Digest{}, fmt.Errorf("%w: ref %s", ErrNotFound, key)
		}
		return digest.Digest{}, err
	}
	if err := s.ix.touchRef(ctx, key, s.tick()); err != nil {
		return digest.Digest{}, err
	}
	_ = s.ix.touchBlob(ctx, r.hash, s.lastTick)
	return digest.Digest{Hash: r.hash, SizeBytes: r.size}, nil
}

// Link records that parent refers to children. parent must be present.
func (s *Store) Link(ctx context.Context, parent digest.Digest, children ...digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.ix.blob(ctx, parent.Hash); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	return s.ix.addEdges(ctx, parent.Hash, edgeMap(children))
}

// HasRef reports whether key is set without refreshing it.
func (s *Store) HasRef(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.ix.ref(ctx, key)
	return ok, err
}

func (s *Store) DeleteRef(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ix.deleteRef(ctx, key)
}

// Refs lists refs whose key starts with prefix, least recently used first.
func (s *Store) Refs(ctx context.Context, prefix string) ([]RefInfo, error) {
	s.mu.Lock()
	rows, err := s.ix.refsByAge(ctx, prefix)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]RefInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, RefInfo{
			Key:      r.key,
			Digest:   digest.Digest{Hash: r.hash, SizeBytes: r.size},
			LastUsed: time.Unix(0, r.atime),
		})
	}
	return out, nil
}

// Pin protects ds, and everything reachable from them, from eviction until
// the returned release func is called. Pins nest.
func (s *Store) Pin(ds ...digest.Digest) (release func()) {
	s.mu.Lock()
	for _, d := range ds {
		if !d.IsZero() {
			s.pins[d.Hash]++
		}
	}
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, d := range ds {
				if d.IsZero() {
					continue
				}
				if s.pins[d.Hash]--; s.pins[d.Hash] <= 0 {
					delete(s.pins, d.Hash)
				}
			}
		})
	}
}

func (s *Store) Usage(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, blobs, err := s.ix.totals(ctx)
	if err != nil {
		return Usage{}, err
	}
	refs, err := s.ix.refCount(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Bytes: s.total, Blobs: blobs, Refs: refs, Pinned: len(s.pins), Quota: s.quotaLocked(), Watermark: -1}
	if u.Quota >= 0 {
		u.Watermark = int64(float64(u.Quota) * s.lowWatermark)
	}
	return u, nil
}

// Cleanup evicts down to the low watermark when usage exceeds the quota.
// It returns the number of bytes freed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota := s.quotaLocked()
	if quota < 0 || s.total <= quota {
		return 0, nil
	}
	return s.evictLocked(ctx, int64(float64(quota)*s.lowWatermark), true)
}

// Prune removes every blob that no ref or pin can reach, including loose
// blobs written during this process lifetime.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(ctx, -1, false)
}

// quotaLocked is the effective byte limit: the configured quota capped by
// what the volume can hold while leaving the reserved space free.
func (s *Store) quotaLocked() int64 {
	limit := int64(-1)
	total, avail, err := s.volume(s.root)
	if err != nil {
		total, avail = 0, -1
	}
	if q := s.quota.Resolve(total); q >= 0 {
		limit = q
	}
	if avail >= 0 {
		reserved := s.reserved.Resolve(total)
		if reserved < 0 {
			reserved = 0
		}
		headroom := s.total + avail - reserved
		if headroom < 0 {
			headroom = 0
		}
		if limit < 0 || headroom < limit {
			limit = headroom
		}
	}
	return limit
}

func (s *Store) ensureRoomLocked(ctx context.Context, size int64) error {
	quota := s.quotaLocked()
	if quota < 0 {
		return nil
	}
	if size > quota {
		return fmt.Errorf("%w: %d bytes, quota %d", ErrCacheFull, size, quota)
	}
	if s.total+size <= quota {
		return nil
	}
	target := int64(float64(quota) * s.lowWatermark)
	if target > quota-size {
		target = quota - size
	}
	if _, err := s.evictLocked(ctx, target, true); err != nil {
		return err
	}
	if s.total+size > quota {
		log.Printf("localcas: usage %d + %d exceeds quota %d; remaining entries are pinned or in use", s.total, size, quota)
	}
	return nil
}

// evictLocked frees space until usage is at or below target. With
// dropRefs it first removes unreachable blobs from earlier sessions, then
// drops refs oldest access first, pruning whatever each drop leaves
// unreachable. Without dropRefs (target < 0) it prunes all unreachable blobs.
func (s *Store) evictLocked(ctx context.Context, target int64, dropRefs bool) (int64, error) {
	edges, err := s.ix.edges(ctx)
	if err != nil {
		return 0, err
	}
	refs, err := s.ix.refsByAge(ctx, "")
	if err != nil {
		return 0, err
	}
	blobs, err := s.ix.blobsByAge(ctx)
	if err != nil {
		return 0, err
	}
	sizes := make(map[string]int64, len(blobs))
	for _, b := range blobs {
		sizes[b.hash] = b.size
	}
	pinRoots := make([]string, 0, len(s.pins))
	for h := range s.pins {
		pinRoots = append(pinRoots, h)
	}
	pinned := closure(edges, pinRoots)
	refCount := map[string]int{}
	for _, r := range refs {
		refCount[r.hash]++
	}
	live := closure(edges, liveRoots(refCount))

	var freed int64
	done := func() bool { return target >= 0 && s.total <= target }

	for _, b := range blobs {
		if done() {
			return freed, nil
		}
		if live[b.hash] || pinned[b.hash] {
			continue
		}
		if dropRefs && !s.evictSession && b.atime >= s.openedAt {
			continue
		}
		if s.removeBlobLocked(ctx, b.hash, b.size) {
			freed += b.size
		}
	}
	if !dropRefs {
		return freed, nil
	}

	for _, r := range refs {
		if done() {
			break
		}
		if pinned[r.hash] {
			continue
		}
		if err := s.ix.deleteRef(ctx, r.key); err != nil {
			return freed, err
		}
		refCount[r.hash]--
		if refCount[r.hash] > 0 {
			continue
		}
		delete(refCount, r.hash)
		live = closure(edges, liveRoots(refCount))
		for h := range closure(edges, []string{r.hash}) {
			if live[h] || pinned[h] {
				continue
			}
			size, ok := sizes[h]
			if !ok {
				continue
			}
			if s.removeBlobLocked(ctx, h, size) {
				freed += size
				delete(sizes, h)
			}
		}
	}
	if freed > 0 {
		log.Printf("localcas: evicted %d bytes, usage now %d", freed, s.total)
	}
	return freed, nil
}

func liveRoots(refCount map[string]int) []string {
	out := make([]string, 0, len(refCount))
	for h, n := range refCount {
		if n > 0 {
			out = append(out, h)
		}
	}
	return out
}

func closure(edges map[string][]string, roots []string) map[string]bool {
	seen := make(map[string]bool, len(roots))
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		seen[h] = true
		stack = append(stack, edges[h]...)
	}
	return seen
}

// removeBlobLocked deletes a blob unless a writer currently holds it.
func (s *Store) removeBlobLocked(ctx context.Context, hash string, size int64) bool {
	unlock, ok := s.writers.TryLock(hash)
	if !ok {
		return false
	}
	defer unlock()
	if err := os.Remove(s.objectPath(hash)); err != nil && !os.IsNotExist(err) {
		log.Printf("localcas: remove %s: %v", hash, err)
		return false
	}
	s.forgetBlobLocked(ctx, hash, size)
	return true
}

func (s *Store) forgetBlobLocked(ctx context.Context, hash string, size int64) {
	if err := s.ix.deleteBlob(ctx, hash); err != nil {
		log.Printf("localcas: drop index entry %s: %v", hash, err)
		return
	}
	s.total -= size
	if s.total < 0 {
		s.total = 0
	}
}
