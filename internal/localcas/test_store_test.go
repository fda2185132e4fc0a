package localcas

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/digest"
)

func openTestStore(t *testing.T, root string, quota int64) *Store {
	t.Helper()
	cfg := Config{Root: root, LowWatermark: 0.5, Volume: NoVolume}
	if quota > 0 {
		cfg.Quota = Size{Bytes: quota}
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func blob(c byte, n int) ([]byte, digest.Digest) {
	data := bytes.Repeat([]byte{c}, n)
	return data, digest.OfBytes(data)
}

func TestPutGetContains(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 0)

	data, d := blob('x', 10)
	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, d, data))
	require.NoError(t, s.Put(ctx, d, data), "second put of same digest is a no-op")

	ok, err = s.Contains(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Bytes)
	assert.Equal(t, int64(1), u.Blobs)
	assert.Equal(t, int64(-1), u.Quota)

	_, other := blob('y', 3)
	missing, err := s.FindMissing(ctx, []digest.Digest{d, other})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{other}, missing)

	_, err = s.Get(ctx, other)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutRejectsMismatch(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 0)
	_, d := blob('x', 10)
	err := s.Put(context.Background(), d, []byte("not it"))
	assert.True(t, errors.Is(err, ErrDigestMismatch))
}

func TestBlobDeletedOnDiskIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 0)
	data, d := blob('x', 10)
	require.NoError(t, s.Put(ctx, d, data))
	require.NoError(t, os.Remove(s.objectPath(d.Hash)))

	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, d)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, d, data))
	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestImportFile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 0)
	data, d := blob('q', 64)

	f, err := s.TempFile()
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.ImportFile(ctx, d, f.Name()))

	got, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("short"), 0o644))
	_, d2 := blob('r', 64)
	assert.True(t, errors.Is(s.ImportFile(ctx, d2, bad), ErrDigestMismatch))
	_, statErr := os.Stat(bad)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRefs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 0)
	data, d := blob('a', 5)

	_, missing := blob('b', 5)
	assert.True(t, errors.Is(s.SetRef(ctx, "k", missing), ErrNotFound))

	require.NoError(t, s.Put(ctx, d, data))
	require.NoError(t, s.SetRef(ctx, "proj/elem/k1", d))
	got, err := s.ResolveRef(ctx, "proj/elem/k1")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	refs, err := s.Refs(ctx, "proj/")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "proj/elem/k1", refs[0].Key)

	require.NoError(t, s.DeleteRef(ctx, "proj/elem/k1"))
	_, err = s.ResolveRef(ctx, "proj/elem/k1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func putRef(t *testing.T, s *Store, key string, c byte, n int) digest.Digest {
	t.Helper()
	data, d := blob(c, n)
	require.NoError(t, s.Put(context.Background(), d, data))
	require.NoError(t, s.SetRef(context.Background(), key, d))
	return d
}

func TestEvictionDropsLeastRecentlyUsedRef(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 100)

	a := putRef(t, s, "a", 'a', 40)
	b := putRef(t, s, "b", 'b', 40)
	_, err := s.ResolveRef(ctx, "a")
	require.NoError(t, err)

	putRef(t, s, "c", 'c', 40)

	okA, _ := s.Contains(ctx, a)
	okB, _ := s.Contains(ctx, b)
	assert.True(t, okA)
	assert.False(t, okB)
	has, err := s.HasRef(ctx, "b")
	require.NoError(t, err)
	assert.False(t, has)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, u.Bytes, u.Quota)
}

func TestEvictionSkipsPinned(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 100)

	a := putRef(t, s, "a", 'a', 40)
	b := putRef(t, s, "b", 'b', 40)
	release := s.Pin(a)
	defer release()

	putRef(t, s, "c", 'c', 40)

	okA, _ := s.Contains(ctx, a)
	okB, _ := s.Contains(ctx, b)
	assert.True(t, okA)
	assert.False(t, okB)
}

func TestCleanupAfterReleaseReachesWatermark(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 100)

	a := putRef(t, s, "a", 'a', 40)
	b := putRef(t, s, "b", 'b', 40)
	release := s.Pin(a, b)

	data, c := blob('c', 40)
	require.NoError(t, s.Put(ctx, c, data))
	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(120), u.Bytes, "pinned entries let usage overshoot")

	release()
	release()
	freed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), freed)

	u, err = s.Usage(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, u.Bytes, u.Watermark)
	ok, _ := s.Contains(ctx, c)
	assert.True(t, ok, "loose blobs written this session survive cleanup")
}

func TestStaleLooseBlobsEvictFirst(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openTestStore(t, root, 100)
	data, loose := blob('l', 40)
	require.NoError(t, s.Put(ctx, loose, data))
	require.NoError(t, s.Close())

	s = openTestStore(t, root, 100)
	x := putRef(t, s, "x", 'x', 40)
	putRef(t, s, "y", 'y', 40)

	ok, _ := s.Contains(ctx, loose)
	assert.False(t, ok)
	ok, _ = s.Contains(ctx, x)
	assert.True(t, ok)
}

func TestPruneKeepsReachableChildren(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), 0)

	file, err := s.PutBytes(ctx, []byte("file contents"))
	require.NoError(t, err)
	tree, err := s.PutBytes(ctx, []byte("tree listing"), file)
	require.NoError(t, err)
	require.NoError(t, s.SetRef(ctx, "t", tree))
	stray, err := s.PutBytes(ctx, []byte("stray"))
	require.NoError(t, err)

	freed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, stray.SizeBytes, freed)
	for _, d := range []digest.Digest{file, tree} {
		ok, _ := s.Contains(ctx, d)
		assert.True(t, ok)
	}

	release := s.Pin(tree)
	require.NoError(t, s.DeleteRef(ctx, "t"))
	_, err = s.Prune(ctx)
	require.NoError(t, err)
	ok, _ := s.Contains(ctx, file)
	assert.True(t, ok, "pinned tree keeps its children")

	release()
	_, err = s.Prune(ctx)
	require.NoError(t, err)
	ok, _ = s.Contains(ctx, file)
	assert.False(t, ok)
}

func TestBlobLargerThanQuota(t *testing.T) {
	s := openTestStore(t, t.TempDir(), 10)
	data, d := blob('z', 11)
	assert.True(t, errors.Is(s.Put(context.Background(), d, data), ErrCacheFull))
}

func TestVolumeCapsQuota(t *testing.T) {
	s, err := Open(Config{
		Root:              t.TempDir(),
		Quota:             Size{Percent: 50},
		ReservedDiskSpace: Size{Bytes: 100},
		Volume: func(string) (int64, int64, error) {
			return 1000, 300, nil
		},
	})
	require.NoError(t, err)
	defer s.Close()
	u, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), u.Quota)
	assert.Equal(t, int64(160), u.Watermark)
}

func TestEvictSessionBlobs(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Root: t.TempDir(), Quota: Size{Bytes: 100}, LowWatermark: 0.5, Volume: NoVolume, EvictSessionBlobs: true})
	require.NoError(t, err)
	defer s.Close()

	data, stray := blob('z', 40)
	require.NoError(t, s.Put(ctx, stray, data))
	x := putRef(t, s, "x", 'x', 40)
	data, child := blob('c', 10)
	require.NoError(t, s.Put(ctx, child, data))
	require.NoError(t, s.Link(ctx, x, child))
	data, y := blob('y', 40)
	require.NoError(t, s.Put(ctx, y, data))

	ok, _ := s.Contains(ctx, stray)
	assert.False(t, ok, "unreferenced blobs from this session are evictable")
	for _, d := range []digest.Digest{x, child, y} {
		ok, _ := s.Contains(ctx, d)
		assert.True(t, ok)
	}

	require.NoError(t, s.DeleteRef(ctx, "x"))
	_, err = s.Prune(ctx)
	require.NoError(t, err)
	ok, _ = s.Contains(ctx, child)
	assert.False(t, ok)
}
