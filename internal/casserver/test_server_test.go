package casserver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/casrpc"
	"buildorch/internal/digest"
	"buildorch/internal/localcas"
)

func newTestServer(t *testing.T, opts Options) (*casrpc.Client, *localcas.Store) {
	t.Helper()
	return newWrappedServer(t, opts, nil)
}

// newWrappedServer puts wrap, when set, in front of the server handler.
func newWrappedServer(t *testing.T, opts Options, wrap func(http.Handler) http.Handler) (*casrpc.Client, *localcas.Store) {
	t.Helper()
	store, err := localcas.Open(localcas.Config{
		Root:              t.TempDir(),
		Volume:            localcas.NoVolume,
		EvictSessionBlobs: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := New(NewDiskStorage(store), NewDiskRefs(store), opts)
	handler := srv.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	hs := httptest.NewUnstartedServer(handler)
	hs.EnableHTTP2 = true
	hs.StartTLS()
	t.Cleanup(hs.Close)

	client := casrpc.NewClient(hs.Client(), hs.URL,
		casrpc.WithChunkSize(1024),
		casrpc.WithBackoff(0),
	)
	return client, store
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, store := newTestServer(t, Options{AllowUpdates: true})

	data := payload(5000)
	d := digest.OfBytes(data)

	missing, err := c.FindMissingBlobs(ctx, []digest.Digest{d})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, missing)

	require.NoError(t, c.Upload(ctx, d, data))

	ok, err := store.Contains(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := c.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing, err = c.FindMissingBlobs(ctx, []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)

	// A second upload of present content is accepted immediately.
	require.NoError(t, c.Upload(ctx, d, data))
}

func TestReadFromOffset(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestServer(t, Options{AllowUpdates: true})

	data := payload(200 << 10)
	d := digest.OfBytes(data)
	require.NoError(t, c.Upload(ctx, d, data))

	var got []byte
	chunks := 0
	err := c.ReadAt(ctx, d, 1000, 0, func(p []byte) error {
		chunks++
		assert.LessOrEqual(t, len(p), casrpc.ReadChunkSize)
		got = append(got, p...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, data[1000:], got)
	assert.Greater(t, chunks, 1)

	got = nil
	err = c.ReadAt(ctx, d, 10, 20, func(p []byte) error {
		got = append(got, p...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, data[10:30], got)

	err = c.ReadAt(ctx, d, d.SizeBytes+1, 0, func([]byte) error { return nil })
	assert.Equal(t, connect.CodeOutOfRange, connect.CodeOf(err))
}

func TestDownloadMissingBlob(t *testing.T) {
	c, _ := newTestServer(t, Options{})
	_, err := c.Download(context.Background(), digest.OfBytes([]byte("nope")))
	assert.ErrorIs(t, err, casrpc.ErrNotFound)
}

func TestResumeInterruptedUpload(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestServer(t, Options{AllowUpdates: true})

	data := payload(5000)
	d := digest.OfBytes(data)
	resource := casrpc.UploadResourceName("resume-1", d)

	committed, err := c.UploadPartial(ctx, resource, data[:2048], 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), committed)

	st, err := c.QueryWriteStatus(ctx, resource)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), st.CommittedSize)
	assert.False(t, st.Complete)

	_, err = c.UploadPartial(ctx, resource, data, 100)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	require.NoError(t, c.Resume(ctx, resource, data))

	st, err = c.QueryWriteStatus(ctx, resource)
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.Equal(t, d.SizeBytes, st.CommittedSize)

	got, err := c.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// dropFirstWrite cuts the first Write stream after limit request bytes and
// answers it with 503. Chunks that arrived before the cut stay committed.
type dropFirstWrite struct {
	next  http.Handler
	limit int64

	mu      sync.Mutex
	writes  int
	queries int
}

func (h *dropFirstWrite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	switch r.URL.Path {
	case casrpc.WriteProcedure:
		h.writes++
	case casrpc.QueryWriteStatusProcedure:
		h.queries++
	}
	cut := r.URL.Path == casrpc.WriteProcedure && h.writes == 1
	h.mu.Unlock()
	if !cut {
		h.next.ServeHTTP(w, r)
		return
	}
	r.Body = io.NopCloser(io.LimitReader(r.Body, h.limit))
	h.next.ServeHTTP(httptest.NewRecorder(), r)
	http.Error(w, "stream reset", http.StatusServiceUnavailable)
}

func TestUploadResumesAfterDroppedStream(t *testing.T) {
	ctx := context.Background()
	drop := &dropFirstWrite{limit: 2500}
	c, store := newWrappedServer(t, Options{AllowUpdates: true}, func(next http.Handler) http.Handler {
		drop.next = next
		return drop
	})

	data := payload(5000)
	d := digest.OfBytes(data)
	require.NoError(t, c.Upload(ctx, d, data))

	drop.mu.Lock()
	assert.Equal(t, 2, drop.writes)
	assert.Equal(t, 1, drop.queries)
	drop.mu.Unlock()

	ok, err := store.Contains(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := c.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestQueryWriteStatusUnknownSession(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestServer(t, Options{AllowUpdates: true})

	data := []byte("already here")
	d := digest.OfBytes(data)

	st, err := c.QueryWriteStatus(ctx, casrpc.UploadResourceName("other", d))
	require.NoError(t, err)
	assert.Zero(t, st.CommittedSize)
	assert.False(t, st.Complete)

	require.NoError(t, c.Upload(ctx, d, data))

	st, err = c.QueryWriteStatus(ctx, casrpc.UploadResourceName("other", d))
	require.NoError(t, err)
	assert.True(t, st.Complete)
	assert.Equal(t, d.SizeBytes, st.CommittedSize)
}

func TestUploadDigestMismatch(t *testing.T) {
	ctx := context.Background()
	c, store := newTestServer(t, Options{AllowUpdates: true})

	d := digest.OfBytes([]byte("bbbb"))
	err := c.Upload(ctx, d, []byte("aaaa"))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	ok, err := store.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatesDisabled(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestServer(t, Options{AllowUpdates: false})

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.AllowUpdates)

	data := []byte("content")
	err = c.Upload(ctx, digest.OfBytes(data), data)
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	err = c.UpdateReference(ctx, []string{"k"}, digest.OfBytes(data), nil)
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
}

func TestReferences(t *testing.T) {
	ctx := context.Background()
	c, store := newTestServer(t, Options{AllowUpdates: true})

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.AllowUpdates)

	child := []byte("file content")
	root := []byte("root listing")
	cd, rd := digest.OfBytes(child), digest.OfBytes(root)

	_, err = c.GetReference(ctx, "app/strict")
	assert.ErrorIs(t, err, casrpc.ErrNotFound)

	require.NoError(t, c.Upload(ctx, rd, root))
	err = c.UpdateReference(ctx, []string{"app/strict"}, rd, []digest.Digest{rd, cd})
	assert.Equal(t, connect.CodeAborted, connect.CodeOf(err))

	require.NoError(t, c.Upload(ctx, cd, child))
	require.NoError(t, c.UpdateReference(ctx, []string{"app/strict", "app/weak"}, rd, []digest.Digest{rd, cd}))

	for _, key := range []string{"app/strict", "app/weak"} {
		got, err := c.GetReference(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, rd, got)
	}

	// The closure is kept together with the ref on prune.
	_, err = store.Prune(ctx)
	require.NoError(t, err)
	ok, err := store.Contains(ctx, cd)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRefs(t *testing.T) {
	ctx := context.Background()
	refs := NewMemoryRefs()
	d := digest.OfBytes([]byte("x"))

	_, err := refs.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Error(t, refs.Put(ctx, nil, d, nil))
	require.Error(t, refs.Put(ctx, []string{" "}, d, nil))
	require.NoError(t, refs.Put(ctx, []string{"a", "b"}, d, nil))

	got, err := refs.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}
