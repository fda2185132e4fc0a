package casd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildorch/internal/casrpc"
	"buildorch/internal/config"
	"buildorch/internal/digest"
	"buildorch/internal/monitor"
	"buildorch/internal/scheduler"
)

func diskConfig(t *testing.T) *config.ServerConfig {
	return &config.ServerConfig{
		Addr:         "127.0.0.1:0",
		Storage:      "disk",
		Root:         t.TempDir(),
		Quota:        "infinity",
		AllowUpdates: true,
		MonitorPath:  "/events",
	}
}

func TestDiskAppServesCache(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, diskConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	hs := httptest.NewUnstartedServer(a.Handler())
	hs.EnableHTTP2 = true
	hs.StartTLS()
	defer hs.Close()

	client := casrpc.NewClient(hs.Client(), hs.URL, casrpc.WithBackoff(0))
	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.AllowUpdates)

	data := []byte("artifact bytes")
	d := digest.OfBytes(data)
	require.NoError(t, client.Upload(ctx, d, data))
	got, err := client.Download(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, client.UpdateReference(ctx, []string{"app/key"}, d, nil))
	ref, err := client.GetReference(ctx, "app/key")
	require.NoError(t, err)
	assert.Equal(t, d, ref)
}

func TestEventFeedAcceptsPublishedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, diskConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	hs := httptest.NewServer(a.Handler())
	defer hs.Close()

	events := a.Hub().Subscribe(ctx, "run-1")
	p, err := monitor.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/events")
	require.NoError(t, err)
	p.Send(scheduler.Event{RunID: "run-1", Kind: scheduler.EventRunStarted})

	select {
	case ev := <-events:
		assert.Equal(t, scheduler.EventRunStarted, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("published event never arrived")
	}
	require.NoError(t, p.Close())
}

func TestReadOnlyApp(t *testing.T) {
	cfg := diskConfig(t)
	cfg.AllowUpdates = false
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	hs := httptest.NewServer(a.Handler())
	defer hs.Close()
	st, err := casrpc.NewClient(hs.Client(), hs.URL).Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.AllowUpdates)
}

func TestUnknownStorage(t *testing.T) {
	cfg := diskConfig(t)
	cfg.Storage = "tape"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
