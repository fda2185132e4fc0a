package artifactcache

import "sync/atomic"

type MetricsSnapshot struct {
	LocalHits      uint64
	LocalMisses    uint64
	PresenceHits   uint64
	PresenceMisses uint64
	RemoteReads    uint64
	RemoteWrites   uint64
	RemoteReadErr  uint64
	RemoteWriteErr uint64
	Pulls          uint64
	Pushes         uint64
}

type Metrics struct {
	localHits      atomic.Uint64
	localMisses    atomic.Uint64
	presenceHits   atomic.Uint64
	presenceMisses atomic.Uint64
	remoteReads    atomic.Uint64
	remoteWrites   atomic.Uint64
	remoteReadErr  atomic.Uint64
	remoteWriteErr atomic.Uint64
	pulls          atomic.Uint64
	pushes         atomic.Uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		LocalHits:      m.localHits.Load(),
		LocalMisses:    m.localMisses.Load(),
		PresenceHits:   m.presenceHits.Load(),
		PresenceMisses: m.presenceMisses.Load(),
		RemoteReads:    m.remoteReads.Load(),
		RemoteWrites:   m.remoteWrites.Load(),
		RemoteReadErr:  m.remoteReadErr.Load(),
		RemoteWriteErr: m.remoteWriteErr.Load(),
		Pulls:          m.pulls.Load(),
		Pushes:         m.pushes.Load(),
	}
}

func (c *Cache) Metrics() MetricsSnapshot {
	if c == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.snapshot()
}
