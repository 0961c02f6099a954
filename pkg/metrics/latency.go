package metrics

import (
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
)

// PeerLatency tracks per-peer sender round-trip latency with a
// high-dynamic-range histogram, cheap enough to update on every SYNC
// frame's ack without the bucket-allocation cost a prometheus
// histogram would add on the hot path. Percentiles are read on demand
// through Snapshot; they are not exported on /metrics.
type PeerLatency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewPeerLatency returns a tracker covering 1 microsecond to 1 minute
// with 3 significant figures, wide enough for both LAN acks and a
// catch-up replay stalled behind a slow disk.
func NewPeerLatency() *PeerLatency {
	return &PeerLatency{
		hist: hdrhistogram.New(1, (60 * time.Second).Microseconds(), 3),
	}
}

// Observe records one round-trip duration.
func (p *PeerLatency) Observe(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hist.RecordValue(d.Microseconds())
}

// Snapshot returns p50/p95/p99 latencies, in microseconds.
func (p *PeerLatency) Snapshot() (p50, p95, p99 int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hist.ValueAtQuantile(50), p.hist.ValueAtQuantile(95), p.hist.ValueAtQuantile(99)
}

// Reset clears all recorded samples, so later percentiles cover only
// what was observed after the call.
func (p *PeerLatency) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hist.Reset()
}
