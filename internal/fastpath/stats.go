// Package fastpath — stats.go
//
// Receiver statistics: terminal counters, processing-latency percentiles
// over the last 1024 packets, and the windowed drop rate that feeds the
// back-pressure monitor.
//
// Counter discipline: every received packet increments exactly one
// terminal counter — Valid or one of the reject counters. Ring evictions
// and rate-limit drops are terminal for the packets they discard.

package fastpath

import (
	"sort"
	"sync"
	"time"
)

// Counter names the terminal outcome of one packet.
type Counter string

const (
	CounterValid          Counter = "valid"
	CounterInvalidMagic   Counter = "invalid_magic"
	CounterInvalidVersion Counter = "invalid_version"
	CounterInvalidType    Counter = "invalid_type"
	CounterInvalidSize    Counter = "invalid_size"
	CounterInvalidKey     Counter = "invalid_key"
	CounterInvalidHMAC    Counter = "invalid_hmac"
	CounterInvalidJSON    Counter = "invalid_json"
	CounterReplays        Counter = "replays"
	CounterStale          Counter = "stale"
	CounterDroppedOldest  Counter = "dropped_oldest"
	CounterRateLimited    Counter = "rate_limited"
	CounterCIDRRejected   Counter = "cidr_rejected"
	CounterSampledOut     Counter = "sampled_out"
)

const (
	latencyWindow = 1024

	// dropRateWindow is the accounting window for the drop-rate signal.
	dropRateWindow = 60 * time.Second
)

// Stats is the thread-safe receiver statistics block.
type Stats struct {
	mu       sync.Mutex
	received uint64
	counters map[Counter]uint64

	latencies [latencyWindow]float64 // milliseconds, ring
	latCount  int
	latNext   int

	windowStart    time.Time
	windowReceived uint64
	windowDropped  uint64
}

// NewStats creates an empty statistics block.
func NewStats(now time.Time) *Stats {
	return &Stats{
		counters:    make(map[Counter]uint64),
		windowStart: now,
	}
}

// Received counts an arriving datagram (before any validation).
func (s *Stats) Received() {
	s.mu.Lock()
	s.received++
	s.windowReceived++
	s.mu.Unlock()
}

// Count increments a terminal counter. Drop-class counters also feed the
// drop-rate window.
func (s *Stats) Count(c Counter) {
	s.CountN(c, 1)
}

// CountN increments a terminal counter by n.
func (s *Stats) CountN(c Counter, n uint64) {
	s.mu.Lock()
	s.counters[c] += n
	switch c {
	case CounterDroppedOldest, CounterRateLimited:
		s.windowDropped += n
	}
	s.mu.Unlock()
}

// Get returns a counter's current value.
func (s *Stats) Get(c Counter) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[c]
}

// TotalReceived returns the lifetime received count.
func (s *Stats) TotalReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// RecordLatency records one packet's processing latency.
func (s *Stats) RecordLatency(ms float64) {
	s.mu.Lock()
	s.latencies[s.latNext] = ms
	s.latNext = (s.latNext + 1) % latencyWindow
	if s.latCount < latencyWindow {
		s.latCount++
	}
	s.mu.Unlock()
}

// DropRate returns the drop fraction and the accounting-window age. The
// window resets once it exceeds dropRateWindow.
func (s *Stats) DropRate(now time.Time) (rate float64, windowAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := now.Sub(s.windowStart)
	if age > dropRateWindow {
		s.windowStart = now
		s.windowReceived = 0
		s.windowDropped = 0
		return 0, 0
	}
	if s.windowReceived == 0 {
		return 0, age
	}
	return float64(s.windowDropped) / float64(s.windowReceived), age
}

// Snapshot returns a copy of all counters plus latency percentiles.
func (s *Stats) Snapshot() map[string]float64 {
	s.mu.Lock()
	out := make(map[string]float64, len(s.counters)+4)
	out["received"] = float64(s.received)
	for k, v := range s.counters {
		out[string(k)] = float64(v)
	}
	lats := make([]float64, s.latCount)
	copy(lats, s.latencies[:s.latCount])
	s.mu.Unlock()

	if len(lats) > 0 {
		sort.Float64s(lats)
		out["p50_ms"] = lats[len(lats)/2]
		out["p95_ms"] = lats[clampIndex(len(lats), 0.95)]
		out["p99_ms"] = lats[clampIndex(len(lats), 0.99)]
	}
	return out
}

// clampIndex converts a fraction to a valid slice index.
func clampIndex(n int, frac float64) int {
	i := int(float64(n) * frac)
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}
