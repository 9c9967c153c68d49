// Package signal — window.go
//
// Bounded sliding window over witness signals.
//
// The window holds at most maxEntries signals in arrival order. On
// overflow the oldest half is discarded (tail retention), so a stuck
// consumer cannot grow memory without bound. Stats are computed over the
// suffix whose server timestamps lie within the requested width, filtered
// by run id.
//
// Thread-safety: Append and Stats hold a single mutex for the duration
// of the smallest possible critical section. Stats copies scores out
// under the lock and sorts outside it.

package signal

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds the window length.
	DefaultMaxEntries = 1000

	// retainOnOverflow is how many newest entries survive an overflow.
	retainOnOverflow = 500
)

// Window is a bounded, thread-safe sliding window of witness signals.
type Window struct {
	mu         sync.Mutex
	signals    []Witness
	maxEntries int
	evicted    uint64
}

// NewWindow creates a Window bounded at maxEntries (DefaultMaxEntries
// if <= 0).
func NewWindow(maxEntries int) *Window {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Window{maxEntries: maxEntries}
}

// Append validates and inserts a signal. Invalid signals are dropped and
// the error returned for the caller's counter.
func (w *Window) Append(sig Witness) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, sig)
	if len(w.signals) > w.maxEntries {
		keep := retainOnOverflow
		if keep > w.maxEntries {
			keep = w.maxEntries
		}
		drop := len(w.signals) - keep
		w.evicted += uint64(drop)
		w.signals = append(w.signals[:0:0], w.signals[drop:]...)
	}
	return nil
}

// Len returns the current signal count.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.signals)
}

// Evicted returns the lifetime count of signals discarded by overflow.
func (w *Window) Evicted() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evicted
}

// Stats computes the quorum metrics for signals whose server timestamps
// fall within the last width, ending at now, and whose run id matches
// runID (empty runID matches everything). Returns (zero, false) if no
// signal qualifies.
func (w *Window) Stats(runID string, width time.Duration, now time.Time) (Stats, bool) {
	cutoff := now.Add(-width)

	w.mu.Lock()
	var scores []float64
	nodes := make(map[string]struct{})
	for i := range w.signals {
		s := &w.signals[i]
		if s.ServerTS.Before(cutoff) {
			continue
		}
		if runID != "" && s.RunID != runID {
			continue
		}
		scores = append(scores, s.Score)
		nodes[s.Node] = struct{}{}
	}
	w.mu.Unlock()

	if len(scores) == 0 {
		return Stats{}, false
	}

	var sum float64
	for _, v := range scores {
		sum += v
	}
	sort.Float64s(scores)

	// Nearest-rank p95 without interpolation, clamped to the last index.
	idx := int(0.95 * float64(len(scores)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}

	return Stats{
		WitnessCount: len(nodes),
		TotalSamples: len(scores),
		MeanScore:    sum / float64(len(scores)),
		P95Score:     scores[idx],
		WindowStart:  cutoff,
		WindowEnd:    now,
	}, true
}
