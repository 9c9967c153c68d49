// Package microact — ttl.go
//
// TTL auto-revert table.
//
// Every successful actuation with a positive TTL inserts an opaque
// revert handle keyed by deadline. One monitor goroutine ticks at 1 Hz,
// pops every entry whose deadline passed from a min-heap (no full-table
// scan), and runs the revert function.
//
// Handle lifecycle: SCHEDULED → (timer fires) → REVERTING → DONE|FAILED.
// The handle is removed from the table BEFORE its revert runs, so a
// second firing or a concurrent Cancel is a no-op. A failed revert logs
// and is not retried — the external primitive's own TTL (where the
// orchestrator supports one) is the remaining safety net.

package microact

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/observability"
)

// monitorTick is the revert monitor cadence.
const monitorTick = time.Second

// RevertFunc undoes one applied primitive. Must be idempotent: a
// not-found during revert is success.
type RevertFunc func(actionID, handle string) error

// revertEntry is one scheduled revert.
type revertEntry struct {
	handle    string
	actionID  string
	deadline  time.Time // monotonic-clock bearing
	appliedAt time.Time // wall clock, for certificates
	index     int       // heap bookkeeping
}

// revertHeap orders entries by deadline.
type revertHeap []*revertEntry

func (h revertHeap) Len() int            { return len(h) }
func (h revertHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h revertHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *revertHeap) Push(x any)         { e := x.(*revertEntry); e.index = len(*h); *h = append(*h, e) }
func (h *revertHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// RevertTable schedules and executes TTL auto-reverts.
type RevertTable struct {
	mu      sync.Mutex
	heap    revertHeap
	byName  map[string]*revertEntry
	revert  RevertFunc
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewRevertTable creates a table. revert is required.
func NewRevertTable(revert RevertFunc, metrics *observability.Metrics, log *zap.Logger) *RevertTable {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	t := &RevertTable{
		byName:  make(map[string]*revertEntry),
		revert:  revert,
		metrics: metrics,
		log:     log,
	}
	heap.Init(&t.heap)
	return t
}

// Schedule inserts a handle with the given TTL. A zero or negative TTL
// is a no-op (the action has nothing to revert on a timer). Scheduling
// an existing handle refreshes its deadline.
func (t *RevertTable) Schedule(actionID, handle string, ttl time.Duration) {
	if ttl <= 0 || handle == "" {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byName[handle]; ok {
		e.deadline = now.Add(ttl)
		e.actionID = actionID
		heap.Fix(&t.heap, e.index)
		return
	}
	e := &revertEntry{
		handle:    handle,
		actionID:  actionID,
		deadline:  now.Add(ttl),
		appliedAt: now,
	}
	heap.Push(&t.heap, e)
	t.byName[handle] = e
	t.metrics.ActiveTTLs.Set(float64(len(t.byName)))
	t.log.Info("revert scheduled",
		zap.String("action", actionID),
		zap.String("handle", handle),
		zap.Duration("ttl", ttl))
}

// Contains reports whether a handle is currently scheduled.
func (t *RevertTable) Contains(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byName[handle]
	return ok
}

// Len returns the scheduled-handle count.
func (t *RevertTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byName)
}

// Cancel removes a handle without running its revert. Returns whether
// the handle was present.
func (t *RevertTable) Cancel(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byName[handle]
	if !ok {
		return false
	}
	heap.Remove(&t.heap, e.index)
	delete(t.byName, handle)
	t.metrics.ActiveTTLs.Set(float64(len(t.byName)))
	return true
}

// Run drives the monitor until ctx ends. Reverts already in flight
// complete; shutdown does not cancel them.
func (t *RevertTable) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.fire(now)
		}
	}
}

// FireAt runs one monitor pass against an explicit clock. The 1 Hz
// monitor calls this with the tick time; tests call it directly.
func (t *RevertTable) FireAt(now time.Time) {
	t.fire(now)
}

// fire pops and reverts every entry whose deadline passed. Entries are
// removed from the table before their revert runs.
func (t *RevertTable) fire(now time.Time) {
	t.mu.Lock()
	var due []*revertEntry
	for len(t.heap) > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*revertEntry)
		delete(t.byName, e.handle)
		due = append(due, e)
	}
	t.metrics.ActiveTTLs.Set(float64(len(t.byName)))
	t.mu.Unlock()

	for _, e := range due {
		t.log.Info("TTL expired; reverting",
			zap.String("action", e.actionID),
			zap.String("handle", e.handle))
		if err := t.revert(e.actionID, e.handle); err != nil {
			t.metrics.RevertsTotal.WithLabelValues("failed").Inc()
			t.log.Error("revert failed (not retried)",
				zap.String("action", e.actionID),
				zap.String("handle", e.handle),
				zap.Error(err))
			continue
		}
		t.metrics.RevertsTotal.WithLabelValues("done").Inc()
	}
}
