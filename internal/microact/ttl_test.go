// Package microact — ttl_test.go
//
// Unit tests for the TTL revert table.
//
// Test coverage:
//   - Scheduled handle is present for its TTL, absent after firing
//   - Revert runs exactly once per handle
//   - Failed revert logs only: handle gone, no retry on the next tick
//   - Cancel removes without reverting
//   - Zero TTL is a no-op
//   - Heap pops only due entries, in deadline order

package microact_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Connerlevi/A-Swarm/internal/microact"
)

// recordingRevert captures revert invocations.
type recordingRevert struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recordingRevert) revert(actionID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, actionID+":"+handle)
	if r.fail {
		return fmt.Errorf("synthetic revert failure")
	}
	return nil
}

func (r *recordingRevert) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRevertTable_FiresAfterDeadline(t *testing.T) {
	rec := &recordingRevert{}
	tab := microact.NewRevertTable(rec.revert, nil, nil)

	tab.Schedule("networkpolicy_isolate", "ns/p1", time.Hour)
	if !tab.Contains("ns/p1") {
		t.Fatal("scheduled handle absent")
	}

	// Before the deadline nothing fires.
	tab.FireAt(time.Now().Add(30 * time.Minute))
	if rec.count() != 0 || !tab.Contains("ns/p1") {
		t.Fatal("revert fired before the deadline")
	}

	// After the deadline the handle is gone and the revert ran once.
	tab.FireAt(time.Now().Add(2 * time.Hour))
	if rec.count() != 1 {
		t.Fatalf("revert ran %d times, want 1", rec.count())
	}
	if tab.Contains("ns/p1") {
		t.Error("handle still present after firing")
	}

	// A second pass is a no-op.
	tab.FireAt(time.Now().Add(3 * time.Hour))
	if rec.count() != 1 {
		t.Errorf("revert re-ran: %d", rec.count())
	}
}

func TestRevertTable_FailedRevertNotRetried(t *testing.T) {
	rec := &recordingRevert{fail: true}
	tab := microact.NewRevertTable(rec.revert, nil, nil)

	tab.Schedule("process_freeze", "h/42", time.Minute)
	tab.FireAt(time.Now().Add(2 * time.Minute))
	if rec.count() != 1 {
		t.Fatalf("revert ran %d times, want 1", rec.count())
	}
	if tab.Contains("h/42") {
		t.Error("failed handle still in the table")
	}
	tab.FireAt(time.Now().Add(3 * time.Minute))
	if rec.count() != 1 {
		t.Error("failed revert was retried")
	}
}

func TestRevertTable_DeadlineOrder(t *testing.T) {
	rec := &recordingRevert{}
	tab := microact.NewRevertTable(rec.revert, nil, nil)

	tab.Schedule("a", "h3", 3*time.Minute)
	tab.Schedule("a", "h1", time.Minute)
	tab.Schedule("a", "h2", 2*time.Minute)

	tab.FireAt(time.Now().Add(10 * time.Minute))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"a:h1", "a:h2", "a:h3"}
	for i, w := range want {
		if rec.calls[i] != w {
			t.Errorf("revert %d = %s, want %s", i, rec.calls[i], w)
		}
	}
}

func TestRevertTable_Cancel(t *testing.T) {
	rec := &recordingRevert{}
	tab := microact.NewRevertTable(rec.revert, nil, nil)

	tab.Schedule("a", "h", time.Minute)
	if !tab.Cancel("h") {
		t.Fatal("cancel missed a scheduled handle")
	}
	if tab.Cancel("h") {
		t.Error("double cancel succeeded")
	}
	tab.FireAt(time.Now().Add(time.Hour))
	if rec.count() != 0 {
		t.Error("cancelled handle reverted")
	}
}

func TestRevertTable_ZeroTTLIgnored(t *testing.T) {
	rec := &recordingRevert{}
	tab := microact.NewRevertTable(rec.revert, nil, nil)
	tab.Schedule("a", "h", 0)
	if tab.Len() != 0 {
		t.Error("zero-TTL handle scheduled")
	}
}
