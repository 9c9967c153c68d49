// Package fastpath — mode_test.go
//
// Unit tests for the back-pressure state machine.
//
// Test coverage:
//   - NORMAL → DEGRADED on sustained queue pressure (3 s)
//   - No degrade on a brief queue spike
//   - NORMAL → DEGRADED on drop rate past the grace window
//   - DEGRADED → OVERLOAD above 0.98 fill, and back
//   - DEGRADED → NORMAL on queue drain and low drop rate
//   - OVERLOAD sampling determinism

package fastpath

import (
	"testing"
	"time"
)

func TestMode_QueuePressureDegrades(t *testing.T) {
	base := time.Now()
	m := newModeMachine(base)

	if c := m.Evaluate(0.95, 0, 10*time.Second, base); c != nil {
		t.Fatalf("degraded before sustain window: %+v", c)
	}
	if c := m.Evaluate(0.95, 0, 10*time.Second, base.Add(2*time.Second)); c != nil {
		t.Fatalf("degraded at 2s of pressure: %+v", c)
	}
	c := m.Evaluate(0.95, 0, 10*time.Second, base.Add(4*time.Second))
	if c == nil || c.To != ModeDegraded || c.Reason != "queue_pressure" {
		t.Fatalf("expected queue_pressure degrade, got %+v", c)
	}
}

func TestMode_BriefSpikeDoesNotDegrade(t *testing.T) {
	base := time.Now()
	m := newModeMachine(base)
	m.Evaluate(0.95, 0, 10*time.Second, base)
	// Queue drains before the sustain window elapses.
	m.Evaluate(0.1, 0, 10*time.Second, base.Add(time.Second))
	if c := m.Evaluate(0.95, 0, 10*time.Second, base.Add(4*time.Second)); c != nil {
		t.Fatalf("hot-clock not reset by drain: %+v", c)
	}
}

func TestMode_DropRateDegradesAfterGrace(t *testing.T) {
	base := time.Now()
	m := newModeMachine(base)

	if c := m.Evaluate(0.1, 0.05, 10*time.Second, base.Add(10*time.Second)); c != nil {
		t.Fatalf("degraded inside grace window: %+v", c)
	}
	c := m.Evaluate(0.1, 0.05, 10*time.Second, base.Add(31*time.Second))
	if c == nil || c.To != ModeDegraded || c.Reason != "high_drop_rate" {
		t.Fatalf("expected high_drop_rate degrade, got %+v", c)
	}
}

func TestMode_OverloadSubMode(t *testing.T) {
	base := time.Now()
	m := newModeMachine(base)
	m.Evaluate(0.95, 0, 10*time.Second, base)
	m.Evaluate(0.95, 0, 10*time.Second, base.Add(4*time.Second)) // → DEGRADED

	c := m.Evaluate(0.99, 0, 10*time.Second, base.Add(5*time.Second))
	if c == nil || c.To != ModeOverload {
		t.Fatalf("expected OVERLOAD, got %+v", c)
	}
	if !m.Sampling() {
		t.Error("Sampling() false in OVERLOAD")
	}

	c = m.Evaluate(0.6, 0, 10*time.Second, base.Add(6*time.Second))
	if c == nil || c.To != ModeDegraded {
		t.Fatalf("expected return to DEGRADED, got %+v", c)
	}
}

func TestMode_Recovery(t *testing.T) {
	base := time.Now()
	m := newModeMachine(base)
	m.Evaluate(0.95, 0, 10*time.Second, base)
	m.Evaluate(0.95, 0, 10*time.Second, base.Add(4*time.Second)) // → DEGRADED

	// Still above the recovery fill: stays degraded.
	if c := m.Evaluate(0.5, 0, 10*time.Second, base.Add(5*time.Second)); c != nil {
		t.Fatalf("recovered at 0.5 fill: %+v", c)
	}
	// Low fill but drop rate still high: stays degraded.
	if c := m.Evaluate(0.1, 0.01, 10*time.Second, base.Add(6*time.Second)); c != nil {
		t.Fatalf("recovered with a 1%% drop rate: %+v", c)
	}
	c := m.Evaluate(0.1, 0.001, 10*time.Second, base.Add(7*time.Second))
	if c == nil || c.To != ModeNormal || c.Reason != "queue_recovered" {
		t.Fatalf("expected recovery, got %+v", c)
	}
	if m.Suppressed() {
		t.Error("callbacks still suppressed after recovery")
	}
}

func TestSampleAdmit_Deterministic(t *testing.T) {
	at := time.Unix(100, 500)
	a := sampleAdmit(at, 4242)
	for i := 0; i < 10; i++ {
		if sampleAdmit(at, 4242) != a {
			t.Fatal("sampling decision not deterministic")
		}
	}

	// Roughly 1-in-8 of varied inputs are admitted.
	admitted := 0
	for port := 0; port < 8000; port++ {
		if sampleAdmit(at, port) {
			admitted++
		}
	}
	if admitted < 500 || admitted > 1500 {
		t.Errorf("sampling rate far from 1/8: %d of 8000", admitted)
	}
}
