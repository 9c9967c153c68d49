// Package signal — window_test.go
//
// Unit tests for the witness data model and the sliding window.
//
// Test coverage:
//   - Witness.Validate(): clamping, NaN/Inf rejection, missing fields
//   - Confidence formula at its saturation points
//   - Stats(): width filtering, run-id scoping, distinct-witness count,
//     nearest-rank p95, empty-window miss
//   - Bounded append with tail retention

package signal_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/Connerlevi/A-Swarm/internal/signal"
)

func witness(node string, score float64, age time.Duration, runID string) signal.Witness {
	return signal.Witness{
		Node:     node,
		Seq:      1,
		Score:    score,
		ServerTS: time.Now().Add(-age),
		RunID:    runID,
		Source:   signal.SourceLease,
	}
}

func TestWitnessValidate_Clamps(t *testing.T) {
	w := witness("n", 1.7, 0, "")
	if err := w.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Score != 1.0 {
		t.Errorf("score not clamped: %f", w.Score)
	}

	w = witness("n", -0.2, 0, "")
	if err := w.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Score != 0.0 {
		t.Errorf("negative score not clamped: %f", w.Score)
	}
}

func TestWitnessValidate_Rejects(t *testing.T) {
	w := witness("n", math.NaN(), 0, "")
	if err := w.Validate(); err == nil {
		t.Error("NaN score accepted")
	}
	w = witness("n", math.Inf(1), 0, "")
	if err := w.Validate(); err == nil {
		t.Error("infinite score accepted")
	}
	w = witness("", 0.5, 0, "")
	if err := w.Validate(); err == nil {
		t.Error("empty node accepted")
	}
	w = signal.Witness{Node: "n", Score: 0.5}
	if err := w.Validate(); err == nil {
		t.Error("zero server timestamp accepted")
	}
}

func TestConfidence(t *testing.T) {
	s := signal.Stats{WitnessCount: 3, MeanScore: 0.8}
	if got := s.Confidence(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("saturated confidence = %f, want 1.0", got)
	}
	s = signal.Stats{WitnessCount: 1, MeanScore: 0.4}
	want := (1.0 / 3.0) * 0.5
	if got := s.Confidence(); math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence = %f, want %f", got, want)
	}
	s = signal.Stats{}
	if got := s.Confidence(); got != 0 {
		t.Errorf("empty confidence = %f, want 0", got)
	}
}

func TestWindowStats_FiltersAndCounts(t *testing.T) {
	w := signal.NewWindow(100)
	now := time.Now()

	// Two fresh signals from distinct nodes, one stale, one other-run.
	for _, sig := range []signal.Witness{
		witness("a", 0.8, 10*time.Millisecond, "r1"),
		witness("b", 0.6, 10*time.Millisecond, "r1"),
		witness("c", 0.9, time.Second, "r1"),        // outside 80 ms
		witness("d", 0.9, 10*time.Millisecond, "r2"), // other run
		witness("a", 0.7, 5*time.Millisecond, "r1"),  // repeat node
	} {
		if err := w.Append(sig); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, ok := w.Stats("r1", 80*time.Millisecond, now)
	if !ok {
		t.Fatal("expected stats")
	}
	if stats.WitnessCount != 2 {
		t.Errorf("witness count = %d, want 2 (distinct nodes)", stats.WitnessCount)
	}
	if stats.TotalSamples != 3 {
		t.Errorf("samples = %d, want 3", stats.TotalSamples)
	}
	wantMean := (0.8 + 0.6 + 0.7) / 3.0
	if math.Abs(stats.MeanScore-wantMean) > 1e-9 {
		t.Errorf("mean = %f, want %f", stats.MeanScore, wantMean)
	}
}

func TestWindowStats_NearestRankP95(t *testing.T) {
	w := signal.NewWindow(200)
	// Scores 0.01..1.00: nearest-rank p95 over 100 samples is the 96th
	// sorted value (index 95) = 0.96.
	for i := 1; i <= 100; i++ {
		sig := witness(fmt.Sprintf("n%d", i), float64(i)/100.0, 0, "")
		if err := w.Append(sig); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	stats, ok := w.Stats("", time.Minute, time.Now())
	if !ok {
		t.Fatal("expected stats")
	}
	if math.Abs(stats.P95Score-0.96) > 1e-9 {
		t.Errorf("p95 = %f, want 0.96 (nearest rank, no interpolation)", stats.P95Score)
	}
}

func TestWindowStats_SingleSample(t *testing.T) {
	w := signal.NewWindow(10)
	if err := w.Append(witness("solo", 0.95, 0, "")); err != nil {
		t.Fatal(err)
	}
	stats, ok := w.Stats("", time.Minute, time.Now())
	if !ok {
		t.Fatal("expected stats")
	}
	if stats.P95Score != 0.95 || stats.WitnessCount != 1 {
		t.Errorf("single-sample stats wrong: %+v", stats)
	}
}

func TestWindowStats_EmptyMiss(t *testing.T) {
	w := signal.NewWindow(10)
	if _, ok := w.Stats("", time.Minute, time.Now()); ok {
		t.Error("empty window produced stats")
	}
}

func TestWindow_BoundedWithTailRetention(t *testing.T) {
	w := signal.NewWindow(1000)
	for i := 0; i < 1500; i++ {
		sig := witness(fmt.Sprintf("n%d", i), 0.5, 0, "")
		if err := w.Append(sig); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if w.Len() > 1000 {
		t.Errorf("window grew past its bound: %d", w.Len())
	}
	if w.Evicted() == 0 {
		t.Error("no evictions recorded after overflow")
	}
}
