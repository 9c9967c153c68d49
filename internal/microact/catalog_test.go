// Package microact — catalog_test.go
//
// Unit tests for the actuation catalog.
//
// Test coverage:
//   - Ring policy: ring above MAX_RING fails fast, runner untouched
//   - Unknown action, missing required parameters
//   - Cross-field validation: rate_mbps, selector, pid
//   - Dry-run isolation returns handle, probe endpoint, dry-run proof
//   - Canonical params hash is stable under key reordering
//   - Catalog listing order and ring filter

package microact_test

import (
	"context"
	"strings"
	"testing"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/microact"
)

// trippingRunner fails the test if any external command runs.
type trippingRunner struct{ t *testing.T }

func (r trippingRunner) Run(ctx context.Context, argv []string) (string, error) {
	r.t.Fatalf("runner invoked: %v", argv)
	return "", nil
}

func dryCatalog(t *testing.T, maxRing int) *microact.Catalog {
	t.Helper()
	return microact.NewCatalog(
		config.MicroactConfig{MaxRing: maxRing, DryRun: true},
		trippingRunner{t}, nil, nil)
}

func TestExecute_RingExceedsMax(t *testing.T) {
	c := dryCatalog(t, 2)
	res := c.Execute("process_freeze", microact.Params{"host": "h1", "pid": 42})
	if res.Success {
		t.Fatal("ring-3 action succeeded under MAX_RING=2")
	}
	if !strings.Contains(res.Message, "exceeds max ring") {
		t.Errorf("message = %q, want a ring-exceeds-max message", res.Message)
	}
	if res.RevertHandle != "" {
		t.Error("failed actuation produced a revert handle")
	}
}

func TestExecute_UnknownAction(t *testing.T) {
	c := dryCatalog(t, 3)
	res := c.Execute("warp_core_eject", microact.Params{})
	if res.Success || !strings.Contains(res.Message, "unknown action") {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExecute_MissingRequiredParams(t *testing.T) {
	c := dryCatalog(t, 3)
	res := c.Execute("networkpolicy_isolate", microact.Params{"namespace": "prod"})
	if res.Success {
		t.Fatal("executed without required selector")
	}
	if !strings.Contains(res.Message, "selector") {
		t.Errorf("message does not name the missing parameter: %q", res.Message)
	}
}

func TestExecute_ParamValidation(t *testing.T) {
	c := dryCatalog(t, 3)

	res := c.Execute("egress_rate_limit", microact.Params{"host": "h", "rate_mbps": -5})
	if res.Success || !strings.Contains(res.Message, "rate_mbps") {
		t.Errorf("negative rate accepted: %+v", res)
	}

	res = c.Execute("networkpolicy_isolate", microact.Params{"namespace": "p", "selector": "   "})
	if res.Success || !strings.Contains(res.Message, "selector") {
		t.Errorf("blank selector accepted: %+v", res)
	}

	res = c.Execute("process_freeze", microact.Params{"host": "h", "pid": "abc"})
	if res.Success || !strings.Contains(res.Message, "pid") {
		t.Errorf("non-integer pid accepted: %+v", res)
	}

	// String pid that parses is fine.
	res = c.Execute("process_freeze", microact.Params{"host": "h", "pid": "1234"})
	if !res.Success {
		t.Errorf("numeric string pid rejected: %+v", res)
	}
}

func TestExecute_DryRunIsolation(t *testing.T) {
	c := dryCatalog(t, 3)
	res := c.Execute("networkpolicy_isolate", microact.Params{
		"namespace": "prod", "selector": "app=api", "ttl_seconds": 60,
	})
	if !res.Success {
		t.Fatalf("dry-run isolation failed: %s", res.Message)
	}
	if !strings.HasPrefix(res.RevertHandle, "prod/aswarm-isolate-") {
		t.Errorf("revert handle = %q", res.RevertHandle)
	}
	if res.ProbeEndpoint == "" {
		t.Error("probe endpoint missing")
	}
	if res.Proof == nil || !res.Proof.DryRun {
		t.Errorf("proof not marked dry-run: %+v", res.Proof)
	}
	if res.Proof.Controller != "microact-v2" {
		t.Errorf("controller = %q", res.Proof.Controller)
	}
	if len(res.Proof.ParamsHash) != 16 {
		t.Errorf("params hash = %q, want 16 hex chars", res.Proof.ParamsHash)
	}
	if got := res.ExpiresAt.Sub(res.AppliedAt); got.Seconds() != 60 {
		t.Errorf("expires-applied = %s, want 60s", got)
	}
	if !c.Reverts().Contains(res.RevertHandle) {
		t.Error("revert handle not scheduled")
	}
}

func TestParamsHash_StableUnderReordering(t *testing.T) {
	c := dryCatalog(t, 3)

	a := c.Execute("log_anomaly", microact.Params{
		"asset_id": "vm-1", "anomaly_type": "scan", "score": 0.9, "zeta": 1, "alpha": 2,
	})
	b := c.Execute("log_anomaly", microact.Params{
		"zeta": 1, "score": 0.9, "alpha": 2, "anomaly_type": "scan", "asset_id": "vm-1",
	})
	if !a.Success || !b.Success {
		t.Fatalf("log_anomaly failed: %+v %+v", a, b)
	}
	if a.Proof.ParamsHash != b.Proof.ParamsHash {
		t.Errorf("hash differs under reordering: %s vs %s", a.Proof.ParamsHash, b.Proof.ParamsHash)
	}

	d := c.Execute("log_anomaly", microact.Params{
		"asset_id": "vm-2", "anomaly_type": "scan", "score": 0.9,
	})
	if d.Proof.ParamsHash == a.Proof.ParamsHash {
		t.Error("different params produced the same hash")
	}
}

func TestList_OrderAndFilter(t *testing.T) {
	c := dryCatalog(t, 3)

	all := c.List(0)
	if len(all) != 7 {
		t.Fatalf("catalog size = %d, want 7", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Ring < all[i-1].Ring {
			t.Fatalf("list not sorted by ring: %v before %v", all[i-1].ID, all[i].ID)
		}
	}

	ring2 := c.List(microact.Ring2)
	if len(ring2) != 3 {
		t.Errorf("ring-2 count = %d, want 3", len(ring2))
	}
	for _, d := range ring2 {
		if d.Ring != microact.Ring2 {
			t.Errorf("ring filter leaked %s (ring %d)", d.ID, d.Ring)
		}
	}
}

func TestExecute_LogAnomalyHasNoTTL(t *testing.T) {
	c := dryCatalog(t, 3)
	res := c.Execute("log_anomaly", microact.Params{
		"asset_id": "vm-1", "anomaly_type": "scan", "score": 0.95,
	})
	if !res.Success {
		t.Fatalf("log_anomaly failed: %s", res.Message)
	}
	if res.RevertHandle != "" {
		t.Error("observable action produced a revert handle")
	}
	if c.Reverts().Len() != 0 {
		t.Errorf("TTL table not empty: %d", c.Reverts().Len())
	}
}
