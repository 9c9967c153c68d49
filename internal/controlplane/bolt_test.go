// Package controlplane — bolt_test.go
//
// Unit tests for the durable plane.
//
// Test coverage:
//   - Apply/Get round trip through the bbolt file
//   - Create-only conflict survives a close/reopen cycle
//   - Coordination records replay into fresh watches after reopen

package controlplane_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Connerlevi/A-Swarm/internal/controlplane"
)

func TestBoltPlane_ConflictSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plane.db")
	ctx := context.Background()

	p, err := controlplane.OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := controlplane.ConfigRecord{
		Name: "aswarm-elevated-run9",
		Data: map[string]string{"elevation.json": `{"run_id":"run9"}`},
	}
	if err := p.CreateConfig(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := controlplane.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	if err := p2.CreateConfig(ctx, rec); err != controlplane.ErrAlreadyExists {
		t.Errorf("create after reopen = %v, want ErrAlreadyExists", err)
	}
	got, err := p2.GetConfig(ctx, "aswarm-elevated-run9")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Data["elevation.json"] != `{"run_id":"run9"}` {
		t.Errorf("data lost across reopen: %v", got.Data)
	}
}

func TestBoltPlane_CoordinationReplayAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plane.db")
	ctx := context.Background()

	p, err := controlplane.OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = p.ApplyCoordination(ctx, controlplane.CoordinationRecord{
		Name:        "aswarm-sentinel-n1",
		Labels:      map[string]string{"component": "sentinel"},
		Annotations: map[string]string{"seq": "7"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.Close()

	p2, err := controlplane.OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	watchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	events, err := p2.Watch(watchCtx, controlplane.Selector{"component": "sentinel"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ev, ok := <-events
	if !ok {
		t.Fatal("no replayed event after reopen")
	}
	if ev.Record.Name != "aswarm-sentinel-n1" || ev.Record.Annotations["seq"] != "7" {
		t.Errorf("replayed record mismatch: %+v", ev.Record)
	}
}
