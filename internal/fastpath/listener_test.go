// Package fastpath — listener_test.go
//
// Integration tests for the receiver over real loopback sockets.
//
// Test coverage:
//   - Valid v3 packet → exactly one callback with transport metadata
//   - Replayed packet → one callback, replays counter
//   - HMAC mismatch, unknown key id, stale timestamp, bad magic
//   - v2 packet accepted with advisory timestamp
//   - Payload at exactly the budget accepted
//   - Exactly one terminal counter per received packet

package fastpath

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// testHarness wires a Listener with a capturing callback.
type testHarness struct {
	listener *Listener
	conn     *net.UDPConn

	mu       sync.Mutex
	payloads []*ElevationPayload
	metas    []Meta
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	keys, err := LoadKeys(map[uint8]string{1: "listener-test-key"})
	if err != nil {
		t.Fatalf("keys: %v", err)
	}

	h := &testHarness{}
	l, err := NewListener(ListenerOptions{
		BindAddr: "127.0.0.1",
		Port:     0,
		Keys:     keys,
		Callback: func(p *ElevationPayload, m Meta) {
			h.mu.Lock()
			h.payloads = append(h.payloads, p)
			h.metas = append(h.metas, m)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	h.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		l.Stop()
	})

	conn, err := net.DialUDP("udp", nil, l.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.conn = conn
	t.Cleanup(func() { conn.Close() })
	return h
}

func (h *testHarness) callbacks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// testPayload is a minimal valid elevation JSON body.
func testPayload(node string, seq uint32) []byte {
	p := ElevationPayload{
		NodeID:     node,
		WallTS:     time.Now().UTC().Format(time.RFC3339Nano),
		Sequence32: seq,
		Anomaly:    Anomaly{Score: 0.95, WitnessCount: 1, Selector: "node=" + node},
	}
	buf, _ := json.Marshal(&p)
	return buf
}

// buildV3 crafts a sealed v3 packet.
func buildV3(key []byte, keyID uint8, srcID uint32, seq uint16, tsMS uint64, payload []byte) []byte {
	h := Header{
		Version:     VersionV3,
		Type:        TypeElevation,
		TimestampMS: tsMS,
		SrcID:       srcID,
		Seq16:       seq,
		Nonce32:     0x1234,
		PayloadLen:  uint16(len(payload)),
		KeyID:       keyID,
	}
	return Seal(h.Marshal(), payload, key)
}

// buildV2 crafts a sealed v2 packet.
func buildV2(key []byte, keyID uint8, seq uint16, tsNS uint64, payload []byte) []byte {
	h := Header{
		Version:     VersionV2,
		Type:        TypeElevation,
		TimestampNS: tsNS,
		Seq16:       seq,
		PayloadLen:  uint16(len(payload)),
		KeyID:       keyID,
	}
	return Seal(h.Marshal(), payload, key)
}

var testKey = []byte("listener-test-key")

func nowMS() uint64 { return uint64(time.Now().UnixMilli()) }

func TestListener_ValidPacketDelivered(t *testing.T) {
	h := newHarness(t)

	pkt := buildV3(testKey, 1, 0xAABBCCDD, 10, nowMS(), testPayload("node-a", 10))
	if _, err := h.conn.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return h.callbacks() == 1 })

	h.mu.Lock()
	defer h.mu.Unlock()
	p, m := h.payloads[0], h.metas[0]
	if p.NodeID != "node-a" || p.Anomaly.Score != 0.95 {
		t.Errorf("payload mismatch: %+v", p)
	}
	if m.SrcID != 0xAABBCCDD || m.Seq16 != 10 || m.KeyID != 1 {
		t.Errorf("meta mismatch: %+v", m)
	}
	if got := h.listener.Stats().Get(CounterValid); got != 1 {
		t.Errorf("valid counter = %d, want 1", got)
	}
}

func TestListener_ReplayRejected(t *testing.T) {
	h := newHarness(t)

	pkt := buildV3(testKey, 1, 0x01020304, 5, nowMS(), testPayload("node-r", 5))
	h.conn.Write(pkt)
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.listener.Stats().Get(CounterReplays) == 1 })
	waitFor(t, func() bool { return h.listener.Stats().Get(CounterValid) == 1 })
	if h.callbacks() != 1 {
		t.Errorf("callback invoked %d times, want 1", h.callbacks())
	}
}

func TestListener_HMACMismatch(t *testing.T) {
	h := newHarness(t)

	pkt := buildV3([]byte("wrong-key"), 1, 1, 1, nowMS(), testPayload("n", 1))
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.listener.Stats().Get(CounterInvalidHMAC) == 1 })
	if h.callbacks() != 0 {
		t.Error("forged packet reached the callback")
	}
}

func TestListener_UnknownKeyID(t *testing.T) {
	h := newHarness(t)

	pkt := buildV3(testKey, 42, 1, 1, nowMS(), testPayload("n", 1))
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.listener.Stats().Get(CounterInvalidKey) == 1 })
	if got := h.listener.Stats().Get(CounterInvalidHMAC); got != 0 {
		t.Errorf("key miss counted as HMAC mismatch: %d", got)
	}
}

func TestListener_StaleTimestamp(t *testing.T) {
	h := newHarness(t)

	old := uint64(time.Now().Add(-6 * time.Second).UnixMilli())
	pkt := buildV3(testKey, 1, 1, 1, old, testPayload("n", 1))
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.listener.Stats().Get(CounterStale) == 1 })
	if h.callbacks() != 0 {
		t.Error("stale packet reached the callback")
	}
}

func TestListener_BadMagic(t *testing.T) {
	h := newHarness(t)

	pkt := buildV3(testKey, 1, 1, 1, nowMS(), testPayload("n", 1))
	pkt[0] = 'Z'
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.listener.Stats().Get(CounterInvalidMagic) == 1 })
}

func TestListener_V2Accepted(t *testing.T) {
	h := newHarness(t)

	// A nanosecond timestamp from an arbitrary clock: v2 freshness is
	// advisory, so even a wildly old value passes the header stage.
	pkt := buildV2(testKey, 1, 3, 12345, testPayload("node-v2", 3))
	h.conn.Write(pkt)

	waitFor(t, func() bool { return h.callbacks() == 1 })
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.payloads[0].NodeID != "node-v2" {
		t.Errorf("payload mismatch: %+v", h.payloads[0])
	}
	// v2 has no src_id; the receiver synthesizes one from the address.
	if h.metas[0].SrcID == 0 {
		t.Error("v2 packet has no synthesized source id")
	}
}

func TestListener_PayloadAtBudgetAccepted(t *testing.T) {
	h := newHarness(t)

	// Pad the selector until the encoded payload is exactly the budget.
	base := ElevationPayload{
		NodeID:     "pad",
		WallTS:     time.Now().UTC().Format(time.RFC3339Nano),
		Sequence32: 1,
		Anomaly:    Anomaly{Score: 0.9, WitnessCount: 1},
	}
	enc, _ := json.Marshal(&base)
	pad := make([]byte, MaxPayloadV3-len(enc))
	for i := range pad {
		pad[i] = 'x'
	}
	base.Anomaly.Selector = string(pad)
	enc, _ = json.Marshal(&base)
	for len(enc) > MaxPayloadV3 {
		base.Anomaly.Selector = base.Anomaly.Selector[:len(base.Anomaly.Selector)-1]
		enc, _ = json.Marshal(&base)
	}
	if len(enc) != MaxPayloadV3 {
		t.Fatalf("failed to pad payload to budget: %d != %d", len(enc), MaxPayloadV3)
	}

	pkt := buildV3(testKey, 1, 9, 9, nowMS(), enc)
	if len(pkt) != MaxPacketSize {
		t.Fatalf("packet size %d, want %d", len(pkt), MaxPacketSize)
	}
	h.conn.Write(pkt)
	waitFor(t, func() bool { return h.callbacks() == 1 })
}

func TestListener_ExactlyOneTerminalCounter(t *testing.T) {
	h := newHarness(t)

	packets := [][]byte{
		buildV3(testKey, 1, 100, 1, nowMS(), testPayload("a", 1)),                  // valid
		buildV3(testKey, 1, 100, 1, nowMS(), testPayload("a", 1)),                  // replay
		buildV3([]byte("bad"), 1, 101, 2, nowMS(), testPayload("b", 2)),            // hmac
		buildV3(testKey, 9, 102, 3, nowMS(), testPayload("c", 3)),                  // key
		buildV3(testKey, 1, 103, 4, uint64(time.Now().Add(-time.Minute).UnixMilli()), testPayload("d", 4)), // stale
	}
	for _, pkt := range packets {
		h.conn.Write(pkt)
	}

	terminal := []Counter{
		CounterValid, CounterInvalidMagic, CounterInvalidVersion,
		CounterInvalidType, CounterInvalidSize, CounterInvalidKey,
		CounterInvalidHMAC, CounterInvalidJSON, CounterReplays,
		CounterStale, CounterDroppedOldest, CounterRateLimited,
		CounterCIDRRejected, CounterSampledOut,
	}
	sum := func() uint64 {
		var n uint64
		for _, c := range terminal {
			n += h.listener.Stats().Get(c)
		}
		return n
	}
	waitFor(t, func() bool { return sum() == uint64(len(packets)) })

	if got := h.listener.Stats().TotalReceived(); got != uint64(len(packets)) {
		t.Errorf("received = %d, want %d", got, len(packets))
	}
	if sum() != h.listener.Stats().TotalReceived() {
		t.Errorf("terminal counters (%d) != received (%d)", sum(), h.listener.Stats().TotalReceived())
	}
}

func TestListener_HealthyWhileRunning(t *testing.T) {
	h := newHarness(t)
	if !h.listener.Healthy() {
		t.Error("running listener reports unhealthy")
	}
	if h.listener.Mode() != ModeNormal {
		t.Errorf("fresh listener mode = %s, want normal", h.listener.Mode())
	}
}
