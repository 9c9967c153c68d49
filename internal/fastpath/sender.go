// Package fastpath — sender.go
//
// UDP sender for the fast path. One connected socket per destination,
// tuned for intra-cluster latency (DSCP EF, enlarged send buffer, low
// unicast TTL). Each elevation is emitted 1–3 times with a jittered
// [0, gap/3, gap] ms pattern — enough to absorb a single drop without
// materially raising the packet rate.
//
// Payload packing is budget-driven: the mandatory fields are encoded
// first and must fit; optional fields (event type, detection window,
// sketch, graph) are added greedily and the first one that would
// overflow the budget ends the packing.

package fastpath

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/identity"
	"github.com/Connerlevi/A-Swarm/internal/observability"
)

const (
	// dscpEF is the DSCP Expedited Forwarding TOS byte.
	dscpEF = 0xB8

	// sendTTL bounds fast-path datagrams to the cluster.
	sendTTL = 16
)

// SendStats summarizes one elevation send.
type SendStats struct {
	Bytes   int
	Elapsed time.Duration
	Dupes   int
	Failed  int
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	Host    string
	Port    int
	Key     []byte
	KeyID   uint8
	Dupes   int // 1–3, default 3
	GapMS   int // default 6
	NodeID  string
	Version uint8 // VersionV2 or VersionV3, default V3
	Metrics *observability.Metrics
	Log     *zap.Logger
}

// Sender emits authenticated elevation datagrams to one Pheromone
// destination. Safe for concurrent use.
type Sender struct {
	opts    SenderOptions
	conn    *net.UDPConn
	srcID   uint32
	node    string
	seq     atomic.Uint32
	budget  int
	metrics *observability.Metrics
	log     *zap.Logger

	mu sync.Mutex // serializes the dupe burst so gaps stay meaningful
}

// NewSender resolves, connects, and tunes the socket.
func NewSender(opts SenderOptions) (*Sender, error) {
	if len(opts.Key) == 0 {
		return nil, fmt.Errorf("fastpath: sender requires an HMAC key")
	}
	if opts.Port == 0 {
		opts.Port = 8888
	}
	if opts.Dupes <= 0 {
		opts.Dupes = 3
	}
	if opts.Dupes > 3 {
		opts.Dupes = 3
	}
	if opts.GapMS <= 0 {
		opts.GapMS = 6
	}
	if opts.KeyID == 0 {
		opts.KeyID = 1
	}
	if opts.Version == 0 {
		opts.Version = VersionV3
	}
	if opts.Version != VersionV2 && opts.Version != VersionV3 {
		return nil, fmt.Errorf("fastpath: unsupported protocol version %d", opts.Version)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	node := identity.NodeName(opts.NodeID)

	dialer := net.Dialer{Control: controlSendSocket}
	c, err := dialer.DialContext(context.Background(), "udp",
		net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("fastpath: connect %s:%d: %w", opts.Host, opts.Port, err)
	}
	conn := c.(*net.UDPConn)

	budget := MaxPayloadV3
	if opts.Version == VersionV2 {
		budget = MaxPayloadV2
	}

	s := &Sender{
		opts:    opts,
		conn:    conn,
		srcID:   identity.SourceID(node),
		node:    node,
		budget:  budget,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
	s.log.Info("fast-path sender initialized",
		zap.String("node", node),
		zap.String("dest", conn.RemoteAddr().String()),
		zap.String("src_id", fmt.Sprintf("%08x", s.srcID)),
		zap.Uint8("proto", opts.Version))
	return s, nil
}

// PayloadBudget returns the maximum encoded payload size for the
// sender's protocol version.
func (s *Sender) PayloadBudget() int {
	return s.budget
}

// SrcID returns the sender's stable source identifier.
func (s *Sender) SrcID() uint32 {
	return s.srcID
}

// SendElevation packs, authenticates, and emits one elevation. The
// mandatory fields must fit the budget; optional evidence is added
// greedily. Returns send statistics or an error when the base payload
// alone exceeds the budget.
func (s *Sender) SendElevation(anomaly Anomaly, runID string) (SendStats, error) {
	seq32 := s.seq.Add(1) - 1
	seq16 := uint16(seq32 & 0xFFFF)

	payload, err := s.packPayload(anomaly, runID, seq32)
	if err != nil {
		return SendStats{}, err
	}

	packet, err := s.buildPacket(seq16, seq32, payload)
	if err != nil {
		return SendStats{}, err
	}

	stats := s.sendWithDupes(packet)
	s.log.Debug("fast-path send",
		zap.Uint16("seq16", seq16),
		zap.Int("bytes", stats.Bytes),
		zap.Int("dupes", stats.Dupes),
		zap.Int("failed", stats.Failed),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// packPayload encodes the payload under the budget, adding optional
// fields greedily and stopping at the first overflow.
func (s *Sender) packPayload(anomaly Anomaly, runID string, seq32 uint32) ([]byte, error) {
	base := ElevationPayload{
		NodeID:     s.node,
		WallTS:     time.Now().UTC().Format(time.RFC3339Nano),
		Sequence32: seq32,
		Anomaly: Anomaly{
			Score:        anomaly.Score,
			WitnessCount: anomaly.WitnessCount,
			Selector:     anomaly.Selector,
		},
		RunID: runID,
	}

	buf, err := encodePayload(&base)
	if err != nil {
		return nil, fmt.Errorf("fastpath: payload encode: %w", err)
	}
	if len(buf) > s.budget {
		return nil, fmt.Errorf("fastpath: payload %d exceeds budget %d", len(buf), s.budget)
	}

	// Greedy optional fields, cheapest first. The first overflow ends
	// the packing so the datagram keeps whatever already fit.
	try := func(mutate func(*ElevationPayload)) bool {
		candidate := base
		mutate(&candidate)
		enc, err := encodePayload(&candidate)
		if err != nil || len(enc) > s.budget {
			return false
		}
		base = candidate
		buf = enc
		return true
	}

	if anomaly.EventType != "" {
		if !try(func(p *ElevationPayload) { p.Anomaly.EventType = anomaly.EventType }) {
			return buf, nil
		}
	}
	if anomaly.DetectionWindowMS != 0 {
		if !try(func(p *ElevationPayload) { p.Anomaly.DetectionWindowMS = anomaly.DetectionWindowMS }) {
			return buf, nil
		}
	}
	if len(anomaly.Sketch) > 0 {
		if !try(func(p *ElevationPayload) { p.Anomaly.Sketch = anomaly.Sketch }) {
			return buf, nil
		}
	}
	if len(anomaly.Graph) > 0 {
		if !try(func(p *ElevationPayload) { p.Anomaly.Graph = anomaly.Graph }) {
			return buf, nil
		}
	}
	return buf, nil
}

// buildPacket assembles header ‖ payload ‖ tag for the configured
// protocol version.
func (s *Sender) buildPacket(seq16 uint16, seq32 uint32, payload []byte) ([]byte, error) {
	h := Header{
		Version:    s.opts.Version,
		Type:       TypeElevation,
		Seq16:      seq16,
		PayloadLen: uint16(len(payload)),
		KeyID:      s.opts.KeyID,
	}
	switch s.opts.Version {
	case VersionV3:
		h.TimestampMS = uint64(time.Now().UnixMilli())
		h.SrcID = s.srcID
		h.Nonce32 = randomNonce() ^ (uint32(seq16) | (seq32 << 16))
	case VersionV2:
		h.TimestampNS = uint64(time.Now().UnixNano())
	}
	return Seal(h.Marshal(), payload, s.opts.Key), nil
}

// sendWithDupes emits the packet with the jittered gap pattern.
func (s *Sender) sendWithDupes(packet []byte) SendStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	gaps := []int{0, max(1, s.opts.GapMS/3), s.opts.GapMS}
	start := time.Now()
	var failed int
	for i := 0; i < s.opts.Dupes; i++ {
		if gaps[i] > 0 {
			jitter := int(randomNonce() % 2) // ±1 ms collapsed to {0,1}
			time.Sleep(time.Duration(gaps[i]+jitter) * time.Millisecond)
		}
		if _, err := s.conn.Write(packet); err != nil {
			failed++
			s.log.Warn("dupe send failed", zap.Int("dupe", i), zap.Error(err))
			continue
		}
		s.metrics.FastpathSendsTotal.Inc()
	}
	return SendStats{
		Bytes:   len(packet),
		Elapsed: time.Since(start),
		Dupes:   s.opts.Dupes,
		Failed:  failed,
	}
}

// Close releases the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// randomNonce draws 32 bits from the CSPRNG. A failed read degrades to
// zero; the nonce is a collision-reduction aid, not a security boundary
// (the HMAC is).
func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
