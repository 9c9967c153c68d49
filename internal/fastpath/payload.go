// Package fastpath — payload.go
//
// JSON payload schema for elevation datagrams, and the receive-side
// metadata the listener attaches before invoking the elevation callback.
//
// Unknown keys in incoming payload JSON are ignored (standard
// encoding/json behaviour); the named fields are the contract.

package fastpath

import (
	"encoding/json"
	"fmt"
)

// Anomaly is the detection summary carried inside an elevation payload.
type Anomaly struct {
	// Score is the anomaly score in [0.0, 1.0].
	Score float64 `json:"score"`

	// WitnessCount is the sender-local witness count (1 for a single
	// Sentinel).
	WitnessCount int `json:"witness_count"`

	// Selector identifies the workload under suspicion.
	Selector string `json:"selector"`

	// EventType classifies the detection (port_scan, process_anomaly, ...).
	EventType string `json:"event_type,omitempty"`

	// DetectionWindowMS is the sender's scoring window.
	DetectionWindowMS int `json:"detection_window_ms,omitempty"`

	// Sketch and Graph are optional raw evidence, included greedily
	// while the payload budget allows.
	Sketch map[string]int `json:"sketch,omitempty"`
	Graph  map[string]int `json:"graph,omitempty"`
}

// ElevationPayload is the JSON body of a fast-path elevation datagram.
type ElevationPayload struct {
	NodeID     string  `json:"node_id"`
	WallTS     string  `json:"wall_ts"` // RFC 3339 UTC, advisory
	Sequence32 uint32  `json:"sequence32"`
	Anomaly    Anomaly `json:"anomaly"`
	RunID      string  `json:"run_id,omitempty"`
}

// Meta is the transport metadata the receiver attaches to a validated
// payload before invoking the elevation callback.
type Meta struct {
	SourceIP    string
	SourcePort  int
	SrcID       uint32
	Seq16       uint16
	Nonce32     uint32
	KeyID       uint8
	TimestampMS uint64
	AgeMS       int64
}

// SrcIDHex formats the source id the way operators see it in logs.
func (m Meta) SrcIDHex() string {
	return fmt.Sprintf("%08x", m.SrcID)
}

// encodePayload renders the compact JSON form used on the wire.
func encodePayload(p *ElevationPayload) ([]byte, error) {
	return json.Marshal(p)
}
