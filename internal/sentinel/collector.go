// Package sentinel — collector.go
//
// Telemetry sources for the Sentinel agent.
//
// A Collector produces one (Sketch, GraphDelta) pair per scoring tick:
// a packet-histogram sketch of the node's network activity and a
// process-graph delta since the previous tick. Two implementations:
//
//   - ProcfsCollector (procfs.go): reads /proc on Linux.
//   - SyntheticCollector (below): deterministic generator with an
//     injectable anomaly burst, for the simulator and tests.

package sentinel

import (
	"math/rand"
	"sync"
)

// Sketch is the per-tick network activity histogram.
type Sketch struct {
	// Ports maps bucket names (tcp_443, udp_53, ...) to activity counts.
	Ports map[string]int

	// ScanPorts counts connection attempts consistent with scanning:
	// distinct half-open destinations observed this tick.
	ScanPorts int
}

// GraphDelta is the per-tick process-graph change summary.
type GraphDelta struct {
	// Nodes is the tracked process count.
	Nodes int

	// NewProcs and TermProcs count processes created/terminated since
	// the previous tick.
	NewProcs  int
	TermProcs int

	// NetworkProcs counts network-active process churn this tick.
	NetworkProcs int
}

// Collector produces one observation per tick.
type Collector interface {
	Collect() (Sketch, GraphDelta, error)
}

// SyntheticCollector generates plausible idle-node telemetry, with an
// injectable anomaly burst that raises scan and process-churn counts
// for the next N ticks. Deterministic under a fixed seed.
type SyntheticCollector struct {
	mu      sync.Mutex
	rng     *rand.Rand
	anomaly int
}

// NewSyntheticCollector creates a generator seeded with seed.
func NewSyntheticCollector(seed int64) *SyntheticCollector {
	return &SyntheticCollector{rng: rand.New(rand.NewSource(seed))}
}

// TriggerAnomaly raises anomalous telemetry for the next n ticks.
func (c *SyntheticCollector) TriggerAnomaly(n int) {
	c.mu.Lock()
	c.anomaly = n
	c.mu.Unlock()
}

// Collect implements Collector.
func (c *SyntheticCollector) Collect() (Sketch, GraphDelta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	intn := func(lo, hi int) int { return lo + c.rng.Intn(hi-lo+1) }

	sketch := Sketch{Ports: map[string]int{
		"tcp_22":    intn(0, 5),
		"tcp_80":    intn(5, 20),
		"tcp_443":   intn(10, 30),
		"tcp_6443":  intn(0, 8),
		"udp_53":    intn(2, 10),
		"tcp_other": intn(0, 5),
	}}
	graph := GraphDelta{
		Nodes:     intn(15, 25),
		NewProcs:  intn(0, 3),
		TermProcs: intn(0, 2),
	}

	if c.anomaly > 0 {
		c.anomaly--
		sketch.Ports["tcp_3306"] = intn(5, 15)
		sketch.Ports["tcp_5432"] = intn(3, 12)
		sketch.Ports["tcp_6379"] = intn(2, 8)
		sketch.Ports["tcp_8080"] = intn(4, 16)
		sketch.ScanPorts = intn(8, 25)
		graph.NewProcs = intn(3, 8)
		graph.NetworkProcs = intn(2, 5)
	}
	return sketch, graph, nil
}
