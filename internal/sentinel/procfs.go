// Package sentinel — procfs.go
//
// /proc-backed Collector for Linux nodes.
//
// Sketch: one pass over /proc/net/tcp and /proc/net/udp. Activity is
// bucketed by well-known remote port (tcp_22, tcp_443, udp_53, ...),
// everything else lands in tcp_other/udp_other. ScanPorts counts
// distinct remote ports with sockets in SYN-SENT — half-open fan-out is
// the scanning signature the scorer keys on.
//
// GraphDelta: one pass over /proc PIDs, diffed against the previous
// tick's set. NetworkProcs is approximated by positive socket-count
// growth since the previous tick; per-process fd walks are too
// expensive at a 100 ms cadence.

package sentinel

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// tcpSynSent is the kernel state code for SYN-SENT sockets.
const tcpSynSent = 2

// namedPorts are the buckets reported individually; the rest aggregate.
var namedPorts = map[uint64]string{
	22:   "tcp_22",
	80:   "tcp_80",
	443:  "tcp_443",
	3306: "tcp_3306",
	5432: "tcp_5432",
	6379: "tcp_6379",
	6443: "tcp_6443",
	8080: "tcp_8080",
	9200: "tcp_9200",
}

// ProcfsCollector reads node telemetry from /proc.
type ProcfsCollector struct {
	fs procfs.FS

	prevPIDs    map[int]struct{}
	prevSockets int
	primed      bool
}

// NewProcfsCollector mounts the default /proc.
func NewProcfsCollector() (*ProcfsCollector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("sentinel: mount procfs: %w", err)
	}
	return &ProcfsCollector{fs: fs, prevPIDs: make(map[int]struct{})}, nil
}

// Collect implements Collector.
func (c *ProcfsCollector) Collect() (Sketch, GraphDelta, error) {
	sketch, sockets, err := c.collectSketch()
	if err != nil {
		return Sketch{}, GraphDelta{}, err
	}
	graph, err := c.collectGraph(sockets)
	if err != nil {
		return Sketch{}, GraphDelta{}, err
	}
	return sketch, graph, nil
}

// collectSketch builds the port histogram and scan indicator.
// Returns the total socket count for the graph's churn proxy.
func (c *ProcfsCollector) collectSketch() (Sketch, int, error) {
	sketch := Sketch{Ports: make(map[string]int)}

	tcp, err := c.fs.NetTCP()
	if err != nil {
		return Sketch{}, 0, fmt.Errorf("sentinel: read net/tcp: %w", err)
	}
	halfOpen := make(map[uint64]struct{})
	for _, line := range tcp {
		bucket, ok := namedPorts[line.RemPort]
		if !ok {
			bucket = "tcp_other"
		}
		sketch.Ports[bucket]++
		if line.St == tcpSynSent {
			halfOpen[line.RemPort] = struct{}{}
		}
	}
	sketch.ScanPorts = len(halfOpen)

	udp, err := c.fs.NetUDP()
	if err == nil {
		for _, line := range udp {
			if line.RemPort == 53 || line.LocalPort == 53 {
				sketch.Ports["udp_53"]++
			} else {
				sketch.Ports["udp_other"]++
			}
		}
	}

	return sketch, len(tcp) + len(udp), nil
}

// collectGraph diffs the PID set against the previous tick.
func (c *ProcfsCollector) collectGraph(sockets int) (GraphDelta, error) {
	procs, err := c.fs.AllProcs()
	if err != nil {
		return GraphDelta{}, fmt.Errorf("sentinel: list procs: %w", err)
	}

	current := make(map[int]struct{}, len(procs))
	for _, p := range procs {
		current[p.PID] = struct{}{}
	}

	var graph GraphDelta
	graph.Nodes = len(current)
	if c.primed {
		for pid := range current {
			if _, ok := c.prevPIDs[pid]; !ok {
				graph.NewProcs++
			}
		}
		for pid := range c.prevPIDs {
			if _, ok := current[pid]; !ok {
				graph.TermProcs++
			}
		}
		if growth := sockets - c.prevSockets; growth > 0 {
			graph.NetworkProcs = growth
		}
	}

	c.prevPIDs = current
	c.prevSockets = sockets
	c.primed = true
	return graph, nil
}
