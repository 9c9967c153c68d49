// Package sentinel — telemetry.go
//
// Dual-path telemetry loop for one node.
//
// Each tick: collect → score → hysteresis → reliable emission (merge-
// patch of the per-node coordination record) → conditional fast-path
// emission (score ≥ 0.90). The loop sleeps (cadence + uniform[−10 ms,
// +20 ms]) minus the tick's elapsed time so a fleet of Sentinels does
// not herd its control-plane writes.
//
// Scoring:
//
//	raw   = 0.7·min(1, scan_ports/10) + 0.3·min(1, (new+network procs)/8)
//	score = 0.4·raw + 0.6·prev          (EWMA, clamped to [0, 1])
//
// Hysteresis: a tick with score > elevate_threshold marks the node
// high; the elevate annotation is set only on the second consecutive
// high tick, and any non-high tick resets the counter.
//
// Failure policy: tick-level errors log and continue; only startup
// errors propagate.

package sentinel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/controlplane"
	"github.com/Connerlevi/A-Swarm/internal/fastpath"
	"github.com/Connerlevi/A-Swarm/internal/identity"
	"github.com/Connerlevi/A-Swarm/internal/observability"
)

// Annotation keys on the per-node coordination record.
const (
	AnnSeq       = "aswarm.ai/seq"
	AnnScore     = "aswarm.ai/score"
	AnnTS        = "aswarm.ai/ts"
	AnnRunID     = "aswarm.ai/run-id"
	AnnElevate   = "aswarm.ai/elevate"
	AnnElevateTS = "aswarm.ai/elevate-ts"

	LabelComponent = "app.kubernetes.io/component"
	LabelNode      = "aswarm.ai/node"
	LabelRunID     = "aswarm.ai/run-id"

	ComponentSentinel = "sentinel"
)

const (
	ewmaAlpha   = 0.4
	scanDivisor = 10.0
	procDivisor = 8.0
	scanWeight  = 0.7
	procWeight  = 0.3

	// applyRetries bounds coordination-record retries per tick.
	applyRetries = 2
)

// Options configures a Telemetry agent.
type Options struct {
	NodeName          string
	Plane             controlplane.Plane
	Collector         Collector
	Sender            *fastpath.Sender // nil disables the fast path
	CadenceMS         int
	ElevateThreshold  float64 // default 0.7
	FastpathThreshold float64 // default 0.90
	RunID             string
	Metrics           *observability.Metrics
	Log               *zap.Logger
}

// Telemetry is the per-node scoring and emission loop.
type Telemetry struct {
	opts   Options
	node   string // sanitized
	record string

	seq      uint32
	ewma     float64
	prevHigh bool

	rng *rand.Rand
}

// New creates a Telemetry agent. Plane and Collector are required.
func New(opts Options) (*Telemetry, error) {
	if opts.Plane == nil {
		return nil, fmt.Errorf("sentinel: control plane is required")
	}
	if opts.Collector == nil {
		return nil, fmt.Errorf("sentinel: collector is required")
	}
	if opts.CadenceMS == 0 {
		opts.CadenceMS = 100
	}
	if opts.ElevateThreshold == 0 {
		opts.ElevateThreshold = 0.7
	}
	if opts.FastpathThreshold == 0 {
		opts.FastpathThreshold = 0.90
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	node := identity.Sanitize(identity.NodeName(opts.NodeName))
	t := &Telemetry{
		opts:   opts,
		node:   node,
		record: identity.RecordName(node),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	opts.Log.Info("sentinel telemetry initialized",
		zap.String("record", t.record),
		zap.Int("cadence_ms", opts.CadenceMS),
		zap.Bool("fastpath", opts.Sender != nil))
	return t, nil
}

// Node returns the sanitized node identity.
func (t *Telemetry) Node() string { return t.node }

// Score applies one scoring step and returns the published EWMA score.
func (t *Telemetry) Score(sketch Sketch, graph GraphDelta) float64 {
	raw := scanWeight*math.Min(float64(sketch.ScanPorts)/scanDivisor, 1.0) +
		procWeight*math.Min(float64(graph.NewProcs+graph.NetworkProcs)/procDivisor, 1.0)
	t.ewma = ewmaAlpha*raw + (1-ewmaAlpha)*t.ewma
	if t.ewma < 0 {
		t.ewma = 0
	}
	if t.ewma > 1 {
		t.ewma = 1
	}
	return t.ewma
}

// Run drives the telemetry loop until ctx ends.
func (t *Telemetry) Run(ctx context.Context) error {
	cadence := time.Duration(t.opts.CadenceMS) * time.Millisecond
	log := t.opts.Log

	for {
		if ctx.Err() != nil {
			return nil
		}
		tickStart := time.Now()

		sketch, graph, err := t.opts.Collector.Collect()
		if err != nil {
			log.Warn("collect failed; skipping tick", zap.Error(err))
		} else {
			t.tick(ctx, sketch, graph)
		}

		// Jittered cadence: −10 ms … +20 ms, minus tick elapsed.
		jitter := time.Duration(t.rng.Intn(31)-10) * time.Millisecond
		sleep := cadence + jitter - time.Since(tickStart)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// tick runs one score-and-emit cycle.
func (t *Telemetry) tick(ctx context.Context, sketch Sketch, graph GraphDelta) {
	log := t.opts.Log
	score := t.Score(sketch, graph)

	// Two consecutive high ticks arm the elevate annotation.
	high := score > t.opts.ElevateThreshold
	elevate := high && t.prevHigh
	t.prevHigh = high

	t.seq++
	if err := t.updateRecord(ctx, score, elevate); err != nil {
		t.opts.Metrics.SentinelLeaseErrorsTotal.Inc()
		log.Warn("coordination record update failed", zap.Error(err))
	}

	t.opts.Metrics.SentinelTicksTotal.Inc()
	t.opts.Metrics.SentinelScore.Observe(score)

	if t.opts.Sender != nil && score >= t.opts.FastpathThreshold {
		t.emitFastpath(score, sketch, graph)
	}

	log.Debug("tick",
		zap.Uint32("seq", t.seq),
		zap.Float64("score", score),
		zap.Bool("elevate", elevate))
}

// updateRecord merge-patches the per-node record, retrying transient
// conflicts with tiny linear backoff.
func (t *Telemetry) updateRecord(ctx context.Context, score float64, elevate bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	ann := map[string]string{
		AnnSeq:   fmt.Sprintf("%d", t.seq),
		AnnScore: fmt.Sprintf("%.3f", score),
		AnnTS:    now,
	}
	labels := map[string]string{
		LabelComponent: ComponentSentinel,
		LabelNode:      t.node,
	}
	if t.opts.RunID != "" {
		ann[AnnRunID] = t.opts.RunID
		labels[LabelRunID] = t.opts.RunID
	}
	if elevate {
		ann[AnnElevate] = "true"
		ann[AnnElevateTS] = now
	}

	rec := controlplane.CoordinationRecord{
		Name:        t.record,
		Labels:      labels,
		Annotations: ann,
		Holder:      "sentinel-" + t.node,
	}

	var err error
	for attempt := 0; attempt <= applyRetries; attempt++ {
		err = t.opts.Plane.ApplyCoordination(ctx, rec)
		if err == nil || err == controlplane.ErrNotFound {
			// A not-found apply created the record server-side; the next
			// tick re-patches. Either way this tick is done.
			return nil
		}
		if err == controlplane.ErrConflict {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(10*(attempt+1)) * time.Millisecond):
			}
			continue
		}
		return err
	}
	return err
}

// emitFastpath sends the high-confidence observation over UDP.
func (t *Telemetry) emitFastpath(score float64, sketch Sketch, graph GraphDelta) {
	eventType := "process_anomaly"
	if sketch.ScanPorts > 5 {
		eventType = "port_scan"
	}

	anomaly := fastpath.Anomaly{
		Score:             score,
		WitnessCount:      1,
		Selector:          "node=" + t.node,
		EventType:         eventType,
		DetectionWindowMS: t.opts.CadenceMS,
		Sketch:            sketch.Ports,
		Graph: map[string]int{
			"nodes":         graph.Nodes,
			"new_procs":     graph.NewProcs,
			"term_procs":    graph.TermProcs,
			"network_procs": graph.NetworkProcs,
		},
	}
	if _, err := t.opts.Sender.SendElevation(anomaly, t.opts.RunID); err != nil {
		t.opts.Log.Warn("fast-path send failed", zap.Error(err))
	}
}
