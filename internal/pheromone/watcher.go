// Package pheromone implements the quorum aggregator: the dual-path
// consumer that fuses lease-channel and fast-path witness signals,
// computes sliding-window quorum statistics, and decides when a run
// elevates.
//
// Concurrency model:
//   - One watcher goroutine consumes the control-plane stream. Each
//     decision is computed synchronously on whichever goroutine
//     delivered the signal (the window is small).
//   - Fast-path callbacks arrive on listener worker goroutines and run
//     the same append-and-decide path.
//   - Artifact writes run on detached goroutines so the decision path
//     never blocks on control-plane I/O.
//   - Decision state (backoff clock, hysteresis counter, per-run
//     elevation set) sits behind one short-critical-section mutex.
//
// The elevation artifact is create-only; a conflict means another
// aggregator instance won the race and is benign.

package pheromone

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/controlplane"
	"github.com/Connerlevi/A-Swarm/internal/fastpath"
	"github.com/Connerlevi/A-Swarm/internal/identity"
	"github.com/Connerlevi/A-Swarm/internal/observability"
	"github.com/Connerlevi/A-Swarm/internal/sentinel"
	"github.com/Connerlevi/A-Swarm/internal/signal"
)

const (
	// ArtifactPrefix names elevation config records.
	ArtifactPrefix = "aswarm-elevated"

	// reconnect backoff bounds for the watch stream.
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	// hysteresisRequired is the consecutive-window requirement.
	hysteresisRequired = 2
)

// Options configures an Aggregator.
type Options struct {
	Plane              controlplane.Plane
	WindowMS           int           // default 80
	QuorumThreshold    int           // default 3
	NodeScoreThreshold float64       // default 0.7
	FastPathScore      float64       // default 0.90
	Backoff            time.Duration // default 2 s
	RunID              string        // empty = unscoped
	Metrics            *observability.Metrics
	Log                *zap.Logger

	// OnElevation, when set, receives each elevation on a detached
	// goroutine (the actuation hook). Runs concurrently with the
	// artifact write; neither blocks the decision path.
	OnElevation func(signal.Elevation)
}

// Aggregator is the Pheromone decision engine.
type Aggregator struct {
	opts   Options
	window *signal.Window

	mu            sync.Mutex
	lastElevation time.Time
	consecutive   int
	elevatedRuns  map[string]bool

	writes sync.WaitGroup
}

// New validates options and creates an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Plane == nil {
		return nil, fmt.Errorf("pheromone: control plane is required")
	}
	if opts.WindowMS == 0 {
		opts.WindowMS = 80
	}
	if opts.QuorumThreshold == 0 {
		opts.QuorumThreshold = 3
	}
	if opts.NodeScoreThreshold == 0 {
		opts.NodeScoreThreshold = 0.7
	}
	if opts.FastPathScore == 0 {
		opts.FastPathScore = 0.90
	}
	if opts.Backoff == 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	return &Aggregator{
		opts:         opts,
		window:       signal.NewWindow(signal.DefaultMaxEntries),
		elevatedRuns: make(map[string]bool),
	}, nil
}

// Run consumes the control-plane watch stream until ctx ends,
// reconnecting with doubling backoff when the stream terminates.
func (a *Aggregator) Run(ctx context.Context) error {
	log := a.opts.Log
	backoff := reconnectMin
	sel := controlplane.Selector{sentinel.LabelComponent: sentinel.ComponentSentinel}

	for {
		if ctx.Err() != nil {
			break
		}
		events, err := a.opts.Plane.Watch(ctx, sel)
		if err != nil {
			log.Warn("watch open failed; backing off",
				zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		for ev := range events {
			if ev.Type != controlplane.EventAdded && ev.Type != controlplane.EventModified {
				continue
			}
			a.HandleLease(ev.Record)
		}
		if ctx.Err() == nil {
			log.Warn("watch stream terminated; reconnecting",
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, reconnectMax)
		}
	}

	a.writes.Wait()
	return nil
}

// sleepCtx sleeps d or returns false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// HandleLease parses one coordination record into a witness signal and
// runs the decision path. Unparseable records are counted and dropped.
func (a *Aggregator) HandleLease(rec controlplane.CoordinationRecord) {
	sig, err := parseLeaseSignal(rec)
	if err != nil {
		a.opts.Metrics.SignalsDiscardedTotal.Inc()
		a.opts.Log.Debug("unparseable lease signal",
			zap.String("record", rec.Name), zap.Error(err))
		return
	}
	a.admit(sig)
}

// HandleFastpath is the listener's elevation callback: it converts the
// payload into a witness signal with the receive-side timestamp and
// runs the same decision path as the lease channel.
func (a *Aggregator) HandleFastpath(p *fastpath.ElevationPayload, meta fastpath.Meta) {
	sig := signal.Witness{
		Node:     identity.Sanitize(p.NodeID),
		Seq:      p.Sequence32,
		Score:    p.Anomaly.Score,
		ServerTS: time.Now(),
		RunID:    p.RunID,
		Source:   signal.SourceFastpath,
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.WallTS); err == nil {
		sig.ClientTS = ts
	}
	a.admit(sig)
}

// admit appends a signal to the window and evaluates the predicate.
func (a *Aggregator) admit(sig signal.Witness) {
	if err := a.window.Append(sig); err != nil {
		a.opts.Metrics.SignalsDiscardedTotal.Inc()
		return
	}
	a.opts.Metrics.SignalsTotal.WithLabelValues(string(sig.Source)).Inc()
	a.opts.Metrics.WindowSignals.Set(float64(a.window.Len()))

	runID := a.opts.RunID
	if runID == "" {
		runID = sig.RunID
	}
	a.decide(runID, sig.Source)
}

// decide evaluates the elevation predicate for one run scope. Exactly
// one reason code is recorded per evaluation.
func (a *Aggregator) decide(runID string, source signal.Source) {
	now := time.Now()
	width := time.Duration(a.opts.WindowMS) * time.Millisecond
	stats, ok := a.window.Stats(runID, width, now)

	reason, elevate := a.evaluate(stats, ok, runID, now)
	a.opts.Metrics.DecisionsTotal.WithLabelValues(string(reason)).Inc()

	if !elevate {
		if reason == signal.ReasonBuilding {
			a.opts.Log.Info("quorum building",
				zap.String("run_id", runID),
				zap.Int("witnesses", stats.WitnessCount),
				zap.Float64("mean", stats.MeanScore))
		}
		return
	}

	a.opts.Metrics.ElevationsTotal.Inc()
	elev := signal.Elevation{
		RunID:        runID,
		DecisionTS:   now.UTC().Format(time.RFC3339Nano),
		WitnessCount: stats.WitnessCount,
		MeanScore:    stats.MeanScore,
		P95Score:     stats.P95Score,
		Threshold:    a.opts.QuorumThreshold,
		WindowMS:     a.opts.WindowMS,
		Reason:       reason,
		Confidence:   stats.Confidence(),
		Source:       source,
	}

	a.opts.Log.Info("elevation decided",
		zap.String("run_id", runID),
		zap.String("reason", string(reason)),
		zap.Int("witness_count", elev.WitnessCount),
		zap.Float64("mean_score", elev.MeanScore),
		zap.Float64("p95_score", elev.P95Score),
		zap.Float64("confidence", elev.Confidence),
		zap.String("source", string(source)))

	// Detached write: the decision path never blocks on plane I/O.
	a.writes.Add(1)
	go func() {
		defer a.writes.Done()
		a.writeArtifact(elev)
	}()

	if a.opts.OnElevation != nil {
		a.writes.Add(1)
		go func() {
			defer a.writes.Done()
			a.opts.OnElevation(elev)
		}()
	}
}

// evaluate applies the ordered predicate under the decision mutex.
func (a *Aggregator) evaluate(stats signal.Stats, haveStats bool, runID string, now time.Time) (signal.Reason, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !haveStats {
		return signal.ReasonNoMetrics, false
	}
	if !a.lastElevation.IsZero() && now.Sub(a.lastElevation) < a.opts.Backoff {
		return signal.ReasonBackoff, false
	}
	if a.elevatedRuns[runID] {
		return signal.ReasonAlreadyElevated, false
	}
	if stats.WitnessCount < a.opts.QuorumThreshold {
		return signal.ReasonInsufficientQuorum, false
	}

	if stats.P95Score >= a.opts.FastPathScore {
		a.markElevated(runID, now)
		return signal.ReasonFastPath, true
	}

	if stats.MeanScore >= a.opts.NodeScoreThreshold {
		a.consecutive++
		if a.consecutive >= hysteresisRequired {
			a.markElevated(runID, now)
			return signal.ReasonHysteresis, true
		}
		return signal.ReasonBuilding, false
	}

	a.consecutive = 0
	return signal.ReasonReset, false
}

// markElevated records the decision state. Caller holds the mutex.
func (a *Aggregator) markElevated(runID string, now time.Time) {
	a.lastElevation = now
	a.elevatedRuns[runID] = true
	a.consecutive = 0
}

// writeArtifact creates the elevation config record. Conflict (another
// aggregator already wrote it) is benign; everything else logs.
func (a *Aggregator) writeArtifact(elev signal.Elevation) {
	name := ArtifactPrefix
	if elev.RunID != "" {
		name = ArtifactPrefix + "-" + elev.RunID
	}

	payload, err := json.MarshalIndent(elev, "", "  ")
	if err != nil {
		a.opts.Metrics.ArtifactWritesTotal.WithLabelValues("error").Inc()
		a.opts.Log.Error("artifact encode failed", zap.Error(err))
		return
	}

	labels := map[string]string{
		"type":                "elevation",
		"aswarm.ai/component": "pheromone",
		"aswarm.ai/source":    string(elev.Source),
	}
	if elev.RunID != "" {
		labels["aswarm.ai/run-id"] = elev.RunID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = a.opts.Plane.CreateConfig(ctx, controlplane.ConfigRecord{
		Name:   name,
		Labels: labels,
		Data:   map[string]string{"elevation.json": string(payload)},
	})
	switch err {
	case nil:
		a.opts.Metrics.ArtifactWritesTotal.WithLabelValues("created").Inc()
		a.opts.Log.Info("elevation artifact created", zap.String("name", name))
	case controlplane.ErrAlreadyExists:
		a.opts.Metrics.ArtifactWritesTotal.WithLabelValues("conflict").Inc()
		a.opts.Log.Info("elevation artifact already exists (normal in HA)",
			zap.String("name", name))
	default:
		a.opts.Metrics.ArtifactWritesTotal.WithLabelValues("error").Inc()
		a.opts.Log.Error("artifact creation failed",
			zap.String("name", name), zap.Error(err))
	}
}

// Window exposes the signal window (simulator and tests).
func (a *Aggregator) Window() *signal.Window {
	return a.window
}

// parseLeaseSignal extracts a witness signal from record annotations.
func parseLeaseSignal(rec controlplane.CoordinationRecord) (signal.Witness, error) {
	if len(rec.Annotations) == 0 {
		return signal.Witness{}, fmt.Errorf("record %s has no annotations", rec.Name)
	}
	ann := rec.Annotations

	node := rec.Labels[sentinel.LabelNode]
	if node == "" {
		node = identity.NodeFromRecord(rec.Name)
	}

	seq, err := strconv.ParseUint(ann[sentinel.AnnSeq], 10, 32)
	if err != nil {
		return signal.Witness{}, fmt.Errorf("bad seq %q: %w", ann[sentinel.AnnSeq], err)
	}
	score, err := strconv.ParseFloat(ann[sentinel.AnnScore], 64)
	if err != nil {
		return signal.Witness{}, fmt.Errorf("bad score %q: %w", ann[sentinel.AnnScore], err)
	}

	sig := signal.Witness{
		Node:     node,
		Seq:      uint32(seq),
		Score:    score,
		ServerTS: rec.RenewTime,
		RunID:    ann[sentinel.AnnRunID],
		Source:   signal.SourceLease,
	}
	if ts, err := time.Parse(time.RFC3339Nano, ann[sentinel.AnnTS]); err == nil {
		sig.ClientTS = ts
	}
	if ann[sentinel.AnnElevate] == "true" {
		sig.Elevate = true
		if ts, err := time.Parse(time.RFC3339Nano, ann[sentinel.AnnElevateTS]); err == nil {
			sig.ElevateTS = ts
		}
	}
	return sig, nil
}
