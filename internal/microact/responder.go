// Package microact — responder.go
//
// Bridges an elevation decision to a containment actuation and its
// certificate. The Responder is the Aggregator's OnElevation hook:
// it executes the configured primitive, runs the effectiveness probe
// when the primitive exposes one, and emits the signed certificate.
//
// Timing points are captured with time.Now() inside one process so the
// monotonic MTTD/MTTR in the certificate are trustworthy. The anomaly
// start is the earliest point this process can observe — the elevation
// handler entry; callers have no way to supply an earlier one.

package microact

import (
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/signal"
)

// ResponderOptions configures the elevation→actuation bridge.
type ResponderOptions struct {
	Catalog *Catalog
	Emitter *Emitter

	// SiteID and AssetID identify the protected estate on certificates.
	SiteID  string
	AssetID string

	// ActionID and Params select the containment primitive.
	// Default: networkpolicy_isolate.
	ActionID string
	Params   Params

	// PolicyRef is copied into every certificate.
	PolicyRef PolicyRef

	Log *zap.Logger
}

// Responder executes the containment response for elevations.
type Responder struct {
	opts ResponderOptions
}

// NewResponder validates options and creates a Responder.
func NewResponder(opts ResponderOptions) *Responder {
	if opts.ActionID == "" {
		opts.ActionID = "networkpolicy_isolate"
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Responder{opts: opts}
}

// HandleElevation runs one detection→actuation cycle. Failures log;
// nothing propagates — the aggregator keeps deciding regardless.
func (r *Responder) HandleElevation(elev signal.Elevation) {
	log := r.opts.Log
	detectAt := time.Now()

	// The handler entry is the earliest anomaly anchor this process can
	// observe with a monotonic reading attached.
	anomalyStart := detectAt

	params := make(Params, len(r.opts.Params)+1)
	for k, v := range r.opts.Params {
		params[k] = v
	}

	actuationStart := time.Now()
	res := r.opts.Catalog.Execute(r.opts.ActionID, params)
	if !res.Success {
		log.Error("containment actuation failed",
			zap.String("action", r.opts.ActionID),
			zap.String("message", res.Message),
			zap.String("run_id", elev.RunID))
		return
	}
	actuationEffective := time.Now()

	probeAttempts := 0
	notes := ""
	if def, ok := r.opts.Catalog.Get(r.opts.ActionID); ok && def.SupportsProbe {
		probeAttempts = 1
		probe := r.opts.Catalog.Probe(res)
		if status, _ := probe["status"].(string); status != "" {
			notes = "probe: " + status
		}
	}

	timing := Timing{
		AnomalyStart:       anomalyStart,
		DetectElevated:     detectAt,
		ActuationStart:     actuationStart,
		ActuationEffective: actuationEffective,
	}
	if res.RevertHandle != "" {
		timing.RevertScheduled = res.AppliedAt
	}

	ttlSeconds := 0
	if !res.ExpiresAt.IsZero() {
		ttlSeconds = int(res.ExpiresAt.Sub(res.AppliedAt).Seconds())
	}

	elevCopy := elev
	cert := NewCertificate(
		r.opts.SiteID,
		r.opts.AssetID,
		&elevCopy,
		r.opts.PolicyRef,
		ActionDesc{
			Ring:       ringOf(r.opts.Catalog, r.opts.ActionID),
			Kind:       r.opts.ActionID,
			Params:     params,
			TTLSeconds: ttlSeconds,
		},
		Outcome{
			Status:             "contained",
			ProbeAttempts:      probeAttempts,
			ContainmentDelayMS: float64(actuationEffective.Sub(actuationStart).Microseconds()) / 1000.0,
			Notes:              notes,
		},
		timing,
		res.Proof,
	)

	if r.opts.Emitter != nil {
		if _, _, err := r.opts.Emitter.Emit(cert); err != nil {
			log.Error("certificate emission failed", zap.Error(err))
		}
	}
}

// ringOf looks up an action's ring, zero when unknown.
func ringOf(c *Catalog, actionID string) int {
	if def, ok := c.Get(actionID); ok {
		return int(def.Ring)
	}
	return 0
}
