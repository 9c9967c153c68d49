// Package observability — metrics.go
//
// Prometheus metrics for the A-SWARM components.
//
// Endpoint: GET /metrics (OpenMetrics compatible) plus GET /healthz,
// which returns "ok" only while the component's liveness probe passes
// (for the Pheromone daemon: the receive loop is alive).
//
// Metric naming convention: aswarm_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Reject reasons and elevation reasons are closed enumerations.
//   - Node names and source IPs are NOT labels (unbounded cardinality);
//     per-source detail lives in the fastpath stats snapshot.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for an A-SWARM process.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Fast path ───────────────────────────────────────────────────────────

	// FastpathReceivedTotal counts datagrams read off the socket.
	FastpathReceivedTotal prometheus.Counter

	// FastpathValidTotal counts packets that passed every check.
	FastpathValidTotal prometheus.Counter

	// FastpathRejectedTotal counts rejected packets by terminal reason.
	// Labels: reason (invalid_magic, invalid_hmac, replays, stale, ...)
	FastpathRejectedTotal *prometheus.CounterVec

	// FastpathQueueDepth is the current ring buffer depth.
	FastpathQueueDepth prometheus.Gauge

	// FastpathProcessLatency records per-packet validation latency.
	FastpathProcessLatency prometheus.Histogram

	// FastpathModeChangesTotal counts back-pressure transitions.
	// Labels: to, reason
	FastpathModeChangesTotal *prometheus.CounterVec

	// FastpathSendsTotal counts datagrams emitted by the sender
	// (duplicates included).
	FastpathSendsTotal prometheus.Counter

	// ─── Pheromone ───────────────────────────────────────────────────────────

	// SignalsTotal counts witness signals admitted to the window.
	// Labels: source (lease, fastpath)
	SignalsTotal *prometheus.CounterVec

	// SignalsDiscardedTotal counts unparseable or invalid signals.
	SignalsDiscardedTotal prometheus.Counter

	// DecisionsTotal counts elevation-predicate evaluations by reason.
	// Labels: reason
	DecisionsTotal *prometheus.CounterVec

	// ElevationsTotal counts decisions that elevated.
	ElevationsTotal prometheus.Counter

	// ArtifactWritesTotal counts artifact creations by outcome.
	// Labels: outcome (created, conflict, error)
	ArtifactWritesTotal *prometheus.CounterVec

	// WindowSignals is the current window occupancy.
	WindowSignals prometheus.Gauge

	// ─── Sentinel ────────────────────────────────────────────────────────────

	// SentinelTicksTotal counts scoring ticks.
	SentinelTicksTotal prometheus.Counter

	// SentinelScore records the distribution of published scores.
	SentinelScore prometheus.Histogram

	// SentinelLeaseErrorsTotal counts failed coordination-record updates
	// after retries.
	SentinelLeaseErrorsTotal prometheus.Counter

	// ─── Micro-act ───────────────────────────────────────────────────────────

	// ActuationsTotal counts catalog executions by action and outcome.
	// Labels: action, outcome (applied, failed, rejected)
	ActuationsTotal *prometheus.CounterVec

	// RevertsTotal counts TTL reverts by outcome. Labels: outcome
	RevertsTotal *prometheus.CounterVec

	// ActiveTTLs is the current revert-table occupancy.
	ActiveTTLs prometheus.Gauge

	// CertificatesTotal counts emitted certificates. Labels: signed
	CertificatesTotal *prometheus.CounterVec

	// ─── Process ─────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since process start.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all A-SWARM Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FastpathReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "received_total",
			Help: "Total datagrams read off the UDP socket.",
		}),
		FastpathValidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "valid_total",
			Help: "Total packets that passed authentication and replay checks.",
		}),
		FastpathRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "rejected_total",
			Help: "Total rejected packets, by terminal reason.",
		}, []string{"reason"}),
		FastpathQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "queue_depth",
			Help: "Current ring buffer depth.",
		}),
		FastpathProcessLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "process_latency_seconds",
			Help:    "Per-packet validation latency.",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		}),
		FastpathModeChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "mode_changes_total",
			Help: "Back-pressure mode transitions, by target mode and reason.",
		}, []string{"to", "reason"}),
		FastpathSendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "fastpath", Name: "sends_total",
			Help: "Total datagrams emitted by the sender, duplicates included.",
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "signals_total",
			Help: "Witness signals admitted to the window, by transport.",
		}, []string{"source"}),
		SignalsDiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "signals_discarded_total",
			Help: "Signals dropped for unparseable score or sequence.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "decisions_total",
			Help: "Elevation-predicate evaluations, by reason code.",
		}, []string{"reason"}),
		ElevationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "elevations_total",
			Help: "Decisions that elevated.",
		}),
		ArtifactWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "artifact_writes_total",
			Help: "Elevation artifact creations, by outcome.",
		}, []string{"outcome"}),
		WindowSignals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aswarm", Subsystem: "pheromone", Name: "window_signals",
			Help: "Current sliding-window occupancy.",
		}),

		SentinelTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "sentinel", Name: "ticks_total",
			Help: "Scoring ticks completed.",
		}),
		SentinelScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aswarm", Subsystem: "sentinel", Name: "score",
			Help:    "Distribution of published anomaly scores.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
		}),
		SentinelLeaseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "sentinel", Name: "lease_errors_total",
			Help: "Coordination-record updates that failed after retries.",
		}),

		ActuationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "microact", Name: "actuations_total",
			Help: "Catalog executions, by action id and outcome.",
		}, []string{"action", "outcome"}),
		RevertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "microact", Name: "reverts_total",
			Help: "TTL auto-reverts, by outcome.",
		}, []string{"outcome"}),
		ActiveTTLs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aswarm", Subsystem: "microact", Name: "active_ttls",
			Help: "Revert handles currently scheduled.",
		}),
		CertificatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aswarm", Subsystem: "microact", Name: "certificates_total",
			Help: "Action certificates emitted, by signature presence.",
		}, []string{"signed"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aswarm", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since process start.",
		}),
	}

	reg.MustRegister(
		m.FastpathReceivedTotal,
		m.FastpathValidTotal,
		m.FastpathRejectedTotal,
		m.FastpathQueueDepth,
		m.FastpathProcessLatency,
		m.FastpathModeChangesTotal,
		m.FastpathSendsTotal,
		m.SignalsTotal,
		m.SignalsDiscardedTotal,
		m.DecisionsTotal,
		m.ElevationsTotal,
		m.ArtifactWritesTotal,
		m.WindowSignals,
		m.SentinelTicksTotal,
		m.SentinelScore,
		m.SentinelLeaseErrorsTotal,
		m.ActuationsTotal,
		m.RevertsTotal,
		m.ActiveTTLs,
		m.CertificatesTotal,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the metrics HTTP server on addr. healthy gates
// /healthz: nil means always healthy. Blocks until ctx is cancelled or
// the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string, healthy func() bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
