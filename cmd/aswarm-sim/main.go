// Package main — cmd/aswarm-sim/main.go
//
// A-SWARM single-process end-to-end simulator.
//
// Purpose: validate the detection→containment pipeline without a
// cluster. Everything runs in one process:
//
//	[N synthetic Sentinels] ──lease──▶ [memory control plane]
//	         │                               │ watch
//	         └────────UDP loopback──▶ [fast-path listener]
//	                                         │ callback
//	                                  [Pheromone aggregator]
//	                                         │ elevation
//	                                  [micro-act catalog, DRY_RUN]
//	                                         │
//	                                  [signed certificate]
//
// After a warm-up period every Sentinel's synthetic collector is
// switched to anomalous telemetry; the run succeeds when the elevation
// artifact exists and at least one certificate was emitted.
//
// Usage:
//   aswarm-sim [-sentinels 3] [-duration 10s] [-quorum 3] [-warmup 2s]

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/controlplane"
	"github.com/Connerlevi/A-Swarm/internal/fastpath"
	"github.com/Connerlevi/A-Swarm/internal/microact"
	"github.com/Connerlevi/A-Swarm/internal/observability"
	"github.com/Connerlevi/A-Swarm/internal/pheromone"
	"github.com/Connerlevi/A-Swarm/internal/sentinel"
	"github.com/Connerlevi/A-Swarm/internal/storage"
)

func main() {
	sentinels := flag.Int("sentinels", 3, "Number of simulated Sentinels")
	duration := flag.Duration("duration", 10*time.Second, "Total run duration")
	warmup := flag.Duration("warmup", 2*time.Second, "Idle period before the injected anomaly")
	quorum := flag.Int("quorum", 3, "Quorum threshold")
	windowMS := flag.Int("window-ms", 80, "Sliding window width (ms)")
	flag.Parse()

	log, err := observability.BuildLogger("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	runID := fmt.Sprintf("sim-%d", time.Now().Unix())
	metrics := observability.NewMetrics()
	plane := controlplane.NewMemoryPlane()

	// Certificate archive in a scratch directory.
	tmpDir, err := os.MkdirTemp("", "aswarm-sim-*")
	if err != nil {
		log.Fatal("temp dir", zap.Error(err))
	}
	defer os.RemoveAll(tmpDir)
	certs, err := storage.OpenCerts(filepath.Join(tmpDir, "certs.db"))
	if err != nil {
		log.Fatal("certificate archive", zap.Error(err))
	}
	defer certs.Close() //nolint:errcheck

	emitter, err := microact.NewEmitter([]byte("sim-signing-key"), certs, "", metrics, log)
	if err != nil {
		log.Fatal("emitter", zap.Error(err))
	}
	policy := config.MicroactConfig{MaxRing: 3, DryRun: true}
	catalog := microact.NewCatalog(policy, nil, metrics, log)
	go catalog.Reverts().Run(ctx)

	responder := microact.NewResponder(microact.ResponderOptions{
		Catalog: catalog,
		Emitter: emitter,
		SiteID:  "sim",
		AssetID: "sim-cluster",
		Params: microact.Params{
			"namespace":   "sim",
			"selector":    "app=victim",
			"ttl_seconds": 5,
		},
		PolicyRef: microact.PolicyRef{PolicyID: "aswarm-quarantine", VersionHash: "sim"},
		Log:       log,
	})

	agg, err := pheromone.New(pheromone.Options{
		Plane:           plane,
		WindowMS:        *windowMS,
		QuorumThreshold: *quorum,
		RunID:           runID,
		Metrics:         metrics,
		Log:             log,
		OnElevation:     responder.HandleElevation,
	})
	if err != nil {
		log.Fatal("aggregator", zap.Error(err))
	}

	keys, err := fastpath.LoadKeys(map[uint8]string{1: "sim-fastpath-key"})
	if err != nil {
		log.Fatal("keys", zap.Error(err))
	}
	listener, err := fastpath.NewListener(fastpath.ListenerOptions{
		BindAddr: "127.0.0.1",
		Port:     0, // ephemeral
		Keys:     keys,
		Callback: agg.HandleFastpath,
		Metrics:  metrics,
		Log:      log,
	})
	if err != nil {
		log.Fatal("listener", zap.Error(err))
	}
	listener.Start(ctx)
	port := listener.Addr().Port
	log.Info("simulator fast path", zap.Int("port", port))

	go func() {
		_ = agg.Run(ctx)
	}()

	// Launch the Sentinels.
	var collectors []*sentinel.SyntheticCollector
	for i := 0; i < *sentinels; i++ {
		node := fmt.Sprintf("sim-node-%d", i)
		collector := sentinel.NewSyntheticCollector(int64(i + 1))
		collectors = append(collectors, collector)

		sender, err := fastpath.NewSender(fastpath.SenderOptions{
			Host:    "127.0.0.1",
			Port:    port,
			Key:     []byte("sim-fastpath-key"),
			KeyID:   1,
			Dupes:   2,
			GapMS:   3,
			NodeID:  node,
			Metrics: metrics,
			Log:     log,
		})
		if err != nil {
			log.Fatal("sender", zap.Error(err), zap.String("node", node))
		}
		defer sender.Close() //nolint:errcheck

		agent, err := sentinel.New(sentinel.Options{
			NodeName:  node,
			Plane:     plane,
			Collector: collector,
			Sender:    sender,
			CadenceMS: 50,
			RunID:     runID,
			Metrics:   metrics,
			Log:       log,
		})
		if err != nil {
			log.Fatal("sentinel", zap.Error(err), zap.String("node", node))
		}
		go func() { _ = agent.Run(ctx) }()
	}

	// Inject the anomaly after warm-up.
	select {
	case <-ctx.Done():
	case <-time.After(*warmup):
		log.Info("injecting anomaly on all nodes")
		for _, c := range collectors {
			c.TriggerAnomaly(200)
		}
	}

	<-ctx.Done()
	listener.Stop()

	// ── Verdict ──────────────────────────────────────────────────────────────
	artifact, err := plane.GetConfig(context.Background(), pheromone.ArtifactPrefix+"-"+runID)
	elevated := err == nil
	records, _ := certs.List()

	fmt.Println()
	fmt.Println("=== simulation summary ===")
	fmt.Printf("run_id:        %s\n", runID)
	fmt.Printf("elevated:      %v\n", elevated)
	if elevated {
		fmt.Printf("artifact:\n%s\n", artifact.Data["elevation.json"])
	}
	fmt.Printf("certificates:  %d\n", len(records))
	for _, r := range records {
		ok := "unsigned"
		if r.Signature != "" && microact.VerifySignature(r.Document, r.Signature, []byte("sim-signing-key")) {
			ok = "signature verified"
		}
		fmt.Printf("  - %s (%s)\n", r.CertificateID, ok)
	}

	if !elevated || len(records) == 0 {
		fmt.Println("\nRESULT: FAIL — pipeline did not complete")
		os.Exit(1)
	}
	fmt.Println("\nRESULT: PASS")
}
