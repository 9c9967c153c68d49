// Package main — cmd/aswarm-pheromone/main.go
//
// Pheromone aggregator daemon.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialise structured logger (zap).
//  3. Open the certificate archive and the durable control plane.
//  4. Load fast-path HMAC keys (fatal when absent).
//  5. Build the micro-act catalog, TTL monitor, and responder.
//  6. Start the fast-path listener (callback → aggregator).
//  7. Start the metrics server (/metrics, /healthz gated on the
//     receive loop).
//  8. Start the watch loop.
//  9. Register SIGHUP for key reload.
// 10. Block on SIGINT/SIGTERM; all tasks drain within 5 s.
//
// Shutdown: cancel the root context, stop the listener (socket closed
// to unblock the receive), wait for the watcher and artifact writes.
// In-flight TTL reverts complete; pending ones rely on the external
// primitive's own TTL.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/controlplane"
	"github.com/Connerlevi/A-Swarm/internal/fastpath"
	"github.com/Connerlevi/A-Swarm/internal/microact"
	"github.com/Connerlevi/A-Swarm/internal/observability"
	"github.com/Connerlevi/A-Swarm/internal/pheromone"
	"github.com/Connerlevi/A-Swarm/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = defaults + env)")
	runID := flag.String("run-id", "", "Run identifier scoping decisions and artifacts")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("aswarm-pheromone %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("A-SWARM pheromone starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("run_id", *runID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	certs, err := storage.OpenCerts(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("certificate archive open failed", zap.Error(err),
			zap.String("path", cfg.Storage.DBPath))
	}
	defer certs.Close() //nolint:errcheck

	plane, err := controlplane.OpenBolt(cfg.Storage.PlaneDBPath)
	if err != nil {
		log.Fatal("control plane open failed", zap.Error(err),
			zap.String("path", cfg.Storage.PlaneDBPath))
	}
	defer plane.Close() //nolint:errcheck

	keys, err := fastpath.LoadKeys(nil)
	if err != nil {
		log.Fatal("fast-path key load failed", zap.Error(err))
	}

	// Micro-act catalog and certificate pipeline.
	var signingKey []byte
	if cfg.Microact.SigningKey != "" {
		signingKey, err = fastpath.ParseKeyValue(cfg.Microact.SigningKey)
		if err != nil {
			log.Fatal("signing key parse failed", zap.Error(err))
		}
	}
	emitter, err := microact.NewEmitter(signingKey, certs, cfg.Microact.CertDir, metrics, log)
	if err != nil {
		log.Fatal("certificate emitter init failed", zap.Error(err))
	}
	catalog := microact.NewCatalog(cfg.Microact, nil, metrics, log)
	go catalog.Reverts().Run(ctx)

	responder := microact.NewResponder(microact.ResponderOptions{
		Catalog: catalog,
		Emitter: emitter,
		SiteID:  cfg.Namespace,
		AssetID: "cluster",
		Params: microact.Params{
			"namespace": cfg.Namespace,
			"selector":  "aswarm.ai/quarantine=pending",
		},
		PolicyRef: microact.PolicyRef{
			PolicyID:    "aswarm-quarantine",
			VersionHash: config.GitCommit,
			Selector:    "aswarm.ai/quarantine=pending",
		},
		Log: log,
	})

	agg, err := pheromone.New(pheromone.Options{
		Plane:              plane,
		WindowMS:           cfg.Pheromone.WindowMS,
		QuorumThreshold:    cfg.Pheromone.QuorumThreshold,
		NodeScoreThreshold: cfg.Pheromone.NodeScoreThreshold,
		FastPathScore:      cfg.Pheromone.FastPathScore,
		Backoff:            cfg.Pheromone.Backoff,
		RunID:              *runID,
		Metrics:            metrics,
		Log:                log,
		OnElevation:        responder.HandleElevation,
	})
	if err != nil {
		log.Fatal("aggregator init failed", zap.Error(err))
	}

	listener, err := fastpath.NewListener(fastpath.ListenerOptions{
		BindAddr:       cfg.Fastpath.BindAddr,
		Port:           cfg.Fastpath.Port,
		Keys:           keys,
		Callback:       agg.HandleFastpath,
		RingSize:       cfg.Fastpath.RingSize,
		Workers:        cfg.Fastpath.Workers,
		StaleWindow:    cfg.Fastpath.StaleWindow,
		AllowCIDRs:     cfg.Fastpath.AllowCIDRs,
		RateCapacity:   cfg.Fastpath.RateCapacity,
		RateFillPerSec: cfg.Fastpath.RateFillPerSec,
		Metrics:        metrics,
		Log:            log,
	})
	if err != nil {
		log.Fatal("fast-path listener init failed", zap.Error(err))
	}
	listener.Start(ctx)
	log.Info("fast-path listener started", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, listener.Healthy); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		if err := agg.Run(ctx); err != nil {
			log.Error("watch loop error", zap.Error(err))
		}
	}()

	// Periodic stats line for operators tailing the logs.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("fast-path stats",
					zap.Any("counters", listener.Stats().Snapshot()),
					zap.String("mode", string(listener.Mode())))
			}
		}
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading fast-path keys")
			listener.ReloadKeys()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	listener.Stop()

	select {
	case <-watcherDone:
		log.Info("watch loop drained")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown drain timeout — forcing exit")
	}

	log.Info("A-SWARM pheromone shutdown complete")
}
