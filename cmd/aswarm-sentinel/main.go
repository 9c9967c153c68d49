// Package main — cmd/aswarm-sentinel/main.go
//
// Sentinel telemetry daemon: per-node anomaly scoring with dual-path
// emission (coordination record every tick, UDP fast path for sustained
// high-confidence observations).
//
// Startup: config → logger → control plane → collector → optional
// fast-path sender → telemetry loop. Tick-level failures log and
// continue; only startup errors are fatal.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/controlplane"
	"github.com/Connerlevi/A-Swarm/internal/fastpath"
	"github.com/Connerlevi/A-Swarm/internal/observability"
	"github.com/Connerlevi/A-Swarm/internal/sentinel"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = defaults + env)")
	runID := flag.String("run-id", "", "Run identifier scoping signals")
	triggerAnomaly := flag.Int("trigger-anomaly", 0,
		"Synthetic collector only: raise anomalous telemetry for N ticks")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("aswarm-sentinel %s (commit=%s built=%s)\n",
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	plane, err := controlplane.OpenBolt(cfg.Storage.PlaneDBPath)
	if err != nil {
		log.Fatal("control plane open failed", zap.Error(err),
			zap.String("path", cfg.Storage.PlaneDBPath))
	}
	defer plane.Close() //nolint:errcheck

	var collector sentinel.Collector
	switch cfg.Sentinel.Collector {
	case "synthetic":
		syn := sentinel.NewSyntheticCollector(1)
		if *triggerAnomaly > 0 {
			syn.TriggerAnomaly(*triggerAnomaly)
		}
		collector = syn
	default:
		collector, err = sentinel.NewProcfsCollector()
		if err != nil {
			log.Fatal("procfs collector init failed", zap.Error(err))
		}
	}

	var sender *fastpath.Sender
	if cfg.Sentinel.FastpathHost != "" {
		keys, err := fastpath.LoadKeys(nil)
		if err != nil {
			log.Fatal("fast-path key load failed", zap.Error(err))
		}
		keyID, key, ok := keys.Primary()
		if !ok {
			log.Fatal("no fast-path key available")
		}
		sender, err = fastpath.NewSender(fastpath.SenderOptions{
			Host:    cfg.Sentinel.FastpathHost,
			Port:    cfg.Fastpath.Port,
			Key:     key,
			KeyID:   keyID,
			Dupes:   cfg.Fastpath.Dupes,
			GapMS:   cfg.Fastpath.GapMS,
			NodeID:  cfg.NodeName,
			Metrics: metrics,
			Log:     log,
		})
		if err != nil {
			log.Fatal("fast-path sender init failed", zap.Error(err))
		}
		defer sender.Close() //nolint:errcheck
	} else {
		log.Info("fast path disabled (no fastpath_host configured)")
	}

	agent, err := sentinel.New(sentinel.Options{
		NodeName:          cfg.NodeName,
		Plane:             plane,
		Collector:         collector,
		Sender:            sender,
		CadenceMS:         cfg.Sentinel.CadenceMS,
		ElevateThreshold:  cfg.Sentinel.ElevateThreshold,
		FastpathThreshold: cfg.Sentinel.FastpathThreshold,
		RunID:             *runID,
		Metrics:           metrics,
		Log:               log,
	})
	if err != nil {
		log.Fatal("sentinel init failed", zap.Error(err))
	}

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr, nil); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		log.Fatal("telemetry loop failed", zap.Error(err))
	}
	log.Info("A-SWARM sentinel shutdown complete")
}
