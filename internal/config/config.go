// Package config provides configuration loading and validation for the
// A-SWARM components.
//
// Configuration file: read only when a path is given (e.g.
// /etc/aswarm/config.yaml); an empty path yields defaults plus
// environment overrides.
// Schema version: 1
//
// Precedence:
//   - Typed defaults (Defaults()).
//   - YAML file values (unknown keys are rejected — strict decoding).
//   - Environment overrides for the documented ASWARM_* variables
//     (ASWARM_DRY_RUN, ASWARM_MAX_RING). Fast-path keys are loaded by
//     the fastpath package (ASWARM_FASTPATH_KEY / _KEY_ID / _KEYS).
//
// Validation:
//   - All numeric ranges enforced (window 50–500 ms, ring 1–5, ...).
//   - Invalid config on startup: the process refuses to start.
//   - The validated Config is threaded through constructors; there are
//     no package-level mode flags.

package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure shared by all A-SWARM
// binaries. Each binary reads only the sections it needs.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeName overrides the derived node identity (NODE_NAME / hostname).
	NodeName string `yaml:"node_name"`

	// Namespace scopes control-plane record names in logs; the plane
	// implementations are already namespace-bound.
	Namespace string `yaml:"namespace"`

	// Fastpath configures the authenticated UDP channel.
	Fastpath FastpathConfig `yaml:"fastpath"`

	// Sentinel configures the per-node telemetry agent.
	Sentinel SentinelConfig `yaml:"sentinel"`

	// Pheromone configures the quorum aggregator.
	Pheromone PheromoneConfig `yaml:"pheromone"`

	// Microact configures the actuation catalog policy envelope.
	Microact MicroactConfig `yaml:"microact"`

	// Storage configures the bbolt archive.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// FastpathConfig holds the UDP fast-path parameters shared by sender
// and receiver.
type FastpathConfig struct {
	// BindAddr is the receiver bind address. Default: 0.0.0.0.
	BindAddr string `yaml:"bind_addr"`

	// Port is the UDP port. Default: 8888.
	Port int `yaml:"port"`

	// RingSize is the receive ring buffer capacity (drop-oldest).
	// Default: 10000.
	RingSize int `yaml:"ring_size"`

	// Workers is the validation worker count. 0 means 2×CPU capped at 32.
	Workers int `yaml:"workers"`

	// StaleWindow is the payload-level staleness bound. The header-level
	// bound is fixed at 5 s. Default: 60s.
	StaleWindow time.Duration `yaml:"stale_window"`

	// AllowCIDRs optionally restricts accepted source addresses.
	AllowCIDRs []string `yaml:"allow_cidrs"`

	// RateCapacity and RateFillPerSec bound per-source-IP packet rates.
	// Defaults: 100 tokens, 50/s.
	RateCapacity   float64 `yaml:"rate_capacity"`
	RateFillPerSec float64 `yaml:"rate_fill_per_sec"`

	// Dupes and GapMS control sender duplicate emission. Defaults: 3, 6.
	Dupes int `yaml:"dupes"`
	GapMS int `yaml:"gap_ms"`
}

// SentinelConfig holds the telemetry agent parameters.
type SentinelConfig struct {
	// CadenceMS is the scoring tick interval. Range 30–150. Default: 100.
	CadenceMS int `yaml:"cadence_ms"`

	// ElevateThreshold is the per-tick "high" score bound for hysteresis.
	// Default: 0.7.
	ElevateThreshold float64 `yaml:"elevate_threshold"`

	// FastpathThreshold is the score at which a tick also emits a UDP
	// datagram. Default: 0.90.
	FastpathThreshold float64 `yaml:"fastpath_threshold"`

	// FastpathHost is the Pheromone service address; empty disables the
	// fast path.
	FastpathHost string `yaml:"fastpath_host"`

	// Collector selects the telemetry source: "procfs" or "synthetic".
	// Default: procfs.
	Collector string `yaml:"collector"`
}

// PheromoneConfig holds the quorum aggregator parameters.
type PheromoneConfig struct {
	// WindowMS is the sliding window width. Range 50–500. Default: 80.
	WindowMS int `yaml:"window_ms"`

	// QuorumThreshold is the minimum distinct witnesses. Default: 3.
	QuorumThreshold int `yaml:"quorum_threshold"`

	// NodeScoreThreshold is the mean-score bound for the hysteresis path.
	// Default: 0.7.
	NodeScoreThreshold float64 `yaml:"node_score_threshold"`

	// FastPathScore is the p95 bound for single-window elevation.
	// Default: 0.90.
	FastPathScore float64 `yaml:"fast_path_score"`

	// Backoff is the minimum interval between elevations. Default: 2s.
	Backoff time.Duration `yaml:"backoff"`
}

// MicroactConfig is the typed policy envelope for the actuation catalog.
type MicroactConfig struct {
	// MaxRing bounds actuation blast radius. Range 1–5. Default: 3.
	// Overridden by ASWARM_MAX_RING.
	MaxRing int `yaml:"max_ring"`

	// DryRun disables external command execution. Default: true.
	// Overridden by ASWARM_DRY_RUN.
	DryRun bool `yaml:"dry_run"`

	// CertDir is where certificate JSON files are written for the
	// evidence collaborator. Empty disables file output (the bbolt
	// archive still records every certificate).
	CertDir string `yaml:"cert_dir"`

	// SigningKey signs certificates (raw / hex: / base64:). Empty
	// produces unsigned certificates with a warning.
	SigningKey string `yaml:"signing_key"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	// DBPath is the certificate archive file.
	// Default: /var/lib/aswarm/aswarm.db.
	DBPath string `yaml:"db_path"`

	// PlaneDBPath is the durable control-plane file used by single-node
	// deployments. Default: /var/lib/aswarm/plane.db.
	PlaneDBPath string `yaml:"plane_db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9000.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Namespace:     "aswarm",
		Fastpath: FastpathConfig{
			BindAddr:       "0.0.0.0",
			Port:           8888,
			RingSize:       10000,
			Workers:        0,
			StaleWindow:    60 * time.Second,
			RateCapacity:   100,
			RateFillPerSec: 50,
			Dupes:          3,
			GapMS:          6,
		},
		Sentinel: SentinelConfig{
			CadenceMS:         100,
			ElevateThreshold:  0.7,
			FastpathThreshold: 0.90,
			Collector:         "procfs",
		},
		Pheromone: PheromoneConfig{
			WindowMS:           80,
			QuorumThreshold:    3,
			NodeScoreThreshold: 0.7,
			FastPathScore:      0.90,
			Backoff:            2 * time.Second,
		},
		Microact: MicroactConfig{
			MaxRing: 3,
			DryRun:  true,
		},
		Storage: StorageConfig{
			DBPath:      "/var/lib/aswarm/aswarm.db",
			PlaneDBPath: "/var/lib/aswarm/plane.db",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9000",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads, merges, and validates a config file. An empty path loads
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies the documented environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ASWARM_DRY_RUN"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			cfg.Microact.DryRun = true
		default:
			cfg.Microact.DryRun = false
		}
	}
	if v := os.Getenv("ASWARM_MAX_RING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Microact.MaxRing = n
		}
	}
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Fastpath.Port < 1 || cfg.Fastpath.Port > 65535 {
		errs = append(errs, fmt.Sprintf("fastpath.port must be in [1, 65535], got %d", cfg.Fastpath.Port))
	}
	if cfg.Fastpath.RingSize < 100 {
		errs = append(errs, fmt.Sprintf("fastpath.ring_size must be >= 100, got %d", cfg.Fastpath.RingSize))
	}
	if cfg.Fastpath.Workers < 0 || cfg.Fastpath.Workers > 64 {
		errs = append(errs, fmt.Sprintf("fastpath.workers must be in [0, 64], got %d", cfg.Fastpath.Workers))
	}
	if cfg.Fastpath.RateCapacity < 1 {
		errs = append(errs, fmt.Sprintf("fastpath.rate_capacity must be >= 1, got %g", cfg.Fastpath.RateCapacity))
	}
	if cfg.Fastpath.RateFillPerSec <= 0 {
		errs = append(errs, fmt.Sprintf("fastpath.rate_fill_per_sec must be > 0, got %g", cfg.Fastpath.RateFillPerSec))
	}
	if cfg.Fastpath.Dupes < 1 || cfg.Fastpath.Dupes > 3 {
		errs = append(errs, fmt.Sprintf("fastpath.dupes must be in [1, 3], got %d", cfg.Fastpath.Dupes))
	}
	if cfg.Sentinel.CadenceMS < 30 || cfg.Sentinel.CadenceMS > 150 {
		errs = append(errs, fmt.Sprintf("sentinel.cadence_ms must be in [30, 150], got %d", cfg.Sentinel.CadenceMS))
	}
	if cfg.Sentinel.ElevateThreshold < 0 || cfg.Sentinel.ElevateThreshold > 1 {
		errs = append(errs, fmt.Sprintf("sentinel.elevate_threshold must be in [0, 1], got %g", cfg.Sentinel.ElevateThreshold))
	}
	if cfg.Sentinel.FastpathThreshold < 0 || cfg.Sentinel.FastpathThreshold > 1 {
		errs = append(errs, fmt.Sprintf("sentinel.fastpath_threshold must be in [0, 1], got %g", cfg.Sentinel.FastpathThreshold))
	}
	switch cfg.Sentinel.Collector {
	case "procfs", "synthetic":
	default:
		errs = append(errs, fmt.Sprintf("sentinel.collector must be procfs or synthetic, got %q", cfg.Sentinel.Collector))
	}
	if cfg.Pheromone.WindowMS < 50 || cfg.Pheromone.WindowMS > 500 {
		errs = append(errs, fmt.Sprintf("pheromone.window_ms must be in [50, 500], got %d", cfg.Pheromone.WindowMS))
	}
	if cfg.Pheromone.QuorumThreshold < 1 {
		errs = append(errs, fmt.Sprintf("pheromone.quorum_threshold must be >= 1, got %d", cfg.Pheromone.QuorumThreshold))
	}
	if cfg.Pheromone.Backoff < 0 {
		errs = append(errs, fmt.Sprintf("pheromone.backoff must be >= 0, got %s", cfg.Pheromone.Backoff))
	}
	if cfg.Microact.MaxRing < 1 || cfg.Microact.MaxRing > 5 {
		errs = append(errs, fmt.Sprintf("microact.max_ring must be in [1, 5], got %d", cfg.Microact.MaxRing))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
