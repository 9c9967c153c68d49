// Package main — cmd/aswarm-microact/main.go
//
// Micro-act catalog CLI: list the catalog, execute one action, probe
// its effectiveness. Operator tooling — the daemon path goes through
// the Pheromone responder.
//
// Usage:
//   aswarm-microact -list [-ring N]
//   aswarm-microact -execute networkpolicy_isolate \
//       -params '{"namespace":"prod","selector":"app=api"}' [-dry-run=false]

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/microact"
	"github.com/Connerlevi/A-Swarm/internal/observability"
)

func main() {
	list := flag.Bool("list", false, "List catalog actions")
	ring := flag.Int("ring", 0, "Filter -list by ring (1-5)")
	execute := flag.String("execute", "", "Execute action by id")
	paramsJSON := flag.String("params", "", "JSON parameters for -execute")
	dryRun := flag.String("dry-run", "", "Override dry-run mode (true/false)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("aswarm-microact %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	switch *dryRun {
	case "true":
		cfg.Microact.DryRun = true
	case "false":
		cfg.Microact.DryRun = false
	case "":
		// ASWARM_DRY_RUN / ASWARM_MAX_RING already applied by Load.
	default:
		fmt.Fprintln(os.Stderr, "error: -dry-run must be true or false")
		os.Exit(2)
	}

	log, err := observability.BuildLogger("warn", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	catalog := microact.NewCatalog(cfg.Microact, nil, nil, log)

	mode := "LIVE"
	if cfg.Microact.DryRun {
		mode = "DRY RUN"
	}
	fmt.Printf("\n[Mode: %s] [Max Ring: %d]\n\n", mode, cfg.Microact.MaxRing)

	switch {
	case *list:
		actions := catalog.List(microact.Ring(*ring))
		fmt.Printf("Available micro-acts (%d total):\n\n", len(actions))
		for _, a := range actions {
			fmt.Printf("[Ring %d] %s\n", a.Ring, a.ID)
			fmt.Printf("  Name: %s\n", a.Name)
			fmt.Printf("  Desc: %s\n", a.Description)
			fmt.Printf("  TTL:  %ds\n", a.TTLSeconds)
			if len(a.Requires) > 0 {
				fmt.Printf("  Required: %v\n", a.Requires)
			}
			if len(a.Optional) > 0 {
				fmt.Printf("  Optional: %v\n", a.Optional)
			}
			fmt.Println()
		}

	case *execute != "":
		if *paramsJSON == "" {
			fmt.Fprintln(os.Stderr, "error: -params required for -execute")
			os.Exit(2)
		}
		var params microact.Params
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid JSON parameters: %v\n", err)
			os.Exit(2)
		}

		res := catalog.Execute(*execute, params)
		fmt.Println("Execution result:")
		fmt.Printf("  Success: %v\n", res.Success)
		fmt.Printf("  Message: %s\n", res.Message)
		if res.RevertHandle != "" {
			fmt.Printf("  Revert:  %s\n", res.RevertHandle)
		}
		if !res.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", res.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		if res.Proof != nil {
			proof, _ := json.MarshalIndent(res.Proof, "  ", "  ")
			fmt.Printf("  Proof:   %s\n", proof)
		}

		if res.Success && res.ProbeEndpoint != "" {
			fmt.Println("\nProbing effectiveness...")
			probe := catalog.Probe(res)
			out, _ := json.MarshalIndent(probe, "  ", "  ")
			fmt.Printf("  %s\n", out)
		}
		if !res.Success {
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}
