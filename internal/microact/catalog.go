// Package microact implements the bounded-authority actuation catalog:
// a small fixed set of containment primitives, each classified by ring
// (1 = observable … 5 = physical), validated, applied with a TTL, and
// auto-reverted by the TTL monitor.
//
// Policy envelope: a typed {MaxRing, DryRun} pair threaded in at
// construction. Requests above MaxRing fail before any primitive is
// contacted. In DryRun no external command runs; the result shape is
// identical except the proof is marked dry-run.
//
// Failure policy: the catalog returns failures as values, never as
// panics or propagated errors — an actuation failure is a Result with
// Success=false, a human message, and no revert handle.

package microact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/config"
	"github.com/Connerlevi/A-Swarm/internal/observability"
)

// Ring classifies containment actions by blast radius.
type Ring int

const (
	// Ring1 — observable: logs, alerts, metrics.
	Ring1 Ring = 1
	// Ring2 — reversible: network isolation, rate limits.
	Ring2 Ring = 2
	// Ring3 — disruptive: process freeze, token revoke.
	Ring3 Ring = 3
	// Ring4 — persistent: ban lists, config changes. Reserved.
	Ring4 Ring = 4
	// Ring5 — physical: power cycle, console access. Reserved.
	Ring5 Ring = 5
)

// controllerName tags proofs with the producing controller generation.
const controllerName = "microact-v2"

// Definition describes one catalog entry.
type Definition struct {
	ID            string
	Ring          Ring
	Name          string
	Description   string
	TTLSeconds    int
	SupportsProbe bool
	Requires      []string
	Optional      []string
}

// Params is the canonical parameter map for an actuation.
type Params map[string]any

// Proof binds an actuation to its inputs for the certificate.
type Proof struct {
	ActionID   string `json:"action_id"`
	ParamsHash string `json:"params_hash"`
	Controller string `json:"controller"`
	DryRun     bool   `json:"dry_run"`
	Timestamp  string `json:"timestamp"`
	Resource   string `json:"resource,omitempty"`
}

// Result is the outcome of one Execute call.
type Result struct {
	Success       bool
	Message       string
	RevertHandle  string
	ProbeEndpoint string
	AppliedAt     time.Time
	ExpiresAt     time.Time
	Proof         *Proof
}

// Catalog is the fixed action registry plus its policy envelope.
type Catalog struct {
	defs    map[string]Definition
	policy  config.MicroactConfig
	runner  Runner
	reverts *RevertTable
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewCatalog builds the fixed catalog. runner may be nil in pure
// dry-run use.
func NewCatalog(policy config.MicroactConfig, runner Runner, metrics *observability.Metrics, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	c := &Catalog{
		defs:    make(map[string]Definition),
		policy:  policy,
		runner:  runner,
		metrics: metrics,
		log:     log,
	}
	c.reverts = NewRevertTable(c.revertAction, metrics, log)
	c.registerAll()
	return c
}

// registerAll installs the fixed catalog. Rings 4 and 5 are reserved.
func (c *Catalog) registerAll() {
	for _, d := range []Definition{
		{
			ID: "log_anomaly", Ring: Ring1, Name: "Log Anomaly",
			Description: "Write structured anomaly event to the SIEM stream",
			TTLSeconds:  0, SupportsProbe: false,
			Requires: []string{"asset_id", "anomaly_type", "score"},
		},
		{
			ID: "networkpolicy_isolate", Ring: Ring2, Name: "Pod Network Isolation",
			Description: "Apply a deny-all NetworkPolicy with DNS egress",
			TTLSeconds:  300, SupportsProbe: true,
			Requires: []string{"namespace", "selector"},
			Optional: []string{"ttl_seconds"},
		},
		{
			ID: "egress_rate_limit", Ring: Ring2, Name: "Egress Rate Limit",
			Description: "Apply a per-host egress bandwidth limit",
			TTLSeconds:  300, SupportsProbe: true,
			Requires: []string{"host", "rate_mbps"},
			Optional: []string{"interface", "ttl_seconds"},
		},
		{
			ID: "dns_sinkhole", Ring: Ring2, Name: "DNS Sinkhole",
			Description: "Redirect DNS queries to a sinkhole for analysis",
			TTLSeconds:  600, SupportsProbe: true,
			Requires: []string{"namespace", "selector"},
			Optional: []string{"sinkhole_ip", "ttl_seconds"},
		},
		{
			ID: "process_freeze", Ring: Ring3, Name: "Process Freeze",
			Description: "Freeze process execution via the cgroup freezer",
			TTLSeconds:  120, SupportsProbe: true,
			Requires: []string{"host", "pid"},
			Optional: []string{"ttl_seconds"},
		},
		{
			ID: "token_revoke", Ring: Ring3, Name: "IdP Token Revoke",
			Description: "Revoke identity-provider tokens for a compromised identity",
			TTLSeconds:  3600, SupportsProbe: true,
			Requires: []string{"provider", "user_id"},
			Optional: []string{"scope", "ttl_seconds"},
		},
		{
			ID: "container_pause", Ring: Ring3, Name: "Container Pause",
			Description: "Pause container execution preserving state",
			TTLSeconds:  180, SupportsProbe: true,
			Requires: []string{"namespace", "pod", "container"},
			Optional: []string{"ttl_seconds"},
		},
	} {
		c.defs[d.ID] = d
	}
}

// List returns the catalog, optionally filtered by ring, sorted by
// (ring, id).
func (c *Catalog) List(ring Ring) []Definition {
	var out []Definition
	for _, d := range c.defs {
		if ring != 0 && d.Ring != ring {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ring != out[j].Ring {
			return out[i].Ring < out[j].Ring
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns an action definition by id.
func (c *Catalog) Get(actionID string) (Definition, bool) {
	d, ok := c.defs[actionID]
	return d, ok
}

// Reverts exposes the TTL table (for the monitor goroutine and tests).
func (c *Catalog) Reverts() *RevertTable {
	return c.reverts
}

// Execute validates and applies one action. Failures come back as
// values; a Result with Success=false never has a revert handle.
func (c *Catalog) Execute(actionID string, params Params) Result {
	def, ok := c.defs[actionID]
	if !ok {
		return c.fail(actionID, fmt.Sprintf("unknown action: %s", actionID))
	}

	if int(def.Ring) > c.policy.MaxRing {
		return c.fail(actionID, fmt.Sprintf(
			"action %s (ring %d) exceeds max ring %d", actionID, def.Ring, c.policy.MaxRing))
	}

	var missing []string
	for _, req := range def.Requires {
		if _, ok := params[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return c.fail(actionID, fmt.Sprintf("missing required parameters: %v", missing))
	}

	if msg := validateParams(params); msg != "" {
		return c.fail(actionID, msg)
	}

	ttl := time.Duration(def.TTLSeconds) * time.Second
	if v, ok := params["ttl_seconds"]; ok {
		if n, err := toInt(v); err == nil && n >= 0 {
			ttl = time.Duration(n) * time.Second
		}
	}

	proof := computeProof(actionID, params, c.policy.DryRun)

	c.log.Info("executing micro-act",
		zap.String("action", actionID),
		zap.Int("ring", int(def.Ring)),
		zap.Bool("dry_run", c.policy.DryRun),
		zap.Duration("ttl", ttl))

	res := c.apply(def, params, ttl, proof)
	outcome := "applied"
	if !res.Success {
		outcome = "failed"
	}
	c.metrics.ActuationsTotal.WithLabelValues(actionID, outcome).Inc()

	if res.Success && res.RevertHandle != "" && ttl > 0 {
		c.reverts.Schedule(actionID, res.RevertHandle, ttl)
		res.ExpiresAt = res.AppliedAt.Add(ttl)
	}
	return res
}

// fail records and returns an actuation failure.
func (c *Catalog) fail(actionID, msg string) Result {
	c.metrics.ActuationsTotal.WithLabelValues(actionID, "rejected").Inc()
	c.log.Warn("actuation rejected",
		zap.String("action", actionID), zap.String("message", msg))
	return Result{Success: false, Message: msg}
}

// validateParams runs the cross-field checks shared by all actions.
// Returns a human message on the first violation, empty when clean.
func validateParams(params Params) string {
	if v, ok := params["rate_mbps"]; ok {
		n, err := toFloat(v)
		if err != nil || n <= 0 {
			return "invalid rate_mbps: must be positive"
		}
	}
	if v, ok := params["selector"]; ok {
		s, _ := v.(string)
		if strings.TrimSpace(s) == "" {
			return "invalid selector: cannot be empty"
		}
	}
	if v, ok := params["pid"]; ok {
		if _, err := toInt(v); err != nil {
			return "invalid pid: must be integer"
		}
	}
	return ""
}

// computeProof hashes the canonicalized parameter map. encoding/json
// emits map keys sorted, which is the canonical form the hash law
// depends on.
func computeProof(actionID string, params Params, dryRun bool) *Proof {
	canonical, _ := json.Marshal(params)
	sum := sha256.Sum256([]byte(actionID + ":" + string(canonical)))
	return &Proof{
		ActionID:   actionID,
		ParamsHash: hex.EncodeToString(sum[:])[:16],
		Controller: controllerName,
		DryRun:     dryRun,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// toInt accepts JSON-shaped numerics and numeric strings.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// toFloat accepts JSON-shaped numerics and numeric strings.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
