// Package microact — probe.go
//
// Effectiveness probe. For primitives that expose one, the probe is an
// HTTP endpoint returning a small JSON object; the catalog returns that
// JSON verbatim — interpreting it is the caller's job.

package microact

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// probeTimeout bounds one effectiveness probe.
const probeTimeout = 3 * time.Second

// probeClient is shared so probes reuse connections.
var probeClient = &http.Client{Timeout: probeTimeout}

// Probe checks a completed actuation's effectiveness endpoint. The
// result map always carries a "status" key: no_probe, dry_run, error,
// or "probed" with the endpoint's JSON under "result" (the raw body
// under "raw" when it is not JSON).
func (c *Catalog) Probe(res Result) map[string]any {
	if res.ProbeEndpoint == "" {
		return map[string]any{
			"status":  "no_probe",
			"message": "no probe endpoint available",
		}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if c.policy.DryRun {
		return map[string]any{
			"status":     "dry_run",
			"probe_time": now,
			"endpoint":   res.ProbeEndpoint,
		}
	}

	resp, err := probeClient.Get(res.ProbeEndpoint)
	if err != nil {
		return map[string]any{
			"status":   "error",
			"endpoint": res.ProbeEndpoint,
			"message":  err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return map[string]any{
			"status":   "error",
			"endpoint": res.ProbeEndpoint,
			"message":  err.Error(),
		}
	}

	out := map[string]any{
		"status":     "probed",
		"probe_time": now,
		"endpoint":   res.ProbeEndpoint,
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		out["result"] = payload
	} else {
		out["raw"] = string(body)
	}
	return out
}
