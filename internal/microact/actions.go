// Package microact — actions.go
//
// Primitive implementations and their reverts.
//
// Only pod network isolation shells out to the orchestrator CLI; the
// remaining primitives need integrations (node agent, IdP, CoreDNS)
// that live outside this repository, so live execution returns an
// honest failure while DRY_RUN simulates the full result shape.
//
// Revert handles encode each primitive's natural keys
// (namespace/policy, host/pid, ...) so a revert needs no table lookup
// beyond the handle itself. All reverts are idempotent: a not-found
// during revert is success.

package microact

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// runTimeout bounds one external command.
const runTimeout = 10 * time.Second

// Runner executes external orchestration commands. Injected so tests
// and the simulator never shell out.
type Runner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// ExecRunner shells to the real CLI.
type ExecRunner struct{}

// Run implements Runner via os/exec.
func (ExecRunner) Run(ctx context.Context, argv []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// apply dispatches to the per-action implementation.
func (c *Catalog) apply(def Definition, params Params, ttl time.Duration, proof *Proof) Result {
	switch def.ID {
	case "log_anomaly":
		return c.applyLogAnomaly(params, proof)
	case "networkpolicy_isolate":
		return c.applyNetworkIsolate(params, ttl, proof)
	case "egress_rate_limit":
		return c.applySimulated(def, params, proof,
			fmt.Sprintf("%v/%v/%v", params["host"], orDefault(params, "interface", "eth0"), params["rate_mbps"]),
			fmt.Sprintf("http://%v:9100/metrics", params["host"]),
			"egress rate limiting requires the node agent")
	case "dns_sinkhole":
		return c.applySimulated(def, params, proof,
			fmt.Sprintf("%v/%v/%v", params["namespace"], params["selector"], orDefault(params, "sinkhole_ip", "10.0.0.254")),
			fmt.Sprintf("http://dns-probe.%v.svc:8053/metrics", params["namespace"]),
			"DNS sinkhole requires the CoreDNS integration")
	case "process_freeze":
		return c.applySimulated(def, params, proof,
			fmt.Sprintf("%v/%v", params["host"], params["pid"]),
			fmt.Sprintf("http://%v:9100/metrics", params["host"]),
			"process freeze requires the node agent")
	case "token_revoke":
		return c.applySimulated(def, params, proof,
			fmt.Sprintf("%v/%v/%v", params["provider"], params["user_id"], orDefault(params, "scope", "all")),
			fmt.Sprintf("https://%v/api/v1/users/%v/status", params["provider"], params["user_id"]),
			"token revocation requires the IdP integration")
	case "container_pause":
		return c.applySimulated(def, params, proof,
			fmt.Sprintf("%v/%v/%v", params["namespace"], params["pod"], params["container"]),
			fmt.Sprintf("http://probe.%v.svc:8080/container/%v", params["namespace"], params["container"]),
			"container pause requires the node agent")
	default:
		return Result{Success: false, Message: fmt.Sprintf("action %s not implemented", def.ID)}
	}
}

// orDefault fetches an optional string parameter.
func orDefault(params Params, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// applyLogAnomaly emits the structured anomaly event. Always succeeds;
// logging has no TTL and no revert.
func (c *Catalog) applyLogAnomaly(params Params, proof *Proof) Result {
	severity := "medium"
	if score, err := toFloat(params["score"]); err == nil && score > 0.8 {
		severity = "high"
	}
	c.log.Warn("anomaly detected",
		zap.Any("asset_id", params["asset_id"]),
		zap.Any("anomaly_type", params["anomaly_type"]),
		zap.Any("anomaly_score", params["score"]),
		zap.String("severity", severity),
		zap.String("params_hash", proof.ParamsHash))
	return Result{
		Success:   true,
		Message:   fmt.Sprintf("logged anomaly for %v", params["asset_id"]),
		AppliedAt: time.Now().UTC(),
		Proof:     proof,
	}
}

// applySimulated covers primitives whose live path needs an external
// integration: DRY_RUN produces the full result shape, live returns an
// honest failure.
func (c *Catalog) applySimulated(def Definition, params Params, proof *Proof, handle, probe, liveMsg string) Result {
	if !c.policy.DryRun {
		return Result{Success: false, Message: liveMsg + " (not implemented)"}
	}
	proof.Resource = def.ID + "/" + handle
	return Result{
		Success:       true,
		Message:       fmt.Sprintf("[dry-run] would apply %s", def.ID),
		RevertHandle:  handle,
		ProbeEndpoint: probe,
		AppliedAt:     time.Now().UTC(),
		Proof:         proof,
	}
}

// networkPolicy models the rendered isolation manifest: deny-all with
// DNS egress to the cluster resolver so the workload stays debuggable.
type networkPolicy struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   map[string]any `yaml:"metadata"`
	Spec       map[string]any `yaml:"spec"`
}

// renderIsolationPolicy builds the manifest for a selector.
func renderIsolationPolicy(name, namespace, selector string, ttl time.Duration) ([]byte, error) {
	matchLabels := map[string]string{}
	for _, part := range strings.Split(selector, ",") {
		if k, v, ok := strings.Cut(part, "="); ok {
			matchLabels[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	policy := networkPolicy{
		APIVersion: "networking.k8s.io/v1",
		Kind:       "NetworkPolicy",
		Metadata: map[string]any{
			"name":      name,
			"namespace": namespace,
			"labels": map[string]string{
				"aswarm.ai/action": "networkpolicy-isolate",
				"aswarm.ai/ttl":    fmt.Sprintf("%d", int(ttl.Seconds())),
			},
		},
		Spec: map[string]any{
			"podSelector": map[string]any{"matchLabels": matchLabels},
			"policyTypes": []string{"Ingress", "Egress"},
			"ingress":     []any{},
			"egress": []any{
				map[string]any{
					"to": []any{
						map[string]any{
							"namespaceSelector": map[string]any{
								"matchLabels": map[string]string{
									"kubernetes.io/metadata.name": "kube-system",
								},
							},
							"podSelector": map[string]any{
								"matchLabels": map[string]string{"k8s-app": "kube-dns"},
							},
						},
					},
					"ports": []any{
						map[string]any{"protocol": "UDP", "port": 53},
						map[string]any{"protocol": "TCP", "port": 53},
					},
				},
			},
		},
	}
	return yaml.Marshal(policy)
}

// applyNetworkIsolate applies the isolation policy via the orchestrator
// CLI (or simulates it in DRY_RUN).
func (c *Catalog) applyNetworkIsolate(params Params, ttl time.Duration, proof *Proof) Result {
	namespace, _ := params["namespace"].(string)
	selector, _ := params["selector"].(string)
	policyName := fmt.Sprintf("aswarm-isolate-%d", time.Now().Unix())
	handle := namespace + "/" + policyName

	proof.Resource = "NetworkPolicy/" + handle

	if c.policy.DryRun {
		c.log.Info("[dry-run] would apply network isolation",
			zap.String("namespace", namespace),
			zap.String("selector", selector),
			zap.String("policy", policyName))
		return Result{
			Success:       true,
			Message:       fmt.Sprintf("[dry-run] would isolate %s in %s", selector, namespace),
			RevertHandle:  handle,
			ProbeEndpoint: fmt.Sprintf("http://probe.%s.svc:8080/network", namespace),
			AppliedAt:     time.Now().UTC(),
			Proof:         proof,
		}
	}

	manifest, err := renderIsolationPolicy(policyName, namespace, selector, ttl)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("render policy: %v", err)}
	}

	tmp, err := os.CreateTemp("", "aswarm-isolate-*.yaml")
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("write policy: %v", err)}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(manifest); err != nil {
		tmp.Close()
		return Result{Success: false, Message: fmt.Sprintf("write policy: %v", err)}
	}
	tmp.Close()

	if out, err := c.runner.Run(context.Background(), []string{"kubectl", "apply", "-f", tmp.Name()}); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("apply NetworkPolicy: %v: %s", err, out)}
	}

	return Result{
		Success:       true,
		Message:       fmt.Sprintf("applied network isolation to %s in %s", selector, namespace),
		RevertHandle:  handle,
		ProbeEndpoint: fmt.Sprintf("http://probe.%s.svc:8080/network", namespace),
		AppliedAt:     time.Now().UTC(),
		Proof:         proof,
	}
}

// revertAction undoes one primitive by handle. Invoked by the TTL
// monitor; failures log at the caller and are not retried.
func (c *Catalog) revertAction(actionID, handle string) error {
	if c.policy.DryRun {
		c.log.Info("[dry-run] would revert",
			zap.String("action", actionID), zap.String("handle", handle))
		return nil
	}

	switch actionID {
	case "networkpolicy_isolate":
		namespace, policy, ok := strings.Cut(handle, "/")
		if !ok {
			return fmt.Errorf("malformed revert handle %q", handle)
		}
		_, err := c.runner.Run(context.Background(), []string{
			"kubectl", "delete", "networkpolicy", policy,
			"-n", namespace, "--ignore-not-found=true",
		})
		return err
	case "egress_rate_limit", "dns_sinkhole", "process_freeze", "token_revoke", "container_pause":
		return fmt.Errorf("%s revert requires its external integration", actionID)
	default:
		return fmt.Errorf("no revert defined for action %q", actionID)
	}
}
