// Package microact — certificate.go
//
// Action certificates: the tamper-evident record of one
// detection→actuation cycle.
//
// The certificate document is the indented JSON encoding of the
// Certificate struct; the signature is HMAC-SHA-256 over exactly those
// bytes, recorded alongside (never inside) the document. Without a
// signing key the certificate is emitted unsigned with a warning.
//
// Clock discipline: the monotonic MTTD/MTTR values are authoritative
// (mttd_ms, mttr_s). The wall-clock values and the skew between the two
// clocks are exposed for audit only — downstream consumers must not
// prefer them.

package microact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Connerlevi/A-Swarm/internal/observability"
	"github.com/Connerlevi/A-Swarm/internal/signal"
	"github.com/Connerlevi/A-Swarm/internal/storage"
)

// Timestamps are the certificate's wall-clock markers.
type Timestamps struct {
	AnomalyStart       string `json:"anomaly_start,omitempty"`
	DetectElevated     string `json:"detect_elevated"`
	ActuationStart     string `json:"actuation_start"`
	ActuationEffective string `json:"actuation_effective"`
	RevertScheduled    string `json:"revert_scheduled,omitempty"`
}

// PolicyRef names the policy that authorized the action.
type PolicyRef struct {
	PolicyID    string `json:"policy_id"`
	VersionHash string `json:"version_hash"`
	Selector    string `json:"selector,omitempty"`
}

// ActionDesc describes the applied containment primitive.
type ActionDesc struct {
	Ring       int    `json:"ring"`
	Kind       string `json:"kind"`
	Params     Params `json:"params"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Outcome records what the actuation achieved.
type Outcome struct {
	Status             string  `json:"status"`
	ProbeAttempts      int     `json:"probe_attempts"`
	ContainmentDelayMS float64 `json:"containment_delay_ms"`
	Notes              string  `json:"notes,omitempty"`
}

// CertMetrics carries the detect/respond timings. Monotonic values are
// authoritative; wall values are audit-only.
type CertMetrics struct {
	MTTDms      float64 `json:"mttd_ms"`
	MTTRs       float64 `json:"mttr_s"`
	MTTDmsWall  float64 `json:"mttd_ms_wall"`
	MTTRsWall   float64 `json:"mttr_s_wall"`
	ClockSkewMS float64 `json:"clock_skew_ms"`
}

// Certificate is the signed record of one detection→actuation cycle.
type Certificate struct {
	CertificateID    string            `json:"certificate_id"`
	SiteID           string            `json:"site_id"`
	AssetID          string            `json:"asset_id"`
	Timestamps       Timestamps        `json:"timestamps"`
	ElevationContext *signal.Elevation `json:"elevation_context,omitempty"`
	Policy           PolicyRef         `json:"policy"`
	Action           ActionDesc        `json:"action"`
	Outcome          Outcome           `json:"outcome"`
	Metrics          CertMetrics       `json:"metrics"`
	Proof            *Proof            `json:"proof,omitempty"`
}

// Timing holds the measurement points of one cycle. All values must
// come from time.Now() on the same process so the embedded monotonic
// reading is usable.
type Timing struct {
	AnomalyStart       time.Time
	DetectElevated     time.Time
	ActuationStart     time.Time
	ActuationEffective time.Time
	RevertScheduled    time.Time
}

// ComputeMetrics derives MTTD/MTTR from both clocks plus their skew.
// Monotonic deltas come from time.Sub on monotonic-bearing values; wall
// deltas from the same instants with the monotonic reading stripped.
func (t Timing) ComputeMetrics() CertMetrics {
	monoMTTD := t.DetectElevated.Sub(t.AnomalyStart)
	monoMTTR := t.ActuationEffective.Sub(t.DetectElevated)

	wallMTTD := t.DetectElevated.Round(0).Sub(t.AnomalyStart.Round(0))
	wallMTTR := t.ActuationEffective.Round(0).Sub(t.DetectElevated.Round(0))

	mttdMS := float64(monoMTTD.Microseconds()) / 1000.0
	wallMS := float64(wallMTTD.Microseconds()) / 1000.0

	return CertMetrics{
		MTTDms:      mttdMS,
		MTTRs:       monoMTTR.Seconds(),
		MTTDmsWall:  wallMS,
		MTTRsWall:   wallMTTR.Seconds(),
		ClockSkewMS: wallMS - mttdMS,
	}
}

// timestamps renders the Timing into the certificate's wall markers.
func (t Timing) timestamps() Timestamps {
	fmtTS := func(v time.Time) string {
		if v.IsZero() {
			return ""
		}
		return v.UTC().Format(time.RFC3339Nano)
	}
	return Timestamps{
		AnomalyStart:       fmtTS(t.AnomalyStart),
		DetectElevated:     fmtTS(t.DetectElevated),
		ActuationStart:     fmtTS(t.ActuationStart),
		ActuationEffective: fmtTS(t.ActuationEffective),
		RevertScheduled:    fmtTS(t.RevertScheduled),
	}
}

// NewCertificate assembles a certificate with a fresh identifier.
func NewCertificate(siteID, assetID string, elev *signal.Elevation, policy PolicyRef,
	action ActionDesc, outcome Outcome, timing Timing, proof *Proof) *Certificate {
	return &Certificate{
		CertificateID:    uuid.NewString(),
		SiteID:           siteID,
		AssetID:          assetID,
		Timestamps:       timing.timestamps(),
		ElevationContext: elev,
		Policy:           policy,
		Action:           action,
		Outcome:          outcome,
		Metrics:          timing.ComputeMetrics(),
		Proof:            proof,
	}
}

// Bytes renders the canonical document form (the signed bytes).
func (c *Certificate) Bytes() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Sign computes the hex HMAC-SHA-256 over the document bytes.
func Sign(doc, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(doc)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a recorded signature in constant time.
func VerifySignature(doc []byte, sigHex string, key []byte) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(doc)
	return hmac.Equal(want, mac.Sum(nil))
}

// Emitter persists certificates: always into the bbolt archive, and as
// JSON files (plus .sig) when a directory is configured.
type Emitter struct {
	signingKey []byte
	store      *storage.CertStore
	dir        string
	metrics    *observability.Metrics
	log        *zap.Logger
}

// NewEmitter creates an Emitter. store is required; signingKey and dir
// are optional.
func NewEmitter(signingKey []byte, store *storage.CertStore, dir string,
	metrics *observability.Metrics, log *zap.Logger) (*Emitter, error) {
	if store == nil {
		return nil, fmt.Errorf("microact: certificate store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Emitter{
		signingKey: signingKey,
		store:      store,
		dir:        dir,
		metrics:    metrics,
		log:        log,
	}, nil
}

// Emit signs (when keyed) and persists one certificate. Returns the
// document bytes and the signature ("" when unsigned).
func (e *Emitter) Emit(cert *Certificate) ([]byte, string, error) {
	doc, err := cert.Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("microact: certificate encode: %w", err)
	}

	var sig string
	if len(e.signingKey) > 0 {
		sig = Sign(doc, e.signingKey)
	} else {
		e.log.Warn("no signing key configured; emitting unsigned certificate",
			zap.String("certificate_id", cert.CertificateID))
	}

	if err := e.store.Put(cert.CertificateID, doc, sig); err != nil {
		return nil, "", err
	}

	if e.dir != "" {
		base := filepath.Join(e.dir, cert.CertificateID)
		if err := os.WriteFile(base+".json", doc, 0o600); err != nil {
			e.log.Error("certificate file write failed", zap.Error(err))
		} else if sig != "" {
			if err := os.WriteFile(base+".sig", []byte(sig+"\n"), 0o600); err != nil {
				e.log.Error("signature file write failed", zap.Error(err))
			}
		}
	}

	signedLabel := "false"
	if sig != "" {
		signedLabel = "true"
	}
	e.metrics.CertificatesTotal.WithLabelValues(signedLabel).Inc()
	e.log.Info("action certificate emitted",
		zap.String("certificate_id", cert.CertificateID),
		zap.String("kind", cert.Action.Kind),
		zap.Bool("signed", sig != ""))
	return doc, sig, nil
}
