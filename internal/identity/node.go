// Package identity — node.go
//
// Node identity derivation for A-SWARM.
//
// Every component stamps its signals with two forms of the same identity:
//
//   - Node name: the orchestrator node name (NODE_NAME), falling back to
//     the OS hostname. Sanitized to RFC 1123 for use in record names.
//   - Source id (src_id): the first 32 bits of SHA-256 over the node name,
//     big-endian. This is the stable identifier carried in v3 fast-path
//     headers. It survives pod restarts because it is derived from the
//     NODE name, never the pod hostname.
//
// The canonical per-node coordination record name is
// "aswarm-sentinel-<sanitized-node>".

package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"strings"
)

// RecordPrefix is the prefix of per-node sentinel coordination records.
const RecordPrefix = "aswarm-sentinel-"

// NodeName returns the node identity: override, then NODE_NAME, then the
// OS hostname. The returned name is lowercased but NOT sanitized; use
// Sanitize before embedding it in a record name.
func NodeName(override string) string {
	if override != "" {
		return strings.ToLower(override)
	}
	if v := os.Getenv("NODE_NAME"); v != "" {
		return strings.ToLower(v)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return strings.ToLower(host)
}

// Sanitize maps an arbitrary name onto the RFC 1123 label alphabet:
// lowercase alphanumerics and '-', no leading/trailing dashes, runs of
// invalid characters collapsed to a single dash.
func Sanitize(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if valid || (r == '-' && b.Len() > 0) {
			b.WriteRune(r)
			lastDash = r == '-'
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}

// RecordName returns the canonical coordination record name for a node.
func RecordName(node string) string {
	return RecordPrefix + Sanitize(node)
}

// NodeFromRecord recovers the sanitized node name from a coordination
// record name. Returns the input unchanged if the prefix is absent.
func NodeFromRecord(record string) string {
	return strings.TrimPrefix(record, RecordPrefix)
}

// SourceID derives the stable 32-bit fast-path source identifier from a
// node name: the first 4 bytes of SHA-256(name), big-endian.
func SourceID(node string) uint32 {
	sum := sha256.Sum256([]byte(node))
	return binary.BigEndian.Uint32(sum[:4])
}
