// Package fastpath — keys.go
//
// HMAC key table for the fast path.
//
// Key values accept three encodings: raw UTF-8 bytes, "hex:" prefixed,
// and "base64:" prefixed. Sources, in priority order:
//
//  1. An explicit id→value table supplied by the caller.
//  2. ASWARM_FASTPATH_KEY (value) + ASWARM_FASTPATH_KEY_ID (numeric,
//     default 1).
//  3. ASWARM_FASTPATH_KEYS — a JSON object mapping id to value.
//
// The table supports hot reload (SIGHUP on the receiver): Reload swaps
// the whole map atomically under the lock, so in-flight verifications
// finish against the table they started with.

package fastpath

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ParseKeyValue decodes a key string in raw, hex: or base64: form.
func ParseKeyValue(val string) ([]byte, error) {
	switch {
	case strings.HasPrefix(val, "base64:"):
		b, err := base64.StdEncoding.DecodeString(val[len("base64:"):])
		if err != nil {
			return nil, fmt.Errorf("fastpath: bad base64 key: %w", err)
		}
		return b, nil
	case strings.HasPrefix(val, "hex:"):
		b, err := hex.DecodeString(val[len("hex:"):])
		if err != nil {
			return nil, fmt.Errorf("fastpath: bad hex key: %w", err)
		}
		return b, nil
	default:
		return []byte(val), nil
	}
}

// KeyTable maps key ids to HMAC keys and supports atomic reload.
type KeyTable struct {
	mu   sync.RWMutex
	keys map[uint8][]byte
}

// LoadKeys builds a KeyTable from the explicit table or, when that is
// empty, from the environment. Returns an error if no key can be found —
// an unkeyed receiver is a configuration failure, not a degraded mode.
func LoadKeys(explicit map[uint8]string) (*KeyTable, error) {
	keys, err := resolveKeys(explicit)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("fastpath: no HMAC keys configured " +
			"(set ASWARM_FASTPATH_KEY or ASWARM_FASTPATH_KEYS)")
	}
	return &KeyTable{keys: keys}, nil
}

// resolveKeys applies the source priority order.
func resolveKeys(explicit map[uint8]string) (map[uint8][]byte, error) {
	keys := make(map[uint8][]byte)

	for id, val := range explicit {
		b, err := ParseKeyValue(val)
		if err != nil {
			return nil, fmt.Errorf("fastpath: key %d: %w", id, err)
		}
		keys[id] = b
	}
	if len(keys) > 0 {
		return keys, nil
	}

	if val := os.Getenv("ASWARM_FASTPATH_KEY"); val != "" {
		id := uint8(1)
		if idStr := os.Getenv("ASWARM_FASTPATH_KEY_ID"); idStr != "" {
			n, err := strconv.ParseUint(idStr, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("fastpath: bad ASWARM_FASTPATH_KEY_ID %q: %w", idStr, err)
			}
			id = uint8(n)
		}
		b, err := ParseKeyValue(val)
		if err != nil {
			return nil, err
		}
		keys[id] = b
		return keys, nil
	}

	if raw := os.Getenv("ASWARM_FASTPATH_KEYS"); raw != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("fastpath: bad ASWARM_FASTPATH_KEYS: %w", err)
		}
		for idStr, val := range m {
			n, err := strconv.ParseUint(idStr, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("fastpath: bad key id %q in ASWARM_FASTPATH_KEYS: %w", idStr, err)
			}
			b, err := ParseKeyValue(val)
			if err != nil {
				return nil, fmt.Errorf("fastpath: key %s: %w", idStr, err)
			}
			keys[uint8(n)] = b
		}
	}
	return keys, nil
}

// Lookup returns the key for an id, or (nil, false) on a miss. A miss is
// counted separately from an HMAC mismatch by the caller.
func (t *KeyTable) Lookup(id uint8) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.keys[id]
	return k, ok
}

// IDs returns the configured key ids (for logging).
func (t *KeyTable) IDs() []uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint8, 0, len(t.keys))
	for id := range t.keys {
		out = append(out, id)
	}
	return out
}

// Primary returns the sender's default key: id 1 when present,
// otherwise the lowest configured id.
func (t *KeyTable) Primary() (uint8, []byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if k, ok := t.keys[1]; ok {
		return 1, k, true
	}
	var best uint8
	var found bool
	for id := range t.keys {
		if !found || id < best {
			best = id
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return best, t.keys[best], true
}

// Reload re-reads keys from the environment and swaps the table. An
// empty or invalid environment leaves the current table untouched and
// returns the error.
func (t *KeyTable) Reload() error {
	keys, err := resolveKeys(nil)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("fastpath: reload found no keys; keeping current table")
	}
	t.mu.Lock()
	t.keys = keys
	t.mu.Unlock()
	return nil
}
