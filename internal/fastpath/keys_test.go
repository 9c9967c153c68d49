// Package fastpath — keys_test.go
//
// Unit tests for HMAC key loading.
//
// Test coverage:
//   - ParseKeyValue: raw, hex:, base64:, malformed encodings
//   - LoadKeys: explicit table priority, single-key env, JSON env,
//     no-key configuration failure
//   - Primary() preference for id 1
//   - Reload() keeps the old table on an empty environment

package fastpath

import (
	"bytes"
	"testing"
)

func TestParseKeyValue(t *testing.T) {
	if b, err := ParseKeyValue("plain-secret"); err != nil || string(b) != "plain-secret" {
		t.Errorf("raw key: %q %v", b, err)
	}
	if b, err := ParseKeyValue("hex:deadbeef"); err != nil || !bytes.Equal(b, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("hex key: %x %v", b, err)
	}
	if b, err := ParseKeyValue("base64:aGVsbG8="); err != nil || string(b) != "hello" {
		t.Errorf("base64 key: %q %v", b, err)
	}
	if _, err := ParseKeyValue("hex:zzzz"); err == nil {
		t.Error("malformed hex accepted")
	}
	if _, err := ParseKeyValue("base64:!!!"); err == nil {
		t.Error("malformed base64 accepted")
	}
}

func TestLoadKeys_Explicit(t *testing.T) {
	tab, err := LoadKeys(map[uint8]string{2: "hex:0102", 5: "five"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k, ok := tab.Lookup(2); !ok || !bytes.Equal(k, []byte{1, 2}) {
		t.Errorf("key 2 = %x ok=%v", k, ok)
	}
	if _, ok := tab.Lookup(9); ok {
		t.Error("lookup of unconfigured id succeeded")
	}
	if len(tab.IDs()) != 2 {
		t.Errorf("expected 2 ids, got %v", tab.IDs())
	}
}

func TestLoadKeys_SingleEnv(t *testing.T) {
	t.Setenv("ASWARM_FASTPATH_KEY", "env-secret")
	t.Setenv("ASWARM_FASTPATH_KEY_ID", "3")
	tab, err := LoadKeys(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k, ok := tab.Lookup(3); !ok || string(k) != "env-secret" {
		t.Errorf("key 3 = %q ok=%v", k, ok)
	}
}

func TestLoadKeys_JSONEnv(t *testing.T) {
	t.Setenv("ASWARM_FASTPATH_KEY", "")
	t.Setenv("ASWARM_FASTPATH_KEYS", `{"1":"alpha","7":"hex:ff"}`)
	tab, err := LoadKeys(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k, ok := tab.Lookup(7); !ok || !bytes.Equal(k, []byte{0xff}) {
		t.Errorf("key 7 = %x ok=%v", k, ok)
	}
}

func TestLoadKeys_NoneIsFatal(t *testing.T) {
	t.Setenv("ASWARM_FASTPATH_KEY", "")
	t.Setenv("ASWARM_FASTPATH_KEYS", "")
	if _, err := LoadKeys(nil); err == nil {
		t.Fatal("expected configuration error with no keys")
	}
}

func TestKeyTable_Primary(t *testing.T) {
	tab, err := LoadKeys(map[uint8]string{4: "four", 1: "one", 9: "nine"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, key, ok := tab.Primary()
	if !ok || id != 1 || string(key) != "one" {
		t.Errorf("primary = (%d, %q, %v), want id 1", id, key, ok)
	}

	tab2, _ := LoadKeys(map[uint8]string{6: "six", 4: "four"})
	if id, _, _ := tab2.Primary(); id != 4 {
		t.Errorf("primary without id 1 = %d, want lowest (4)", id)
	}
}

func TestKeyTable_ReloadKeepsTableOnEmptyEnv(t *testing.T) {
	tab, err := LoadKeys(map[uint8]string{1: "original"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("ASWARM_FASTPATH_KEY", "")
	t.Setenv("ASWARM_FASTPATH_KEYS", "")
	if err := tab.Reload(); err == nil {
		t.Error("reload with empty environment should error")
	}
	if k, ok := tab.Lookup(1); !ok || string(k) != "original" {
		t.Errorf("original key lost on failed reload: %q ok=%v", k, ok)
	}

	t.Setenv("ASWARM_FASTPATH_KEY", "rotated")
	if err := tab.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if k, _ := tab.Lookup(1); string(k) != "rotated" {
		t.Errorf("rotated key not applied: %q", k)
	}
}
