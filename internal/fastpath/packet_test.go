// Package fastpath — packet_test.go
//
// Unit tests for the wire codec.
//
// Test coverage:
//   - v3 header marshal/parse round trip (every field)
//   - v2 header marshal/parse round trip
//   - Seal()/VerifyTag() agreement, tamper detection, wrong-key reject
//   - Header width and payload budget constants
//   - Bad magic / unsupported version parse errors

package fastpath

import (
	"bytes"
	"testing"
)

func TestHeaderV3_RoundTrip(t *testing.T) {
	h := Header{
		Version:     VersionV3,
		Type:        TypeElevation,
		TimestampMS: 1722550000123,
		SrcID:       0xDEADBEEF,
		Seq16:       4242,
		Nonce32:     0xCAFEBABE,
		PayloadLen:  321,
		KeyID:       7,
	}
	buf := h.Marshal()
	if len(buf) != V3HeaderSize {
		t.Fatalf("v3 header width = %d, want %d", len(buf), V3HeaderSize)
	}

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}
}

func TestHeaderV2_RoundTrip(t *testing.T) {
	h := Header{
		Version:     VersionV2,
		Type:        TypeElevation,
		TimestampNS: 1722550000123456789,
		Seq16:       99,
		PayloadLen:  55,
		KeyID:       1,
	}
	buf := h.Marshal()
	if len(buf) != V2HeaderSize {
		t.Fatalf("v2 header width = %d, want %d", len(buf), V2HeaderSize)
	}

	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}
}

func TestParseHeader_BadMagic(t *testing.T) {
	h := Header{Version: VersionV3, Type: TypeElevation}
	buf := h.Marshal()
	buf[0] = 'X'
	if _, err := ParseHeader(buf); err != errBadMagic {
		t.Errorf("expected bad-magic error, got %v", err)
	}
}

func TestParseHeader_BadVersion(t *testing.T) {
	h := Header{Version: VersionV3, Type: TypeElevation}
	buf := h.Marshal()
	buf[4] = 9
	if _, err := ParseHeader(buf); err != errBadVersion {
		t.Errorf("expected bad-version error, got %v", err)
	}
}

func TestSealVerify(t *testing.T) {
	key := []byte("test-key")
	header := []byte("header-bytes")
	payload := []byte(`{"score":0.95}`)

	packet := Seal(header, payload, key)
	if len(packet) != len(header)+len(payload)+HMACSize {
		t.Fatalf("sealed length = %d, want %d", len(packet), len(header)+len(payload)+HMACSize)
	}
	if !bytes.Equal(packet[:len(header)], header) {
		t.Fatal("header bytes not preserved")
	}

	authLen := len(header) + len(payload)
	if !VerifyTag(packet[:authLen], packet[authLen:], key) {
		t.Error("valid tag failed verification")
	}
	if VerifyTag(packet[:authLen], packet[authLen:], []byte("wrong-key")) {
		t.Error("wrong key passed verification")
	}

	// Flip one payload bit.
	packet[len(header)] ^= 0x01
	if VerifyTag(packet[:authLen], packet[authLen:], key) {
		t.Error("tampered payload passed verification")
	}
}

func TestPayloadBudgets(t *testing.T) {
	if MaxPayloadV3 != MaxPacketSize-V3HeaderSize-HMACSize {
		t.Errorf("v3 budget inconsistent: %d", MaxPayloadV3)
	}
	if MaxPayloadV2 != MaxPacketSize-V2HeaderSize-HMACSize {
		t.Errorf("v2 budget inconsistent: %d", MaxPayloadV2)
	}
	if V3HeaderSize != 27 || V2HeaderSize != 19 {
		t.Errorf("header widths drifted: v3=%d v2=%d", V3HeaderSize, V2HeaderSize)
	}
}
