// Package fastpath — packet.go
//
// Wire format for the A-SWARM authenticated UDP fast path.
//
// A packet is header ‖ JSON payload ‖ HMAC-SHA-256 tag, big-endian
// throughout, at most 1200 bytes total. Two header versions:
//
//	v2 (19 bytes): magic(4) version(1) type(1) ts_ns(8) seq16(2)
//	               payload_len(2) key_id(1)
//	v3 (27 bytes): magic(4) version(1) type(1) ts_unix_ms(8) src_id(4)
//	               seq16(2) nonce32(4) payload_len(2) key_id(1)
//
// v3 is the preferred format: its millisecond Unix timestamp is
// comparable across hosts and drives the strict 5 s freshness window,
// and its src_id (first 32 bits of SHA-256 over the node name) keys the
// per-source replay defense. v2 nanosecond timestamps mix monotonic and
// wall clocks in deployed senders and are treated as advisory only.
//
// The HMAC is computed over header ‖ payload with the key named by
// key_id. Tag comparison must be constant-time (hmac.Equal).

package fastpath

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// MaxPacketSize is the hard datagram bound.
	MaxPacketSize = 1200

	// HMACSize is the width of the truncationless SHA-256 tag.
	HMACSize = 32

	// V2HeaderSize and V3HeaderSize are the fixed header widths.
	V2HeaderSize = 4 + 1 + 1 + 8 + 2 + 2 + 1
	V3HeaderSize = 4 + 1 + 1 + 8 + 4 + 2 + 4 + 2 + 1

	// MaxPayloadV2 and MaxPayloadV3 are the payload budgets per version.
	MaxPayloadV2 = MaxPacketSize - V2HeaderSize - HMACSize
	MaxPayloadV3 = MaxPacketSize - V3HeaderSize - HMACSize

	// VersionV2 and VersionV3 are the supported protocol versions.
	VersionV2 = 2
	VersionV3 = 3

	// TypeElevation is the only defined packet type.
	TypeElevation = 1
)

// Magic is the 4-byte packet preamble.
var Magic = [4]byte{'A', 'S', 'W', 'M'}

// Header is the decoded form of either header version. v2 packets leave
// SrcID and Nonce32 zero and carry their timestamp in TimestampNS.
type Header struct {
	Version     uint8
	Type        uint8
	TimestampMS uint64 // v3: Unix milliseconds
	TimestampNS uint64 // v2: sender nanoseconds (advisory)
	SrcID       uint32 // v3 only
	Seq16       uint16
	Nonce32     uint32 // v3 only
	PayloadLen  uint16
	KeyID       uint8
}

// HeaderSize returns the encoded width for the header's version.
func (h *Header) HeaderSize() int {
	if h.Version == VersionV2 {
		return V2HeaderSize
	}
	return V3HeaderSize
}

// MaxPayload returns the payload budget for the header's version.
func (h *Header) MaxPayload() int {
	if h.Version == VersionV2 {
		return MaxPayloadV2
	}
	return MaxPayloadV3
}

// marshalV3 encodes a v3 header into a fresh slice.
func (h *Header) marshalV3() []byte {
	buf := make([]byte, V3HeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = VersionV3
	buf[5] = h.Type
	binary.BigEndian.PutUint64(buf[6:14], h.TimestampMS)
	binary.BigEndian.PutUint32(buf[14:18], h.SrcID)
	binary.BigEndian.PutUint16(buf[18:20], h.Seq16)
	binary.BigEndian.PutUint32(buf[20:24], h.Nonce32)
	binary.BigEndian.PutUint16(buf[24:26], h.PayloadLen)
	buf[26] = h.KeyID
	return buf
}

// marshalV2 encodes a v2 header into a fresh slice.
func (h *Header) marshalV2() []byte {
	buf := make([]byte, V2HeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = VersionV2
	buf[5] = h.Type
	binary.BigEndian.PutUint64(buf[6:14], h.TimestampNS)
	binary.BigEndian.PutUint16(buf[14:16], h.Seq16)
	binary.BigEndian.PutUint16(buf[16:18], h.PayloadLen)
	buf[18] = h.KeyID
	return buf
}

// Marshal encodes the header for its version.
func (h *Header) Marshal() []byte {
	if h.Version == VersionV2 {
		return h.marshalV2()
	}
	return h.marshalV3()
}

// ParseHeader decodes the version-discriminated header from the front of
// data. The caller must already have checked len(data) >= the minimum
// header+tag size; ParseHeader re-checks the version-specific width.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < V2HeaderSize {
		return Header{}, fmt.Errorf("fastpath: short header (%d bytes)", len(data))
	}
	var h Header
	if [4]byte(data[0:4]) != Magic {
		return Header{}, errBadMagic
	}
	h.Version = data[4]
	h.Type = data[5]
	switch h.Version {
	case VersionV2:
		h.TimestampNS = binary.BigEndian.Uint64(data[6:14])
		h.Seq16 = binary.BigEndian.Uint16(data[14:16])
		h.PayloadLen = binary.BigEndian.Uint16(data[16:18])
		h.KeyID = data[18]
	case VersionV3:
		if len(data) < V3HeaderSize {
			return Header{}, fmt.Errorf("fastpath: short v3 header (%d bytes)", len(data))
		}
		h.TimestampMS = binary.BigEndian.Uint64(data[6:14])
		h.SrcID = binary.BigEndian.Uint32(data[14:18])
		h.Seq16 = binary.BigEndian.Uint16(data[18:20])
		h.Nonce32 = binary.BigEndian.Uint32(data[20:24])
		h.PayloadLen = binary.BigEndian.Uint16(data[24:26])
		h.KeyID = data[26]
	default:
		return Header{}, errBadVersion
	}
	return h, nil
}

// Seal appends the HMAC-SHA-256 tag over header ‖ payload and returns
// the complete datagram.
func Seal(header, payload, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(header)
	mac.Write(payload)
	out := make([]byte, 0, len(header)+len(payload)+HMACSize)
	out = append(out, header...)
	out = append(out, payload...)
	return mac.Sum(out)
}

// VerifyTag recomputes the tag over the authenticated region and compares
// it in constant time.
func VerifyTag(authenticated, tag, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(authenticated)
	return hmac.Equal(tag, mac.Sum(nil))
}

// Sentinel parse errors, mapped to reject counters by the listener.
var (
	errBadMagic   = fmt.Errorf("fastpath: bad magic")
	errBadVersion = fmt.Errorf("fastpath: unsupported version")
)
