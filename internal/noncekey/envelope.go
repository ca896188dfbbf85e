package noncekey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Observability-only self-describing layout for a nonce_key: magic
// "NKG1" + version 0x01 at [0:5], a kind byte at [5], a 16-bit flags
// field at [6:8] selecting numeric-vs-ASCII
// encoding for a scope/group/memo triple. Decoding this never changes
// dispatch, leasing, or supersession semantics (those always operate on
// the raw 32 bytes) - it only lets operators read a friendly label.
var groupNonceMagic = [4]byte{'N', 'K', 'G', '1'}

const (
	groupNonceVersion  = 0x01
	groupNonceFlagMask = 0x003F

	encodingNumeric = 0
	encodingASCII   = 1
)

// Field is one decoded sub-field of a group nonce key envelope.
type Field struct {
	ASCII bool
	Value string
}

// Envelope is the decoded form of a group nonce key.
type Envelope struct {
	Kind  byte
	Scope Field
	Group Field
	Memo  Field
}

// IsEnvelope reports whether key carries a recognizable group nonce key
// envelope.
func IsEnvelope(key [32]byte) bool {
	if key[0] != groupNonceMagic[0] || key[1] != groupNonceMagic[1] ||
		key[2] != groupNonceMagic[2] || key[3] != groupNonceMagic[3] {
		return false
	}
	if key[4] != groupNonceVersion {
		return false
	}
	flags := binary.BigEndian.Uint16(key[6:8])
	if flags&^uint16(groupNonceFlagMask) != 0 {
		return false
	}
	scopeEnc := flags & 0b11
	groupEnc := (flags >> 2) & 0b11
	memoEnc := (flags >> 4) & 0b11
	if scopeEnc > 1 || groupEnc > 1 || memoEnc > 1 {
		return false
	}
	if scopeEnc == encodingASCII && !isASCIIField(key[8:16]) {
		return false
	}
	if groupEnc == encodingASCII && !isASCIIField(key[16:20]) {
		return false
	}
	if memoEnc == encodingASCII && !isASCIIField(key[20:32]) {
		return false
	}
	return true
}

// DecodeEnvelope decodes key as a group nonce key envelope, returning
// false if key does not carry one.
func DecodeEnvelope(key [32]byte) (Envelope, bool) {
	if !IsEnvelope(key) {
		return Envelope{}, false
	}
	flags := binary.BigEndian.Uint16(key[6:8])
	scopeEnc := flags & 0b11
	groupEnc := (flags >> 2) & 0b11
	memoEnc := (flags >> 4) & 0b11

	return Envelope{
		Kind:  key[5],
		Scope: decodeField(key[8:16], scopeEnc, "scope"),
		Group: decodeField(key[16:20], groupEnc, "group"),
		Memo:  decodeField(key[20:32], memoEnc, "memo"),
	}, true
}

func decodeField(raw []byte, encoding uint16, kind string) Field {
	if encoding == encodingASCII {
		return Field{ASCII: true, Value: decodeASCII(raw)}
	}
	switch kind {
	case "scope":
		v := binary.BigEndian.Uint64(pad(raw, 8))
		return Field{Value: fmt.Sprintf("%d", v)}
	case "group":
		v := binary.BigEndian.Uint32(pad(raw, 4))
		return Field{Value: fmt.Sprintf("%d", v)}
	default:
		return Field{Value: "0x" + hex.EncodeToString(raw)}
	}
}

func pad(raw []byte, n int) []byte {
	if len(raw) == n {
		return raw
	}
	out := make([]byte, n)
	copy(out[n-len(raw):], raw)
	return out
}

func decodeASCII(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	for _, b := range raw[:end] {
		if b < 0x20 || b > 0x7E {
			return "0x" + hex.EncodeToString(raw)
		}
	}
	return string(raw[:end])
}

func isASCIIField(raw []byte) bool {
	zeroSeen := false
	for _, b := range raw {
		if b == 0 {
			zeroSeen = true
			continue
		}
		if zeroSeen {
			return false
		}
		if b < 0x20 || b > 0x7E {
			return false
		}
	}
	return true
}
