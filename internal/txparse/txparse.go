// Package txparse is a supplemental, in-idiom reference parser for
// this repo's own signed-transaction wire format: a one-byte type tag
// followed by an RLP-encoded body and an ECDSA signature, with an
// optional 32-byte memo trailer carrying a group tag. It exists so the
// module is runnable end-to-end without an external ingress
// collaborator; swapping it for a real chain's transaction format does
// not change anything downstream of internal/ingress.Submit.
//
// This package defines its own minimal wire body rather than a
// vendor-specific account-abstraction transaction format, since no such
// format is available to this codebase.
package txparse

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/arvina-tech/temprano-watchtower/internal/ingress"
)

// WireTxType is the single supported transaction type byte.
const WireTxType = 0x02

// groupMagic/groupType identify a 32-byte memo trailer as a group tag.
var groupMagic = [4]byte{'T', 'W', 'G', 'R'}

var groupType = [2]byte{0x00, 0x01}

// body is the RLP-encoded payload signed by the sender (and optionally
// co-signed by a fee payer).
type body struct {
	ChainID     uint64
	NonceKey    []byte
	Nonce       uint64
	ValidAfter  uint64
	HasValidAfter bool
	ValidBefore uint64
	HasValidBefore bool
	Memo        []byte
}

// signedWire is the full on-wire payload after the type byte: the
// RLP body, the sender's signature, and an optional fee payer
// signature.
type signedWire struct {
	Body            body
	Signature       []byte
	FeePayerPresent bool
	FeePayerSig     []byte
}

// ParseRawTx decodes a hex-encoded wire transaction into a ParsedTx
// ready for internal/ingress.Submit.
func ParseRawTx(rawHex string) (ingress.ParsedTx, error) {
	rawHex = strings.TrimPrefix(rawHex, "0x")
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return ingress.ParsedTx{}, fmt.Errorf("decode raw tx hex: %w", err)
	}
	if len(raw) == 0 {
		return ingress.ParsedTx{}, fmt.Errorf("empty raw tx")
	}

	ty := raw[0]
	if ty != WireTxType {
		return ingress.ParsedTx{}, fmt.Errorf("unsupported tx type 0x%02x", ty)
	}

	var wire signedWire
	if err := rlp.DecodeBytes(raw[1:], &wire); err != nil {
		return ingress.ParsedTx{}, fmt.Errorf("decode wire transaction: %w", err)
	}

	bodyBytes, err := rlp.EncodeToBytes(wire.Body)
	if err != nil {
		return ingress.ParsedTx{}, fmt.Errorf("re-encode body for signature check: %w", err)
	}
	digest := crypto.Keccak256(bodyBytes)

	senderPub, err := crypto.SigToPub(digest, wire.Signature)
	if err != nil {
		return ingress.ParsedTx{}, fmt.Errorf("recover sender signature: %w", err)
	}
	sender := crypto.PubkeyToAddress(*senderPub)

	var feePayer *common.Address
	if wire.FeePayerPresent {
		feePayerPub, err := crypto.SigToPub(digest, wire.FeePayerSig)
		if err != nil {
			return ingress.ParsedTx{}, fmt.Errorf("recover fee payer signature: %w", err)
		}
		addr := crypto.PubkeyToAddress(*feePayerPub)
		feePayer = &addr
	}

	if len(wire.Body.NonceKey) > 32 {
		return ingress.ParsedTx{}, fmt.Errorf("nonce_key too large")
	}
	var nonceKey [32]byte
	copy(nonceKey[32-len(wire.Body.NonceKey):], wire.Body.NonceKey)

	parsed := ingress.ParsedTx{
		ChainID:  wire.Body.ChainID,
		TxHash:   crypto.Keccak256Hash(raw),
		RawTx:    raw,
		Sender:   sender,
		FeePayer: feePayer,
		NonceKey: nonceKey,
		Nonce:    wire.Body.Nonce,
	}
	if wire.Body.HasValidAfter {
		va := wire.Body.ValidAfter
		parsed.ValidAfter = &va
	}
	if wire.Body.HasValidBefore {
		vb := wire.Body.ValidBefore
		parsed.ValidBefore = &vb
	}

	return parsed, nil
}

// GroupMemo is a decoded group tag trailer, used by clients that want
// to advertise a human-auditable reason for a shared nonce_key
// independent of the nonce_key bytes themselves.
type GroupMemo struct {
	GroupID [16]byte
	Aux     [8]byte
	Version byte
}

// ParseGroupMemo decodes a 32-byte memo as a GroupMemo, returning
// false if memo does not carry the recognized magic/type header.
func ParseGroupMemo(memo [32]byte) (GroupMemo, bool) {
	if memo[0] != groupMagic[0] || memo[1] != groupMagic[1] || memo[2] != groupMagic[2] || memo[3] != groupMagic[3] {
		return GroupMemo{}, false
	}
	if memo[6] != groupType[0] || memo[7] != groupType[1] {
		return GroupMemo{}, false
	}
	var g GroupMemo
	g.Version = memo[4]
	copy(g.GroupID[:], memo[8:24])
	copy(g.Aux[:], memo[24:32])
	return g, true
}
