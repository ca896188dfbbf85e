// Package noncekey implements the discipline around the opaque 32-byte
// nonce_key bucket selector: the default/zero lane, the ASCII "random"
// exemption, and the deterministic group_id derivation that makes
// cancellation coherent.
package noncekey

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// Zero is the chain's default nonce lane.
var Zero [32]byte

// randomSuffix is the ASCII marker that exempts a nonce_key from
// monotonic-nonce supersession checks and valid_after constraints.
const randomSuffix = "random"

// IsDefault reports whether key is the all-zero default nonce lane.
func IsDefault(key [32]byte) bool {
	return key == Zero
}

// IsRandom reports whether key's non-zero suffix spells the ASCII
// string "random". The convention: the trailing len(randomSuffix) bytes
// equal the ASCII marker and every byte before it is zero.
func IsRandom(key [32]byte) bool {
	n := len(randomSuffix)
	tail := key[len(key)-n:]
	for i := 0; i < n; i++ {
		if tail[i] != randomSuffix[i] {
			return false
		}
	}
	for i := 0; i < len(key)-n; i++ {
		if key[i] != 0 {
			return false
		}
	}
	return true
}

// GroupID derives the deterministic group tag for a nonce_key:
// keccak256(nonce_key) truncated to 16 bytes.
func GroupID(key [32]byte) [16]byte {
	hash := crypto.Keccak256(key[:])
	var out [16]byte
	copy(out[:], hash[:16])
	return out
}
