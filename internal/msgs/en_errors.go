// Package msgs is the watchtower's operator-facing error catalogue,
// registered against firefly-common's i18n package with its own
// component-prefixed message table.
package msgs

import (
	"sync"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"golang.org/x/text/language"
)

var registered sync.Once
var ffe = func(key, translation string, statusHint ...int) i18n.ErrorMessageKey {
	registered.Do(func() {
		i18n.RegisterPrefix("WT01", "Temprano Watchtower")
	})
	return i18n.FFE(language.AmericanEnglish, key, translation, statusHint...)
}

var (
	MsgContextCanceled       = ffe("WT010000", "context canceled")
	MsgMissingRPCChain       = ffe("WT010001", "no configured RPC endpoints for chain %d")
	MsgNoReachableEndpoints  = ffe("WT010002", "no reachable RPC endpoints for chain %d")
	MsgInvalidAddressLength  = ffe("WT010003", "expected a 20-byte address, got %d bytes")
	MsgInvalidNonceKeyLength = ffe("WT010004", "expected a 32-byte nonce key, got %d bytes")
	MsgInvalidTxHashLength   = ffe("WT010005", "expected a 32-byte tx hash, got %d bytes")
	MsgGroupNonceKeyMismatch = ffe("WT010006", "sender %s group %x is already bound to a different nonce_key")
	MsgGroupOrderViolation   = ffe("WT010007", "valid_before must be non-decreasing with nonce within a group")
	MsgCancelSignatureBad    = ffe("WT010008", "cancel signature does not recover to sender %s")
	MsgValidityWindowInvalid = ffe("WT010009", "valid_after must be before valid_before")
	MsgAlreadyExpired        = ffe("WT010010", "valid_before is already in the past")
	MsgRandomKeyValidAfter   = ffe("WT010011", "the random nonce key is not compatible with valid_after")
)
