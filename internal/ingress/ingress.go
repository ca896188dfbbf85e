// Package ingress is the one supported entry point into the core: it
// validates a parsed transaction against the invariants the core
// itself assumes hold, inserts it, and seeds the ready index. It also
// owns cancel-group signature verification, since the core's cancel
// entry point must refuse to run without one.
package ingress

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hyperledger/firefly-common/pkg/i18n"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/msgs"
	"github.com/arvina-tech/temprano-watchtower/internal/noncekey"
	"github.com/arvina-tech/temprano-watchtower/internal/readyindex"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
)

// validationErr wraps a client-invalidity rejection: a typed,
// translated error that is never stored and reported to the submitter
// as a 4xx.
func validationErr(ctx context.Context, key i18n.ErrorMessageKey, args ...interface{}) error {
	return i18n.NewError(ctx, key, args...)
}

// ParsedTx is what an external parser (or internal/txparse) hands to
// Submit: the fields a signed, wire-decoded transaction carries before
// it becomes a stored NewTx.
type ParsedTx struct {
	ChainID     uint64
	TxHash      common.Hash
	RawTx       []byte
	Sender      common.Address
	FeePayer    *common.Address
	NonceKey    [32]byte
	Nonce       uint64
	ValidAfter  *uint64
	ValidBefore *uint64
}

// Submitter is the ingress → core contract: Submit and CancelGroup.
type Submitter struct {
	store store.Store
	index *readyindex.Index
}

// New constructs a Submitter.
func New(st store.Store, idx *readyindex.Index) *Submitter {
	return &Submitter{store: st, index: idx}
}

// Submit validates tx, inserts it, and (unless it was already known or
// immediately terminal) seeds the ready index. It returns the stored
// record and whether it already existed under (chain_id, tx_hash).
func (s *Submitter) Submit(ctx context.Context, tx ParsedTx) (*model.TxRecord, bool, error) {
	now := time.Now()

	if err := s.validate(ctx, tx, now); err != nil {
		return nil, false, err
	}

	eligibleAt := now
	if tx.ValidAfter != nil {
		va := time.Unix(int64(*tx.ValidAfter), 0)
		if va.After(eligibleAt) {
			eligibleAt = va
		}
	}

	var expiresAt *time.Time
	if tx.ValidBefore != nil {
		e := time.Unix(int64(*tx.ValidBefore), 0)
		expiresAt = &e
	}

	var groupID *[16]byte
	if !noncekey.IsDefault(tx.NonceKey) {
		g := noncekey.GroupID(tx.NonceKey)
		groupID = &g
	}

	newTx := model.NewTx{
		ChainID:      tx.ChainID,
		TxHash:       tx.TxHash,
		RawTx:        tx.RawTx,
		Sender:       tx.Sender,
		FeePayer:     tx.FeePayer,
		NonceKey:     tx.NonceKey,
		Nonce:        tx.Nonce,
		ValidAfter:   tx.ValidAfter,
		ValidBefore:  tx.ValidBefore,
		EligibleAt:   eligibleAt,
		ExpiresAt:    expiresAt,
		GroupID:      groupID,
		NextActionAt: eligibleAt,
	}

	record, alreadyKnown, err := s.store.InsertTx(ctx, newTx)
	if err != nil {
		return nil, false, err
	}
	if alreadyKnown {
		return record, true, nil
	}

	if !record.Status.Terminal() {
		if err := s.index.AddReady(ctx, tx.ChainID, record.TxHash, record.EligibleAt); err != nil {
			return record, false, err
		}
	}

	return record, false, nil
}

// validate checks the validity window, the random-key/valid_after
// interaction, and group nonce-key consistency against already-stored
// rows in the same group, before anything is written.
func (s *Submitter) validate(ctx context.Context, tx ParsedTx, now time.Time) error {
	if tx.ValidAfter != nil && tx.ValidBefore != nil && *tx.ValidAfter >= *tx.ValidBefore {
		return validationErr(ctx, msgs.MsgValidityWindowInvalid)
	}
	if tx.ValidBefore != nil && int64(*tx.ValidBefore) <= now.Unix() {
		return validationErr(ctx, msgs.MsgAlreadyExpired)
	}
	if noncekey.IsRandom(tx.NonceKey) && tx.ValidAfter != nil {
		return validationErr(ctx, msgs.MsgRandomKeyValidAfter)
	}

	if noncekey.IsDefault(tx.NonceKey) || noncekey.IsRandom(tx.NonceKey) {
		return nil
	}

	groupID := noncekey.GroupID(tx.NonceKey)

	existingKey, err := s.store.GetGroupNonceKey(ctx, tx.ChainID, tx.Sender, groupID)
	if err != nil {
		return err
	}
	if existingKey != nil && *existingKey != tx.NonceKey {
		return validationErr(ctx, msgs.MsgGroupNonceKeyMismatch, tx.Sender.Hex(), groupID)
	}

	windows, err := s.store.GetGroupNonceWindows(ctx, tx.ChainID, tx.Sender, groupID)
	if err != nil {
		return err
	}
	windows = append(windows, store.GroupNonceWindow{Nonce: tx.Nonce, ValidBefore: tx.ValidBefore})
	if !nonDecreasingByNonce(windows) {
		return validationErr(ctx, msgs.MsgGroupOrderViolation)
	}

	return nil
}

func nonDecreasingByNonce(windows []store.GroupNonceWindow) bool {
	type pair struct {
		nonce       uint64
		validBefore uint64
		has         bool
	}
	pairs := make([]pair, len(windows))
	for i, w := range windows {
		p := pair{nonce: w.Nonce}
		if w.ValidBefore != nil {
			p.validBefore = *w.ValidBefore
			p.has = true
		}
		pairs[i] = p
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].nonce < pairs[i].nonce {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	for i := 1; i < len(pairs); i++ {
		if pairs[i].nonce == pairs[i-1].nonce {
			continue
		}
		if pairs[i-1].has && pairs[i].has && pairs[i].validBefore < pairs[i-1].validBefore {
			return false
		}
	}
	return true
}

// CancelGroup verifies sig over keccak256(groupID[:]) recovers to
// sender before delegating to the store. It refuses to run without a
// verified signature.
func (s *Submitter) CancelGroup(ctx context.Context, sig []byte, sender common.Address, groupID [16]byte) ([]*model.TxRecord, error) {
	digest := crypto.Keccak256(groupID[:])

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, validationErr(ctx, msgs.MsgCancelSignatureBad, sender.Hex())
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != sender {
		return nil, validationErr(ctx, msgs.MsgCancelSignatureBad, sender.Hex())
	}

	rows, err := s.store.CancelGroup(ctx, sender, groupID)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		_ = s.index.Remove(ctx, r.ChainID, r.TxHash)
	}
	return rows, nil
}
