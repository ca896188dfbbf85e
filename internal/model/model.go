// Package model defines the transaction record and its lifecycle status,
// the primary entity of the watchtower's persistent store.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is one of the legal lifecycle states of a transaction record.
type TxStatus string

const (
	StatusQueued          TxStatus = "queued"
	StatusBroadcasting     TxStatus = "broadcasting"
	StatusRetryScheduled   TxStatus = "retry_scheduled"
	StatusExecuted         TxStatus = "executed"
	StatusExpired          TxStatus = "expired"
	StatusInvalid          TxStatus = "invalid"
	StatusStaleByNonce     TxStatus = "stale_by_nonce"
	StatusCanceledLocally  TxStatus = "canceled_locally"
)

// Terminal reports whether status is absorbing: no further transition is
// legal out of it.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusExpired, StatusInvalid, StatusStaleByNonce, StatusCanceledLocally:
		return true
	default:
		return false
	}
}

// LeasableStatuses is the set of statuses from which a lease may be
// acquired (Queued, RetryScheduled, or Broadcasting with an expired
// lease_until).
var LeasableStatuses = []TxStatus{StatusQueued, StatusRetryScheduled, StatusBroadcasting}

// TxRecord is one row of the persistent store: one per (chain_id, tx_hash).
type TxRecord struct {
	ID             int64
	ChainID        uint64
	TxHash         common.Hash
	RawTx          []byte // cleared by CancelGroup; other terminal writes keep it
	Sender         common.Address
	FeePayer       *common.Address
	NonceKey       [32]byte
	Nonce          uint64
	ValidAfter     *uint64
	ValidBefore    *uint64
	EligibleAt     time.Time
	ExpiresAt      *time.Time
	Status         TxStatus
	GroupID        *[16]byte
	NextActionAt   *time.Time
	LeaseOwner     *string
	LeaseUntil     *time.Time
	Attempts       int
	LastError      *string
	LastBroadcastAt *time.Time
	Receipt        []byte // opaque JSON payload
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewTx is the ingress-constructed row shape passed to InsertTx.
type NewTx struct {
	ChainID      uint64
	TxHash       common.Hash
	RawTx        []byte
	Sender       common.Address
	FeePayer     *common.Address
	NonceKey     [32]byte
	Nonce        uint64
	ValidAfter   *uint64
	ValidBefore  *uint64
	EligibleAt   time.Time
	ExpiresAt    *time.Time
	GroupID      *[16]byte
	NextActionAt time.Time
}
