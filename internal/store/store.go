// Package store is the persistent store adapter and lease engine: the
// single source of truth for transaction status, leases, and retry
// scheduling. All state transitions are expressed as conditional
// updates; the Store interface names exactly the operations ingress,
// the scheduler, and the watcher call for, so a gorm/Postgres-backed
// implementation and an in-memory fake (for tests) can both satisfy it.
package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
)

// GroupNonceWindow is one (nonce, valid_before) pair from a group, used
// by ingress to check that valid_before is non-decreasing by nonce
// across a group.
type GroupNonceWindow struct {
	Nonce       uint64
	ValidBefore *uint64
}

// TxFilters narrows a ListTxs query. Zero values are unfiltered.
type TxFilters struct {
	ChainID  *uint64
	Sender   *common.Address
	GroupID  *[16]byte
	Statuses []model.TxStatus
	Limit    int64
}

// SenderGroup summarizes one (chain_id, sender, group_id) group's active
// eligibility window, used by list-groups style ingress queries.
type SenderGroup struct {
	ChainID uint64
	GroupID [16]byte
	StartAt time.Time
	EndAt   time.Time
}

// Store is the persistence adapter consumed by ingress, the scheduler,
// the watcher, and recovery. Every write here is a single conditional
// statement; callers never read-then-write across two calls for a
// fenced transition.
type Store interface {
	// Ingress-facing operations.
	InsertTx(ctx context.Context, tx model.NewTx) (record *model.TxRecord, alreadyKnown bool, err error)
	GetGroupNonceKey(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) (*[32]byte, error)
	GetGroupNonceWindows(ctx context.Context, chainID uint64, sender common.Address, groupID [16]byte) ([]GroupNonceWindow, error)
	GetTxByHash(ctx context.Context, chainID *uint64, txHash common.Hash) (*model.TxRecord, error)
	ListTxs(ctx context.Context, filters TxFilters) ([]*model.TxRecord, error)
	ListSenderGroups(ctx context.Context, sender common.Address, chainID *uint64, limit int64, activeOnly bool) ([]SenderGroup, error)
	GetGroupTxs(ctx context.Context, sender common.Address, groupID [16]byte, chainID *uint64) ([]*model.TxRecord, error)
	CancelGroup(ctx context.Context, sender common.Address, groupID [16]byte) ([]*model.TxRecord, error)

	// Watcher-facing read.
	ListActiveTxs(ctx context.Context, chainID uint64) ([]*model.TxRecord, error)

	// Lease engine.
	AcquireDueByHash(ctx context.Context, chainID uint64, txHash common.Hash, now time.Time, owner string, leaseUntil time.Time) (*model.TxRecord, error)
	AcquireDueBatch(ctx context.Context, chainID uint64, now time.Time, owner string, leaseUntil time.Time, limit int) ([]*model.TxRecord, error)
	RescheduleIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, nextActionAt time.Time, attempts int, lastError *string) (bool, error)
	MarkTerminalIfLeased(ctx context.Context, id int64, owner string, status model.TxStatus, attempts int, lastError *string) (bool, error)

	// Watcher writes: unfenced, because they reflect external truth -
	// on-chain data wins over an in-flight lease.
	MarkExecuted(ctx context.Context, id int64, receipt []byte) error
	MarkStaleByNonce(ctx context.Context, id int64) error
	MarkExpired(ctx context.Context, id int64) error

	// Recovery.
	RecoverStuckBroadcasts(ctx context.Context, now time.Time) ([]*model.TxRecord, error)
}
