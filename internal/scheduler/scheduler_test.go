package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/readyindex"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
)

func newTestScheduler(st store.Store) *Scheduler {
	idx := readyindex.New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	cfg := Config{RetryMinDelay: time.Second, RetryMaxDelay: time.Minute}
	return New(cfg, st, idx, nil)
}

func leaseOne(t *testing.T, st store.Store, chainID uint64, tx model.NewTx) *model.TxRecord {
	t.Helper()
	ctx := context.Background()
	rec, _, err := st.InsertTx(ctx, tx)
	require.NoError(t, err)
	now := time.Now()
	leased, err := st.AcquireDueByHash(ctx, chainID, rec.TxHash, now, "owner", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	return leased
}

// P8: a row with expires_at <= now transitions to Expired on its next
// scheduler visit, regardless of prior status (non-terminal), and the
// write is fenced on the lease the scheduler itself holds.
func TestHandleBroadcastExpiresLeasedRowsUnderTheFence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := newTestScheduler(st)

	sender := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	var txHash common.Hash
	txHash[31] = 0x40
	past := time.Now().Add(-time.Minute)
	now := time.Now()
	rec := leaseOne(t, st, 1, model.NewTx{
		ChainID: 1, TxHash: txHash, RawTx: []byte{0x01}, Sender: sender,
		EligibleAt: now, ExpiresAt: &past, NextActionAt: now,
	})

	require.NoError(t, s.handleBroadcast(ctx, 1, rec))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Nil(t, got.NextActionAt)
	assert.Nil(t, got.LeaseOwner)
}

// A stale lease owner must not be able to expire a row it no longer
// holds: the fence has to check lease_owner, not just expires_at.
func TestHandleBroadcastExpiryRespectsTheLeaseFence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := newTestScheduler(st)

	sender := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	var txHash common.Hash
	txHash[31] = 0x41
	past := time.Now().Add(-time.Minute)
	now := time.Now()
	rec := leaseOne(t, st, 1, model.NewTx{
		ChainID: 1, TxHash: txHash, RawTx: []byte{0x01}, Sender: sender,
		EligibleAt: now, ExpiresAt: &past, NextActionAt: now,
	})

	stolen := *rec
	owner := "someone-else"
	stolen.LeaseOwner = &owner

	require.NoError(t, s.handleBroadcast(ctx, 1, &stolen))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBroadcasting, got.Status, "a non-owning caller must not move the row")
}

func TestHandleBroadcastMarksMissingRawTxInvalidUnderTheFence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	s := newTestScheduler(st)

	sender := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	var txHash common.Hash
	txHash[31] = 0x42
	now := time.Now()
	rec := leaseOne(t, st, 1, model.NewTx{
		ChainID: 1, TxHash: txHash, Sender: sender,
		EligibleAt: now, NextActionAt: now,
	})

	require.NoError(t, s.handleBroadcast(ctx, 1, rec))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, got.Status)
}
