package watcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
)

// fakeChainClient stubs rpcmanager.ChainClient with canned nonce and
// receipt responses, so processTick can be driven without a live chain.
type fakeChainClient struct {
	nonce       uint64
	receiptsErr error
}

func (f *fakeChainClient) Client() *rpc.Client { return nil }

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, f.receiptsErr
}

func (f *fakeChainClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChainClient) CallContract(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

var _ rpcmanager.ChainClient = (*fakeChainClient)(nil)

// P9: a row whose observed on-chain nonce strictly exceeds its own nonce
// transitions to StaleByNonce on the next watcher visit.
func TestProcessTickMarksStaleByNonceWhenChainNonceAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sender := common.HexToAddress("0x7777777777777777777777777777777777777777")

	var txHash common.Hash
	txHash[31] = 0x01
	now := time.Now()
	rec, _, err := st.InsertTx(ctx, model.NewTx{
		ChainID:      1,
		TxHash:       txHash,
		RawTx:        []byte{0x01},
		Sender:       sender,
		Nonce:        0,
		EligibleAt:   now,
		NextActionAt: now,
	})
	require.NoError(t, err)

	w := New(Config{PollInterval: time.Second}, st, nil)
	fake := &fakeChainClient{nonce: 1, receiptsErr: gethereum.NotFound}
	chain := &rpcmanager.Chain{ChainID: 1, Http: []rpcmanager.ChainClient{fake}}

	require.NoError(t, w.processTick(ctx, 1, chain))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStaleByNonce, got.Status)
}

// A row whose on-chain nonce has not advanced past it stays untouched.
func TestProcessTickLeavesCurrentNoncesAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sender := common.HexToAddress("0x8888888888888888888888888888888888888888")

	var txHash common.Hash
	txHash[31] = 0x02
	now := time.Now()
	rec, _, err := st.InsertTx(ctx, model.NewTx{
		ChainID:      1,
		TxHash:       txHash,
		RawTx:        []byte{0x01},
		Sender:       sender,
		Nonce:        0,
		EligibleAt:   now,
		NextActionAt: now,
	})
	require.NoError(t, err)

	w := New(Config{PollInterval: time.Second}, st, nil)
	fake := &fakeChainClient{nonce: 0, receiptsErr: gethereum.NotFound}
	chain := &rpcmanager.Chain{ChainID: 1, Http: []rpcmanager.ChainClient{fake}}

	require.NoError(t, w.processTick(ctx, 1, chain))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

// P8 boundary, watcher side: a row with expires_at <= now transitions to
// Expired on its next watcher visit regardless of prior status.
func TestProcessTickExpiresRowsPastTheirDeadline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	sender := common.HexToAddress("0x9999999999999999999999999999999999999999")

	var txHash common.Hash
	txHash[31] = 0x03
	now := time.Now()
	past := now.Add(-time.Second)
	rec, _, err := st.InsertTx(ctx, model.NewTx{
		ChainID:      1,
		TxHash:       txHash,
		RawTx:        []byte{0x01},
		Sender:       sender,
		Nonce:        0,
		EligibleAt:   now,
		ExpiresAt:    &past,
		NextActionAt: now,
	})
	require.NoError(t, err)

	w := New(Config{PollInterval: time.Second}, st, nil)
	chain := &rpcmanager.Chain{ChainID: 1}

	require.NoError(t, w.processTick(ctx, 1, chain))

	got, err := st.GetTxByHash(ctx, &rec.ChainID, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
}
