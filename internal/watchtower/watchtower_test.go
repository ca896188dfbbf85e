// Package watchtower wires the core packages together end to end -
// ingress, the store, the ready index, the scheduler, and the watcher -
// against a fake chain endpoint, to exercise the literal submit-to-
// terminal scenarios no single package's unit tests can see on their
// own.
package watchtower

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvina-tech/temprano-watchtower/internal/ingress"
	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/noncekey"
	"github.com/arvina-tech/temprano-watchtower/internal/readyindex"
	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
	"github.com/arvina-tech/temprano-watchtower/internal/scheduler"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
	"github.com/arvina-tech/temprano-watchtower/internal/watcher"
)

const testChainID = 42431

// harness wires one chain's worth of store, index, scheduler, and
// watcher against one fake chain client per fan-out endpoint.
type harness struct {
	t       *testing.T
	store   store.Store
	index   *readyindex.Index
	chains  []*fakeChainClient
	sched   *scheduler.Scheduler
	watch   *watcher.Watcher
}

func newHarness(t *testing.T, fanout int) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := readyindex.New(rdb)

	st := store.NewMemStore()

	chains := make([]*fakeChainClient, fanout)
	clients := make([]rpcmanager.ChainClient, fanout)
	for i := range chains {
		c := newFakeChainClient()
		t.Cleanup(c.close)
		chains[i] = c
		clients[i] = c
	}
	rpcs := rpcmanager.NewManual(map[uint64]*rpcmanager.Chain{
		testChainID: {ChainID: testChainID, Http: clients},
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrency:   4,
		LeaseTTL:         time.Minute,
		RetryMinDelay:    50 * time.Millisecond,
		RetryMaxDelay:    time.Second,
		BroadcastFanout:  fanout,
		BroadcastTimeout: time.Second,
	}, st, idx, rpcs)

	w := watcher.New(watcher.Config{PollInterval: time.Second}, st, rpcs)

	return &harness{t: t, store: st, index: idx, chains: chains, sched: sched, watch: w}
}

// chain returns the first fan-out endpoint, the only one that matters
// for single-endpoint scenarios.
func (h *harness) chain() *fakeChainClient { return h.chains[0] }

func (h *harness) sawRawTxAnywhere() bool {
	for _, c := range h.chains {
		if c.sawRawTx() {
			return true
		}
	}
	return false
}

func (h *harness) submit(tx ingress.ParsedTx) *model.TxRecord {
	h.t.Helper()
	sub := ingress.New(h.store, h.index)
	rec, known, err := sub.Submit(context.Background(), tx)
	require.NoError(h.t, err)
	require.False(h.t, known)
	return rec
}

func (h *harness) tick() { h.sched.RunOnce(context.Background(), testChainID, "test-owner") }

func (h *harness) watch1() error { return h.watch.RunOnce(context.Background(), testChainID) }

func (h *harness) reload(rec *model.TxRecord) *model.TxRecord {
	h.t.Helper()
	got, err := h.store.GetTxByHash(context.Background(), &rec.ChainID, rec.TxHash)
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got
}

func hashFor(seed string) common.Hash {
	return crypto.Keccak256Hash([]byte(seed))
}

// Scenario 1: happy path. Submit a signed tx with no validity bounds.
// Within one scheduler tick the fake endpoint sees the raw bytes, the
// row becomes RetryScheduled with attempts=1. On the next watcher tick
// the endpoint returns a receipt and the row goes terminal Executed.
func TestHappyPathBroadcastsThenExecutes(t *testing.T) {
	h := newHarness(t, 1)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000001")

	rec := h.submit(ingress.ParsedTx{
		ChainID: testChainID,
		TxHash:  hashFor("scenario-1"),
		RawTx:   []byte{0xde, 0xad, 0xbe, 0xef},
		Sender:  sender,
	})

	h.tick()
	assert.True(t, h.sawRawTxAnywhere(), "the fake endpoint must see the raw bytes within one scheduler tick")

	got := h.reload(rec)
	assert.Equal(t, model.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.Attempts)

	h.chain().setReceipt(&types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: rec.TxHash})
	require.NoError(t, h.watch1())

	got = h.reload(rec)
	assert.Equal(t, model.StatusExecuted, got.Status)
}

// Scenario 2: delayed eligibility. A tx with valid_after in the future
// must not be seen by the endpoint before that time, and must be seen
// once it elapses.
func TestDelayedEligibilityWithholdsUntilEligible(t *testing.T) {
	h := newHarness(t, 1)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000002")

	// valid_after is unix-seconds granularity, so the delay has to clear
	// a whole second boundary for the "not yet eligible" half to hold.
	validAfter := uint64(time.Now().Add(2 * time.Second).Unix())
	rec := h.submit(ingress.ParsedTx{
		ChainID:    testChainID,
		TxHash:     hashFor("scenario-2"),
		RawTx:      []byte{0x01},
		Sender:     sender,
		ValidAfter: &validAfter,
	})

	h.tick()
	assert.False(t, h.sawRawTxAnywhere(), "a not-yet-eligible row must not be broadcast")

	time.Sleep(2500 * time.Millisecond)
	h.tick()
	assert.True(t, h.sawRawTxAnywhere(), "the row must be broadcast once eligible")

	got := h.reload(rec)
	assert.Equal(t, model.StatusRetryScheduled, got.Status)
}

// Scenario 3: group cancel. Two txs sharing a nonce_key, canceled
// before eligibility, must never reach the endpoint and must end up
// CanceledLocally with raw_tx cleared.
func TestGroupCancelPreventsBroadcast(t *testing.T) {
	h := newHarness(t, 1)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	var nonceKey [32]byte
	nonceKey[0] = 0x0b
	groupID := noncekey.GroupID(nonceKey)

	validAfter := uint64(time.Now().Add(2 * time.Second).Unix())
	var recs []*model.TxRecord
	for i, seed := range []string{"scenario-3-a", "scenario-3-b"} {
		vb := validAfter + uint64(100+i)
		recs = append(recs, h.submit(ingress.ParsedTx{
			ChainID:     testChainID,
			TxHash:      hashFor(seed),
			RawTx:       []byte{0x01},
			Sender:      sender,
			NonceKey:    nonceKey,
			Nonce:       uint64(i),
			ValidAfter:  &validAfter,
			ValidBefore: &vb,
		}))
	}

	digest := crypto.Keccak256(groupID[:])
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	sub := ingress.New(h.store, h.index)
	canceled, err := sub.CancelGroup(context.Background(), sig, sender, groupID)
	require.NoError(t, err)
	require.Len(t, canceled, 2)

	time.Sleep(2500 * time.Millisecond)
	h.tick()
	assert.False(t, h.sawRawTxAnywhere(), "a canceled group must never reach the endpoint")

	for _, rec := range recs {
		got := h.reload(rec)
		assert.Equal(t, model.StatusCanceledLocally, got.Status)
		assert.Nil(t, got.RawTx)
	}
}

// Scenario 4: nonce supersession. While a tx is still RetryScheduled,
// the chain's observed nonce advances past it; the next watcher visit
// must mark it StaleByNonce.
func TestNonceSupersessionMarksStaleByNonce(t *testing.T) {
	h := newHarness(t, 1)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000004")

	rec := h.submit(ingress.ParsedTx{
		ChainID: testChainID,
		TxHash:  hashFor("scenario-4"),
		RawTx:   []byte{0x01},
		Sender:  sender,
		Nonce:   0,
	})

	h.tick()
	got := h.reload(rec)
	require.Equal(t, model.StatusRetryScheduled, got.Status)

	h.chain().setNonce(1)
	require.NoError(t, h.watch1())

	got = h.reload(rec)
	assert.Equal(t, model.StatusStaleByNonce, got.Status)
}

// Scenario 5: invalid classification. The endpoint rejects the tx with
// an unretryable reason; the row must go terminal Invalid with
// attempts=1 and last_error containing the rejection text.
func TestInvalidClassificationTerminatesWithAttemptCount(t *testing.T) {
	h := newHarness(t, 1)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000005")

	rec := h.submit(ingress.ParsedTx{
		ChainID: testChainID,
		TxHash:  hashFor("scenario-5"),
		RawTx:   []byte{0x01},
		Sender:  sender,
	})

	h.chain().setSendRawErr("fee payer signature invalid")
	h.tick()

	got := h.reload(rec)
	assert.Equal(t, model.StatusInvalid, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "fee payer signature invalid")
}

// Scenario 6: already-known deduplication. With fan-out 2, one
// endpoint accepts and the other reports the tx as already known; the
// row must move to RetryScheduled (Accepted), not Invalid.
func TestAlreadyKnownDedupKeepsRowRetryable(t *testing.T) {
	h := newHarness(t, 2)
	sender := common.HexToAddress("0x1000000000000000000000000000000000000006")

	rec := h.submit(ingress.ParsedTx{
		ChainID: testChainID,
		TxHash:  hashFor("scenario-6"),
		RawTx:   []byte{0x01},
		Sender:  sender,
	})

	// h.chains[0] accepts outright; h.chains[1] reports the tx as
	// already known, matching the literal fan-out-2 scenario.
	h.chains[1].setSendRawErr("already known")
	h.tick()

	got := h.reload(rec)
	assert.Equal(t, model.StatusRetryScheduled, got.Status)
	if got.LastError != nil {
		assert.Contains(t, *got.LastError, "already known")
	}
}
