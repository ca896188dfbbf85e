// Package watcher reconciles leased and queued transactions against
// on-chain truth: expiry, receipts, and nonce supersession.
package watcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/noncekey"
	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

// noncePrecompile is the well-known address of the account-abstraction
// style nonce-management precompile.
var noncePrecompile = common.HexToAddress("0x4e4f4e4345000000000000000000000000000000")

var getNonceMethod abi.Method

func init() {
	addrTy, _ := abi.NewType("address", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	uint64Ty, _ := abi.NewType("uint64", "", nil)
	getNonceMethod = abi.NewMethod("getNonce", "getNonce", abi.Function, "view", false, false,
		abi.Arguments{{Name: "account", Type: addrTy}, {Name: "nonceKey", Type: bytes32Ty}},
		abi.Arguments{{Name: "nonce", Type: uint64Ty}},
	)
}

// Config bounds the watcher's polling cadence and websocket usage.
type Config struct {
	PollInterval time.Duration
	UseWebsocket bool
}

// Watcher reconciles each configured chain's active rows against
// chain state.
type Watcher struct {
	cfg   Config
	store store.Store
	rpcs  *rpcmanager.Manager
}

// New constructs a Watcher.
func New(cfg Config, st store.Store, rpcs *rpcmanager.Manager) *Watcher {
	return &Watcher{cfg: cfg, store: st, rpcs: rpcs}
}

// Run watches chainID until ctx is canceled. It attempts a websocket
// subscription first if configured and available, falling back
// permanently to polling if the subscription fails or ends.
func (w *Watcher) Run(ctx context.Context, chainID uint64) {
	ctx = wtlog.WithChain(ctx, chainID)
	chain := w.rpcs.Chain(chainID)
	if chain == nil {
		wtlog.L(ctx).Warn("missing rpc chain for watcher")
		return
	}

	if w.cfg.UseWebsocket && chain.Ws != nil {
		if err := w.watchWs(ctx, chainID, chain); err != nil {
			wtlog.L(ctx).WithError(err).Warn("ws watcher failed, falling back to polling")
		} else {
			return
		}
	}

	w.watchPoll(ctx, chainID, chain)
}

// RunOnce reconciles chainID's active rows against chain state a
// single time. It exists for callers that need a single, deterministic
// pass instead of the ticking Run loop.
func (w *Watcher) RunOnce(ctx context.Context, chainID uint64) error {
	chain := w.rpcs.Chain(chainID)
	if chain == nil {
		return nil
	}
	return w.processTick(ctx, chainID, chain)
}

func (w *Watcher) watchWs(ctx context.Context, chainID uint64, chain *rpcmanager.Chain) error {
	wtlog.L(ctx).Info("starting websocket watcher")
	headers := make(chan *gethHeader)
	sub, err := chain.Ws.Client().EthSubscribe(ctx, headers, "newHeads")
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case <-headers:
			if err := w.processTick(ctx, chainID, chain); err != nil {
				wtlog.L(ctx).WithError(err).Warn("watcher tick failed")
			}
		}
	}
}

// gethHeader is a minimal stand-in shape for eth_subscribe("newHeads")
// payloads; the watcher only cares that a new head arrived, not its
// contents.
type gethHeader struct{}

func (w *Watcher) watchPoll(ctx context.Context, chainID uint64, chain *rpcmanager.Chain) {
	wtlog.L(ctx).Info("starting polling watcher")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processTick(ctx, chainID, chain); err != nil {
				wtlog.L(ctx).WithError(err).Warn("polling watcher tick failed")
			}
		}
	}
}

func (w *Watcher) processTick(ctx context.Context, chainID uint64, chain *rpcmanager.Chain) error {
	records, err := w.store.ListActiveTxs(ctx, chainID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now()
	var pending []*model.TxRecord

	for _, rec := range records {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			if err := w.store.MarkExpired(ctx, rec.ID); err != nil {
				return err
			}
			continue
		}

		receipt, err := fetchReceipt(ctx, chain, rec)
		if err != nil {
			wtlog.L(ctx).WithField("tx_hash", rec.TxHash.Hex()).WithError(err).Warn("failed to fetch receipt")
			pending = append(pending, rec)
			continue
		}
		if receipt != nil {
			raw, _ := receipt.MarshalJSON()
			if err := w.store.MarkExecuted(ctx, rec.ID, raw); err != nil {
				return err
			}
			continue
		}

		pending = append(pending, rec)
	}

	if len(pending) == 0 {
		return nil
	}

	type groupKey struct {
		sender   common.Address
		nonceKey [32]byte
	}
	grouped := make(map[groupKey][]*model.TxRecord)
	for _, rec := range pending {
		k := groupKey{sender: rec.Sender, nonceKey: rec.NonceKey}
		grouped[k] = append(grouped[k], rec)
	}

	for k, recs := range grouped {
		currentNonce, err := fetchCurrentNonce(ctx, chain, k.sender, k.nonceKey)
		if err != nil {
			wtlog.L(ctx).WithField("sender", k.sender.Hex()).WithError(err).Warn("failed to fetch current nonce")
			continue
		}
		if currentNonce == nil {
			continue
		}
		for _, rec := range recs {
			if *currentNonce > rec.Nonce {
				if err := w.store.MarkStaleByNonce(ctx, rec.ID); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

type receiptJSON struct {
	raw []byte
}

func (r *receiptJSON) MarshalJSON() ([]byte, error) { return r.raw, nil }

func fetchReceipt(ctx context.Context, chain *rpcmanager.Chain, rec *model.TxRecord) (*receiptJSON, error) {
	if len(chain.Http) == 0 {
		return nil, nil
	}
	client := chain.Http[0]
	receipt, err := client.TransactionReceipt(ctx, rec.TxHash)
	if err == ethereum.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := receipt.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &receiptJSON{raw: raw}, nil
}

// fetchCurrentNonce returns the sender's current nonce for the given
// nonce_key bucket: the default-lane nonce via the standard RPC for
// the zero key, otherwise a view call into the nonce precompile. It
// returns nil for the "random" key, which is exempt from supersession.
func fetchCurrentNonce(ctx context.Context, chain *rpcmanager.Chain, sender common.Address, nonceKey [32]byte) (*uint64, error) {
	if noncekey.IsRandom(nonceKey) {
		return nil, nil
	}
	if len(chain.Http) == 0 {
		return nil, nil
	}
	client := chain.Http[0]

	if noncekey.IsDefault(nonceKey) {
		n, err := client.NonceAt(ctx, sender, nil)
		if err != nil {
			return nil, err
		}
		return &n, nil
	}

	data, err := getNonceMethod.Inputs.Pack(sender, nonceKey)
	if err != nil {
		return nil, err
	}
	callData := append(append([]byte{}, getNonceMethod.ID...), data...)

	out, err := client.CallContract(ctx, ethereum.CallMsg{
		To:   &noncePrecompile,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, err
	}

	vals, err := getNonceMethod.Outputs.Unpack(out)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, nil
	}
	n, ok := vals[0].(uint64)
	if !ok {
		return nil, nil
	}
	return &n, nil
}
