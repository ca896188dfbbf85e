// Package rpcmanager owns the per-chain ethclient connections the
// broadcaster and watcher dispatch against.
package rpcmanager

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

// ChainClient is the subset of *ethclient.Client the broadcaster and
// watcher call through. It exists so tests can substitute a fake
// endpoint instead of dialing a live node.
type ChainClient interface {
	Client() *rpc.Client
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chain holds every connected endpoint for one chain ID. Http is the
// fan-out pool the broadcaster rotates through; Ws is optional and
// used only by the watcher when configured.
type Chain struct {
	ChainID uint64
	Http    []ChainClient
	Ws      ChainClient
	URLs    []string
}

// Manager is a read-only, built-once registry of Chain connections.
type Manager struct {
	chains map[uint64]*Chain
}

// ChainURLs is the input config shape: the URLs configured for one
// chain ID.
type ChainURLs struct {
	ChainID     uint64
	URLs        []string
	UseWebsocket bool
}

// New dials every configured URL for every chain. A chain with zero
// reachable http endpoints is an error - the caller cannot schedule
// broadcasts for it at all.
func New(ctx context.Context, chains []ChainURLs) (*Manager, error) {
	m := &Manager{chains: make(map[uint64]*Chain, len(chains))}

	for _, cfg := range chains {
		chain := &Chain{ChainID: cfg.ChainID, URLs: cfg.URLs}

		for _, url := range cfg.URLs {
			client, err := ethclient.DialContext(ctx, url)
			if err != nil {
				wtlog.L(ctx).WithField("chain_id", cfg.ChainID).WithField("url", url).
					WithError(err).Warn("failed to connect http provider")
				continue
			}
			wtlog.L(ctx).WithField("chain_id", cfg.ChainID).WithField("url", url).
				Info("connected http provider")
			chain.Http = append(chain.Http, client)
		}

		if len(chain.Http) == 0 {
			return nil, fmt.Errorf("no reachable rpc urls for chain %d", cfg.ChainID)
		}

		if cfg.UseWebsocket {
			wsURL := firstWsURL(cfg.URLs)
			if wsURL != "" {
				ws, err := ethclient.DialContext(ctx, wsURL)
				if err != nil {
					wtlog.L(ctx).WithField("chain_id", cfg.ChainID).WithField("url", wsURL).
						WithError(err).Warn("failed to connect ws provider")
				} else {
					wtlog.L(ctx).WithField("chain_id", cfg.ChainID).WithField("url", wsURL).
						Info("connected ws provider")
					chain.Ws = ws
				}
			}
		}

		m.chains[cfg.ChainID] = chain
	}

	return m, nil
}

// NewManual builds a Manager directly from already-constructed chains,
// bypassing dialing. Used by tests that substitute a fake ChainClient
// for a live node.
func NewManual(chains map[uint64]*Chain) *Manager {
	return &Manager{chains: chains}
}

// Chain returns the connections for chainID, or nil if unconfigured.
func (m *Manager) Chain(chainID uint64) *Chain {
	return m.chains[chainID]
}

// ChainIDs returns every configured chain ID, sorted ascending.
func (m *Manager) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// firstWsURL prefers an explicit ws(s):// URL, falling back to
// deriving one from the first http(s) URL.
func firstWsURL(urls []string) string {
	for _, url := range urls {
		if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
			return url
		}
	}
	if len(urls) == 0 {
		return ""
	}
	return toWsURL(urls[0])
}

// toWsURL converts an http(s) URL to its ws(s) equivalent, returning
// "" if url does not start with http(s).
func toWsURL(url string) string {
	if rest, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(url, "http://"); ok {
		return "ws://" + rest
	}
	return ""
}
