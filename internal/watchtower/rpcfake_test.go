package watchtower

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
)

// fakeChainClient is a rpcmanager.ChainClient backed by a real
// *rpc.Client dialed against an in-process JSON-RPC server, so
// eth_sendRawTransaction genuinely round-trips over the wire the way
// broadcaster.Broadcast calls it. TransactionReceipt/NonceAt/CallContract
// are answered directly rather than through JSON, since the watcher's
// own unit tests (internal/watcher) already exercise that plumbing with
// the same style of fake.
type fakeChainClient struct {
	mu sync.Mutex

	server *httptest.Server
	rpc    *rpc.Client

	sendRawErr  string   // non-empty simulates a send_raw_transaction error
	sentRawTxes [][]byte // every raw payload the server actually received

	receipt *types.Receipt // nil means "not yet mined"
	nonce   uint64
}

func newFakeChainClient() *fakeChainClient {
	f := &fakeChainClient{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	cl, err := rpc.DialHTTP(f.server.URL)
	if err != nil {
		panic(err)
	}
	f.rpc = cl
	return f
}

func (f *fakeChainClient) close() { f.server.Close() }

func (f *fakeChainClient) setSendRawErr(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendRawErr = msg
}

func (f *fakeChainClient) setNonce(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = n
}

func (f *fakeChainClient) setReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipt = r
}

func (f *fakeChainClient) sawRawTx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentRawTxes) > 0
}

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

func (f *fakeChainClient) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req jsonRPCRequest
	_ = json.Unmarshal(body, &req)

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "eth_sendRawTransaction":
		var rawHex string
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params[0], &rawHex)
		}
		raw, _ := hexutil.Decode(rawHex)

		f.mu.Lock()
		f.sentRawTxes = append(f.sentRawTxes, raw)
		errMsg := f.sendRawErr
		f.mu.Unlock()

		if errMsg != "" {
			resp.Error = &jsonRPCError{Code: -32000, Message: errMsg}
		} else {
			resp.Result = common.Hash{}.Hex()
		}
	default:
		resp.Error = &jsonRPCError{Code: -32601, Message: "method not supported by fake"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeChainClient) Client() *rpc.Client { return f.rpc }

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeChainClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

var _ rpcmanager.ChainClient = (*fakeChainClient)(nil)
