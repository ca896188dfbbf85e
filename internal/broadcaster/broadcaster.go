// Package broadcaster sends a raw signed transaction to a fan-out of
// RPC endpoints for one chain and classifies the result.
package broadcaster

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
)

// Outcome is the three-way classification a broadcast attempt
// resolves to: Accepted moves the row toward RetryScheduled pending
// watcher confirmation, Retry keeps trying, Invalid is terminal.
type Outcome struct {
	Kind  OutcomeKind
	Error string
}

// OutcomeKind distinguishes the three broadcast outcomes.
type OutcomeKind int

const (
	// Accepted means at least one endpoint accepted the tx (including
	// an "already known" response, which counts as success since the
	// tx is already in some node's mempool or chain).
	Accepted OutcomeKind = iota
	// Retry means every endpoint failed with a transient error.
	Retry
	// Invalid means at least one endpoint rejected the tx for a
	// reason no retry will fix, and nothing accepted it.
	Invalid
)

// Broadcast sends rawTx to up to fanout endpoints of chain, starting
// at an offset derived from attempt so repeated attempts rotate
// through the pool instead of hammering the same endpoint.
func Broadcast(ctx context.Context, chain *rpcmanager.Chain, rawTx []byte, fanout int, timeout time.Duration, attempt int) Outcome {
	total := len(chain.Http)
	if total == 0 {
		return Outcome{Kind: Retry, Error: "no rpc endpoints"}
	}

	if fanout < 1 {
		fanout = 1
	}
	if fanout > total {
		fanout = total
	}
	if attempt < 0 {
		attempt = 0
	}
	start := attempt % total

	var errs []string
	var invalidErrs []string
	accepted := false

	for i := 0; i < fanout; i++ {
		client := chain.Http[(start+i)%total]
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := client.Client().CallContext(attemptCtx, nil, "eth_sendRawTransaction", hexutil.Encode(rawTx))
		cancel()

		if err == nil {
			accepted = true
			continue
		}

		if attemptCtx.Err() != nil {
			errs = append(errs, "broadcast timeout")
			continue
		}

		switch classifyError(err.Error()) {
		case errAlreadyKnown:
			accepted = true
			errs = append(errs, err.Error())
		case errInvalid:
			invalidErrs = append(invalidErrs, err.Error())
		default:
			errs = append(errs, err.Error())
		}
	}

	if accepted {
		msg := ""
		if len(errs) > 0 {
			msg = errs[0]
		}
		return Outcome{Kind: Accepted, Error: msg}
	}

	if len(invalidErrs) > 0 {
		return Outcome{Kind: Invalid, Error: strings.Join(invalidErrs, "; ")}
	}

	return Outcome{Kind: Retry, Error: strings.Join(errs, "; ")}
}

type errClass int

const (
	errAlreadyKnown errClass = iota
	errInvalid
	errRetry
)

// classifyError buckets a raw RPC error message the same way across
// every chain client: by substring, since error shapes vary too much
// by node implementation to parse structurally.
func classifyError(message string) errClass {
	msg := strings.ToLower(message)

	for _, s := range []string{"already known", "known transaction", "already imported", "already exists"} {
		if strings.Contains(msg, s) {
			return errAlreadyKnown
		}
	}

	for _, s := range []string{"invalid", "malformed", "signature", "fee payer", "expired", "nonce key"} {
		if strings.Contains(msg, s) {
			return errInvalid
		}
	}

	return errRetry
}
