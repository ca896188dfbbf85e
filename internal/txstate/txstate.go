// Package txstate holds the transaction lifecycle's legal-transition
// table, exposed as a pure predicate so tests can assert valid status
// changes. The store layer does not call it; its conditional updates
// enforce transitions on their own.
package txstate

import "github.com/arvina-tech/temprano-watchtower/internal/model"

var legalFrom = map[model.TxStatus]map[model.TxStatus]bool{
	model.StatusQueued: {
		model.StatusBroadcasting:    true,
		model.StatusExpired:         true,
		model.StatusStaleByNonce:    true,
		model.StatusCanceledLocally: true,
		model.StatusExecuted:        true,
	},
	model.StatusBroadcasting: {
		model.StatusRetryScheduled:  true,
		model.StatusExpired:         true,
		model.StatusInvalid:         true,
		model.StatusStaleByNonce:    true,
		model.StatusCanceledLocally: true,
		model.StatusExecuted:        true,
	},
	model.StatusRetryScheduled: {
		model.StatusBroadcasting:    true,
		model.StatusExpired:         true,
		model.StatusStaleByNonce:    true,
		model.StatusCanceledLocally: true,
		model.StatusExecuted:        true,
	},
}

// CanTransition reports whether moving a row from `from` to `to` is
// legal. Terminal states are absorbing: no transition out of a
// terminal status is ever legal.
func CanTransition(from, to model.TxStatus) bool {
	if from.Terminal() {
		return false
	}
	return legalFrom[from][to]
}

// FieldsConsistent reports whether a row's (status, next_action_at,
// lease_owner) combination satisfies I2/I3: terminal rows carry no
// lease or schedule, and Broadcasting rows carry both lease fields.
func FieldsConsistent(status model.TxStatus, nextActionAt, leaseOwner, leaseUntil bool) bool {
	if status.Terminal() {
		return !nextActionAt && !leaseOwner && !leaseUntil
	}
	if status == model.StatusBroadcasting {
		return leaseOwner && leaseUntil
	}
	return true
}
