package txstate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arvina-tech/temprano-watchtower/internal/model"
)

var allStatuses = []model.TxStatus{
	model.StatusQueued,
	model.StatusBroadcasting,
	model.StatusRetryScheduled,
	model.StatusExecuted,
	model.StatusExpired,
	model.StatusInvalid,
	model.StatusStaleByNonce,
	model.StatusCanceledLocally,
}

// P4: no row transitions out of a terminal state.
func TestCanTransitionRejectsEveryMoveOutOfATerminalStatus(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "terminal status %s must not transition to %s", from, to)
		}
	}
}

func TestCanTransitionAllowsTheDocumentedActiveMoves(t *testing.T) {
	assert.True(t, CanTransition(model.StatusQueued, model.StatusBroadcasting))
	assert.True(t, CanTransition(model.StatusBroadcasting, model.StatusRetryScheduled))
	assert.True(t, CanTransition(model.StatusRetryScheduled, model.StatusBroadcasting))
	assert.False(t, CanTransition(model.StatusQueued, model.StatusQueued))
}

// P1: a row's (status, next_action_at, lease_owner, lease_until) combination
// satisfies I2 (terminal implies no schedule or lease) and I3 (Broadcasting
// implies both lease fields set).
func TestFieldsConsistentEnforcesI2ForEveryTerminalStatus(t *testing.T) {
	for _, status := range allStatuses {
		if !status.Terminal() {
			continue
		}
		assert.True(t, FieldsConsistent(status, false, false, false), "%s with no schedule/lease must be consistent", status)
		assert.False(t, FieldsConsistent(status, true, false, false), "%s must not carry next_action_at", status)
		assert.False(t, FieldsConsistent(status, false, true, false), "%s must not carry lease_owner", status)
		assert.False(t, FieldsConsistent(status, false, false, true), "%s must not carry lease_until", status)
	}
}

func TestFieldsConsistentEnforcesI3ForBroadcasting(t *testing.T) {
	assert.True(t, FieldsConsistent(model.StatusBroadcasting, false, true, true))
	assert.False(t, FieldsConsistent(model.StatusBroadcasting, false, true, false), "Broadcasting without lease_until is inconsistent")
	assert.False(t, FieldsConsistent(model.StatusBroadcasting, false, false, true), "Broadcasting without lease_owner is inconsistent")
}

func TestFieldsConsistentIsUnconstrainedForOtherActiveStatuses(t *testing.T) {
	assert.True(t, FieldsConsistent(model.StatusQueued, true, false, false))
	assert.True(t, FieldsConsistent(model.StatusRetryScheduled, true, false, false))
}
