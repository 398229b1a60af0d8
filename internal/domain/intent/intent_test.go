package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateCreated, StateAwaitingConfirmation, true},
		{StateCreated, StateAwaitingAuthentication, true},
		{StateCreated, StateSucceeded, true},
		{StateCreated, StateFailed, true},
		{StateCreated, StateCanceled, true},
		{StateAwaitingConfirmation, StateSucceeded, true},
		{StateAwaitingConfirmation, StateAwaitingAuthentication, true},
		{StateAwaitingAuthentication, StateAwaitingConfirmation, true},
		{StateAwaitingAuthentication, StateSucceeded, true},
		{StateSucceeded, StateFailed, false},
		{StateSucceeded, StateCanceled, false},
		{StateFailed, StateSucceeded, false},
		{StateCanceled, StateAwaitingConfirmation, false},
		{StateSucceeded, StateSucceeded, true},
		{StateFailed, StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateSucceeded.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCanceled.IsTerminal())
	assert.False(t, StateCreated.IsTerminal())
	assert.False(t, StateAwaitingConfirmation.IsTerminal())
	assert.False(t, StateAwaitingAuthentication.IsTerminal())
}

func TestWantsVaulting(t *testing.T) {
	save := &Intent{Kind: KindSave}
	assert.True(t, save.WantsVaulting())

	charge := &Intent{Kind: KindCharge}
	assert.False(t, charge.WantsVaulting())

	chargeAndSave := &Intent{Kind: KindCharge, SaveInstrument: true}
	assert.True(t, chargeAndSave.WantsVaulting())
}
