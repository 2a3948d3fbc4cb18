package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateInitializing},
		{StateInitializing, StateReady},
		{StateInitializing, StateFailed},
		{StateReady, StateCalling},
		{StateReady, StateRinging},
		{StateCalling, StateConnecting},
		{StateCalling, StateFailed},
		{StateRinging, StateConnecting},
		{StateRinging, StateMissed},
		{StateConnecting, StateConnected},
		{StateConnecting, StateMissed},
		{StateConnected, StateEnded},
		{StateConnected, StateFailed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateIdle, StateConnected},
		{StateReady, StateConnected},
		{StateCalling, StateRinging},
		{StateRinging, StateCalling},
		{StateEnded, StateConnected},
		{StateFailed, StateCalling},
		{StateConnected, StateRinging},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateEnded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateMissed.Terminal())
	assert.False(t, StateConnected.Terminal())
	assert.False(t, StateIdle.Terminal())
}
