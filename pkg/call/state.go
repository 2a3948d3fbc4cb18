package call

// State is the call lifecycle. Transitions run one direction; idle is only
// reachable again through Cleanup.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
	StateMissed       State = "missed"
)

var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateReady, StateFailed},
	StateReady:        {StateCalling, StateRinging, StateFailed},
	StateCalling:      {StateConnecting, StateFailed},
	StateRinging:      {StateConnecting, StateMissed, StateEnded, StateFailed},
	StateConnecting:   {StateConnected, StateEnded, StateFailed, StateMissed},
	StateConnected:    {StateEnded, StateFailed},
}

// CanTransition reports whether s -> to is a legal lifecycle step. Cleanup's
// reset to idle bypasses this table on purpose.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the lifecycle (short of Cleanup).
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateMissed
}
