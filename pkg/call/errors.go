package call

import "errors"

// Engine-level error taxonomy. Transport errors (identifier collision,
// network, connect timeout) come from pkg/signaling; media errors
// (unavailable, permission denied) from pkg/media. All of them are retried
// or mapped internally and reach the caller only once a budget is spent.
var (
	// ErrConnectionTimeout: the total negotiation budget elapsed without a
	// single variant connecting.
	ErrConnectionTimeout = errors.New("call negotiation timed out")

	// ErrNoIncomingCall: AcceptCall with nothing pending.
	ErrNoIncomingCall = errors.New("no incoming call to accept")

	// ErrCallInProgress: at most one active call per engine.
	ErrCallInProgress = errors.New("another call is already active")

	// ErrNotReady: the operation needs the engine in the ready state.
	ErrNotReady = errors.New("call engine not ready")
)

// EndReason labels a normal termination. Not errors.
type EndReason string

const (
	ReasonLocalHangup  EndReason = "local_hangup"
	ReasonRemoteHangup EndReason = "remote_hangup"
	ReasonCleanup      EndReason = "cleanup"
	ReasonMissed       EndReason = "missed"
)
