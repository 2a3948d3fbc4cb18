package signaling

// Event is the internal union every relay frame and peer-connection callback
// is normalized into. A single dispatch function consumes them, which keeps
// interleaving reasoning in one place and testable without a network.
type Event interface{ isEvent() }

// Opened: the relay accepted our identifier.
type Opened struct{ PeerID string }

// ErrorEvent: the relay reported an error; Code is one of the ErrCode
// constants.
type ErrorEvent struct {
	Code   string
	Reason string
}

// Disconnected: the transport dropped. Non-fatal; the client reconnects in
// place.
type Disconnected struct{}

// IncomingCall: a remote peer sent an offer.
type IncomingCall struct{ Pending *PendingCall }

// AnswerEvent: the callee answered our offer.
type AnswerEvent struct {
	CallID string
	SDP    string
}

// CandidateEvent: trickle ICE from the remote peer.
type CandidateEvent struct {
	CallID    string
	Candidate ICECandidate
}

// StreamEvent: remote media arrived on an established connection.
type StreamEvent struct{ CallID string }

// Closed: the remote peer left the call.
type Closed struct {
	CallID string
	Reason string
}

func (Opened) isEvent()         {}
func (ErrorEvent) isEvent()     {}
func (Disconnected) isEvent()   {}
func (IncomingCall) isEvent()   {}
func (AnswerEvent) isEvent()    {}
func (CandidateEvent) isEvent() {}
func (StreamEvent) isEvent()    {}
func (Closed) isEvent()         {}
