package signaling

import "github.com/xaosao/peercall/pkg/media"

// ============================================
// RELAY WIRE PROTOCOL
// JSON envelopes exchanged with the signaling relay
// ============================================

type messageType string

const (
	// relay -> client
	msgOpen    messageType = "open"     // identifier accepted
	msgIDTaken messageType = "id-taken" // identifier collision
	msgError   messageType = "error"    // relay-side error, Code carries the class

	// peer <-> peer, routed by the relay
	msgOffer     messageType = "offer"
	msgAnswer    messageType = "answer"
	msgCandidate messageType = "candidate"
	msgLeave     messageType = "leave"
)

// Relay error classes carried in Envelope.Code.
const (
	ErrCodeUnavailableID = "unavailable-id"
	ErrCodeNetwork       = "network"
	ErrCodeServerError   = "server-error"
	ErrCodeFatal         = "fatal"
)

// CallMetadata travels with an offer so the callee can render the caller
// before answering.
type CallMetadata struct {
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	BookingID string         `json:"bookingId"`
	CallType  media.CallType `json:"callType"`
}

// ICECandidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Envelope is one relay frame. Fields are populated per Type; the zero value
// of everything else is omitted on the wire.
type Envelope struct {
	Type     messageType   `json:"type"`
	Src      string        `json:"src,omitempty"`
	Dst      string        `json:"dst,omitempty"`
	CallID   string        `json:"callId,omitempty"`
	SDP      string        `json:"sdp,omitempty"`
	Metadata *CallMetadata `json:"metadata,omitempty"`

	Candidate *ICECandidate `json:"candidate,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}
