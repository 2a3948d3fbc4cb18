package signaling

import "sync"

// PendingCall is an incoming offer that has not been answered yet. The call
// layer holds it between the ringing and connecting states; candidates that
// trickle in before Answer runs are buffered here.
type PendingCall struct {
	CallID       string
	RemotePeerID string
	Meta         CallMetadata

	offerSDP string

	mu        sync.Mutex
	cands     []ICECandidate
	cancelled bool
	onCancel  func()
}

// NewPendingCall builds a pending incoming call. Exposed so the call layer
// can be tested against fabricated incoming calls.
func NewPendingCall(callID, remotePeerID, offerSDP string, meta CallMetadata) *PendingCall {
	return &PendingCall{
		CallID:       callID,
		RemotePeerID: remotePeerID,
		Meta:         meta,
		offerSDP:     offerSDP,
	}
}

// OnCancel registers the callback fired when the caller gives up before the
// call is answered. Fires immediately if that already happened.
func (p *PendingCall) OnCancel(fn func()) {
	p.mu.Lock()
	already := p.cancelled
	if !already {
		p.onCancel = fn
	}
	p.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

// Cancelled reports whether the caller hung up before an answer.
func (p *PendingCall) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Cancel marks the offer withdrawn and fires the OnCancel callback once.
func (p *PendingCall) Cancel() {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	fn := p.onCancel
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *PendingCall) addCandidate(c ICECandidate) {
	p.mu.Lock()
	p.cands = append(p.cands, c)
	p.mu.Unlock()
}

func (p *PendingCall) takeCandidates() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.cands
	p.cands = nil
	return out
}
