package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/xaosao/peercall/pkg/media"
)

// ErrNoAnswer: the dialed peer never answered the offer within the attempt
// deadline.
var ErrNoAnswer = errors.New("no answer from remote peer")

// Call is the negotiated call handle the call layer works with. MediaConn is
// the production implementation; tests substitute fakes.
type Call interface {
	ID() string
	RemotePeerID() string
	RemoteStream() *media.Stream
	OnClosed(fn func(reason string))
	OnError(fn func(err error))
	Close() error
}

// Dial makes one caller-side connection attempt against targetID. It resolves
// when the remote stream arrives, or fails on ctx expiry / negotiation error.
// The per-attempt timeout is the caller's ctx; the negotiator owns budgets.
func (c *Client) Dial(ctx context.Context, targetID string, local *media.Stream, meta CallMetadata) (Call, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	mc, pc, err := c.newMediaConn(uuid.NewString(), targetID, local)
	if err != nil {
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		mc.abort()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		mc.abort()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.send(Envelope{
		Type:     msgOffer,
		Dst:      targetID,
		Src:      c.PeerID(),
		CallID:   mc.callID,
		SDP:      offer.SDP,
		Metadata: &meta,
	}); err != nil {
		mc.abort()
		return nil, fmt.Errorf("%w: send offer: %v", ErrNetwork, err)
	}

	select {
	case sdp := <-mc.answerCh:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sdp,
		}); err != nil {
			mc.abort()
			return nil, fmt.Errorf("set remote description: %w", err)
		}
	case <-mc.failedCh:
		err := mc.failure()
		mc.abort()
		return nil, err
	case <-ctx.Done():
		mc.abort()
		return nil, fmt.Errorf("%w: %s", ErrNoAnswer, targetID)
	}

	return mc.waitRemote(ctx)
}

// Answer accepts a pending incoming call with the given local stream.
func (c *Client) Answer(ctx context.Context, pending *PendingCall, local *media.Stream) (Call, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if pending.Cancelled() {
		return nil, fmt.Errorf("caller already hung up: %s", pending.RemotePeerID)
	}

	mc, pc, err := c.newMediaConn(pending.CallID, pending.RemotePeerID, local)
	if err != nil {
		return nil, err
	}
	c.takePending(pending.CallID)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  pending.offerSDP,
	}); err != nil {
		mc.abort()
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	for _, cand := range pending.takeCandidates() {
		mc.addRemoteCandidate(cand)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		mc.abort()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		mc.abort()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.send(Envelope{
		Type:   msgAnswer,
		Dst:    pending.RemotePeerID,
		Src:    c.PeerID(),
		CallID: pending.CallID,
		SDP:    answer.SDP,
	}); err != nil {
		mc.abort()
		return nil, fmt.Errorf("%w: send answer: %v", ErrNetwork, err)
	}

	return mc.waitRemote(ctx)
}

// newMediaConn builds the peer connection, attaches local tracks, and wires
// pion callbacks into the event model.
func (c *Client) newMediaConn(callID, remoteID string, local *media.Stream) (*MediaConn, *webrtc.PeerConnection, error) {
	pc, err := c.newPeerConnection(local)
	if err != nil {
		return nil, nil, err
	}

	mc := &MediaConn{
		client:      c,
		callID:      callID,
		remoteID:    remoteID,
		pc:          pc,
		remote:      media.NewStream(),
		remoteReady: make(chan struct{}),
		failedCh:    make(chan struct{}),
		answerCh:    make(chan string, 1),
	}
	c.registerCall(mc)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		mc.handleTrack(track)
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if err := c.send(Envelope{
			Type:   msgCandidate,
			Dst:    remoteID,
			Src:    c.PeerID(),
			CallID: callID,
			Candidate: &ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		}); err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("trickle candidate send failed")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("call_id", callID).Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			mc.fail(fmt.Errorf("%w: peer connection failed", ErrNetwork))
		case webrtc.PeerConnectionStateClosed:
			mc.remoteClosed("transport closed")
		}
	})

	return mc, pc, nil
}

// newPeerConnection assembles the pion API with the capture codecs and
// relaxed ICE timeouts.
func (c *Client) newPeerConnection(local *media.Stream) (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if c.cfg.CodecSelector != nil {
		c.cfg.CodecSelector.Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	var haveAudio, haveVideo bool
	if local != nil {
		for _, t := range local.Tracks() {
			provider, ok := t.(media.WebRTCTrackProvider)
			if !ok {
				continue
			}
			if _, err := pc.AddTrack(provider.WebRTCTrack()); err != nil {
				log.Warn().Err(err).Str("track_id", t.ID()).Msg("add local track failed")
				continue
			}
			switch t.Kind() {
			case media.TrackKindAudio:
				haveAudio = true
			case media.TrackKindVideo:
				haveVideo = true
			}
		}
	}

	// Recvonly transceivers for directions we do not send, so the SDP always
	// carries valid m-lines with ICE credentials.
	if !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn().Err(err).Msg("add video transceiver failed")
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn().Err(err).Msg("add audio transceiver failed")
		}
	}

	return pc, nil
}

// ============================================
// MEDIA CONNECTION
// One negotiated (or in-flight) call
// ============================================

// MediaConn is the live call handle: the pion connection plus the remote
// stream assembled from incoming tracks.
type MediaConn struct {
	client   *Client
	callID   string
	remoteID string
	pc       *webrtc.PeerConnection

	remote      *media.Stream
	remoteReady chan struct{}
	failedCh    chan struct{}
	answerCh    chan string

	mu        sync.Mutex
	readyOnce bool
	failErr   error
	closed    bool
	onClosed  func(reason string)
	onError   func(err error)
}

func (m *MediaConn) ID() string                  { return m.callID }
func (m *MediaConn) RemotePeerID() string        { return m.remoteID }
func (m *MediaConn) RemoteStream() *media.Stream { return m.remote }

// OnClosed registers the remote-hangup callback.
func (m *MediaConn) OnClosed(fn func(reason string)) {
	m.mu.Lock()
	m.onClosed = fn
	m.mu.Unlock()
}

// OnError registers the unrecoverable-error callback.
func (m *MediaConn) OnError(fn func(err error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// waitRemote blocks until the first remote track arrives, the connection
// fails, or ctx expires.
func (m *MediaConn) waitRemote(ctx context.Context) (Call, error) {
	select {
	case <-m.remoteReady:
		log.Info().Str("call_id", m.callID).Str("remote", m.remoteID).Msg("remote stream ready")
		return m, nil
	case <-m.failedCh:
		err := m.failure()
		m.abort()
		return nil, err
	case <-ctx.Done():
		m.abort()
		return nil, fmt.Errorf("waiting for remote stream: %w", ctx.Err())
	}
}

func (m *MediaConn) handleTrack(track *webrtc.TrackRemote) {
	rt := newRemoteTrack(track)
	m.remote.AddTrack(rt)
	go rt.drain()

	m.mu.Lock()
	first := !m.readyOnce
	m.readyOnce = true
	m.mu.Unlock()
	if first {
		close(m.remoteReady)
	}
	log.Debug().Str("call_id", m.callID).Str("kind", string(rt.Kind())).Msg("remote track attached")
}

func (m *MediaConn) deliverAnswer(sdp string) {
	select {
	case m.answerCh <- sdp:
	default:
		// duplicate answer; first one wins
	}
}

func (m *MediaConn) addRemoteCandidate(cand ICECandidate) {
	err := m.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
	if err != nil {
		log.Warn().Err(err).Str("call_id", m.callID).Msg("add ICE candidate failed")
	}
}

func (m *MediaConn) fail(err error) {
	m.mu.Lock()
	if m.closed || m.failErr != nil {
		m.mu.Unlock()
		return
	}
	m.failErr = err
	handler := m.onError
	m.mu.Unlock()

	close(m.failedCh)
	if handler != nil {
		handler(err)
	}
}

func (m *MediaConn) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	return fmt.Errorf("%w: connection failed", ErrNetwork)
}

// remoteClosed handles a leave frame or transport closure initiated by the
// other side.
func (m *MediaConn) remoteClosed(reason string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handler := m.onClosed
	m.mu.Unlock()

	m.release()
	if handler != nil {
		handler(reason)
	}
}

// Close hangs up locally: sends leave, releases the peer connection.
// Idempotent.
func (m *MediaConn) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.client.send(Envelope{
		Type:   msgLeave,
		Dst:    m.remoteID,
		Src:    m.client.PeerID(),
		CallID: m.callID,
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Debug().Err(err).Str("call_id", m.callID).Msg("leave frame not delivered")
	}
	m.release()
	return nil
}

// abort releases a connection that never completed negotiation.
func (m *MediaConn) abort() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.release()
}

func (m *MediaConn) release() {
	m.client.deregisterCall(m.callID)
	for _, t := range m.remote.Tracks() {
		t.Stop()
	}
	if err := m.pc.Close(); err != nil {
		log.Debug().Err(err).Str("call_id", m.callID).Msg("peer connection close")
	}
}

// remoteTrack adapts a pion TrackRemote to the media.Track interface.
// Enabled is a local render gate; Stop ends the drain loop.
type remoteTrack struct {
	track *webrtc.TrackRemote
	kind  media.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	kind := media.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.TrackKindVideo
	}
	return &remoteTrack{track: track, kind: kind, enabled: true}
}

func (r *remoteTrack) ID() string            { return r.track.ID() }
func (r *remoteTrack) Kind() media.TrackKind { return r.kind }

func (r *remoteTrack) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *remoteTrack) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

func (r *remoteTrack) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// drain keeps the RTP buffer moving even when no renderer is attached.
func (r *remoteTrack) drain() {
	for {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		if _, _, err := r.track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track_id", r.track.ID()).Msg("remote track read ended")
			}
			return
		}
	}
}
