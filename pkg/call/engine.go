// Package call implements the peer call engine: caller-side negotiation with
// bounded retries, the callee accept path, duration and heartbeat reporting,
// and teardown that is safe from every path that can trigger it.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xaosao/peercall/pkg/media"
	"github.com/xaosao/peercall/pkg/signaling"
)

// Signaler is the slice of the signaling client the engine uses. Implemented
// by *signaling.Client; tests substitute fakes.
type Signaler interface {
	Initialize(ctx context.Context) (string, error)
	Dial(ctx context.Context, targetID string, local *media.Stream, meta signaling.CallMetadata) (signaling.Call, error)
	Answer(ctx context.Context, pending *signaling.PendingCall, local *media.Stream) (signaling.Call, error)
	SetHandlers(onIncoming func(*signaling.PendingCall), onFatal func(error))
	Close() error
}

// Billing is the slice of the billing client the engine uses.
type Billing interface {
	Heartbeat(ctx context.Context, bookingID, participantType string) error
	CallStartAsync(bookingID string)
	HeartbeatBeacon(bookingID, participantType string)
	EndBeacon(bookingID, endedBy string)
}

// Record describes one call for the optional recorder.
type Record struct {
	SessionID    uuid.UUID
	BookingID    string
	Role         string
	CallType     media.CallType
	RemotePeerID string
	StartedAt    time.Time
}

// Recorder persists call records. Best-effort: errors are logged, never
// interrupt a call.
type Recorder interface {
	CallStarted(ctx context.Context, rec Record) error
	CallEnded(ctx context.Context, sessionID uuid.UUID, durationSeconds int, reason EndReason) error
}

// Config for an Engine. Zero-value budgets get the production defaults.
type Config struct {
	BookingID   string
	Role        string // participant type, e.g. "customer" or "model"
	DisplayName string
	UserID      string

	AttemptTimeout    time.Duration // per dial attempt, default 5s
	TotalBudget       time.Duration // whole negotiation, default 90s
	RoundPause        time.Duration // between rounds, default 3s
	AnswerTimeout     time.Duration // callee accept path, default 15s
	IDRetries         int           // identifier variants beyond base, default 3
	TickInterval      time.Duration // duration recompute, default 1s
	HeartbeatInterval time.Duration // default 10s

	OnStateChange func(State)
	OnError       func(error)
	OnDuration    func(seconds int)
}

func (c *Config) applyDefaults() {
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.TotalBudget == 0 {
		c.TotalBudget = 90 * time.Second
	}
	if c.RoundPause == 0 {
		c.RoundPause = 3 * time.Second
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = 15 * time.Second
	}
	if c.IDRetries == 0 {
		c.IDRetries = 3
	}
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// inflight carries the cancellation hook of a call still being set up, so
// Cleanup can abort a negotiation or accept before it installs resources.
type inflight struct {
	cancel context.CancelFunc
}

// Engine drives at most one call at a time.
type Engine struct {
	cfg      Config
	sig      Signaler
	acquirer media.Acquirer
	billing  Billing
	recorder Recorder

	// injectable clock for negotiation tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// serializes OnStateChange so observers see transitions in order
	states chan State

	mu          sync.Mutex
	state       State
	peerID      string
	local       *media.Participant
	remote      *media.Participant
	localStream *media.Stream
	conn        signaling.Call
	pending     *signaling.PendingCall
	session     *Session
	rep         *reporter
	setup       *inflight
}

// NewEngine wires an engine to its collaborators and registers itself as the
// signaler's incoming-call handler.
func NewEngine(cfg Config, sig Signaler, acquirer media.Acquirer, bill Billing) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		sig:      sig,
		acquirer: acquirer,
		billing:  bill,
		state:    StateIdle,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if cfg.OnStateChange != nil {
		e.states = make(chan State, 32)
		go func() {
			for s := range e.states {
				cfg.OnStateChange(s)
			}
		}()
	}
	sig.SetHandlers(e.handleIncoming, e.handleSignalingFatal)
	return e
}

// SetRecorder attaches an optional call-record store.
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	e.recorder = r
	e.mu.Unlock()
}

// ============================================
// OBSERVABLE STATE
// ============================================

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PeerID returns the identifier acquired during Initialize, or "".
func (e *Engine) PeerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerID
}

// LocalParticipant returns a copy of the local participant descriptor.
func (e *Engine) LocalParticipant() *media.Participant { return e.participant(true) }

// RemoteParticipant returns a copy of the remote participant descriptor.
func (e *Engine) RemoteParticipant() *media.Participant { return e.participant(false) }

func (e *Engine) participant(local bool) *media.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.remote
	if local {
		p = e.local
	}
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Duration returns elapsed call seconds, 0 when no call is active.
func (e *Engine) Duration() int {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return 0
	}
	return sess.Duration()
}

// IsAudioEnabled reports the local audio track state.
func (e *Engine) IsAudioEnabled() bool {
	e.mu.Lock()
	stream := e.localStream
	e.mu.Unlock()
	return stream != nil && stream.AudioEnabled()
}

// IsVideoEnabled reports the local video track state.
func (e *Engine) IsVideoEnabled() bool {
	e.mu.Lock()
	stream := e.localStream
	e.mu.Unlock()
	return stream != nil && stream.VideoEnabled()
}

// ============================================
// LIFECYCLE OPERATIONS
// ============================================

// Initialize connects the signaling client and acquires the peer identifier.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("initialize from state %q: %w", e.state, ErrCallInProgress)
	}
	e.setStateLocked(StateInitializing)
	e.mu.Unlock()

	id, err := e.sig.Initialize(ctx)
	if err != nil {
		e.toFailed(err)
		return err
	}

	e.mu.Lock()
	e.peerID = id
	e.local = &media.Participant{
		PeerID:         id,
		DisplayName:    e.cfg.DisplayName,
		ExternalUserID: e.cfg.UserID,
		IsLocal:        true,
	}
	e.setStateLocked(StateReady)
	e.mu.Unlock()
	return nil
}

// InitiateCall runs the caller-side protocol against remotePeerID (the base
// identifier, without retry suffix). It returns once connected or once the
// negotiation budget is exhausted.
func (e *Engine) InitiateCall(ctx context.Context, remotePeerID string, callType media.CallType) error {
	e.mu.Lock()
	switch {
	case e.state == StateReady:
	case e.state == StateCalling || e.state == StateRinging ||
		e.state == StateConnecting || e.state == StateConnected:
		e.mu.Unlock()
		return ErrCallInProgress
	default:
		e.mu.Unlock()
		return fmt.Errorf("initiate from state %q: %w", e.state, ErrNotReady)
	}
	e.setStateLocked(StateCalling)
	cctx, setup := e.beginSetupLocked(ctx)
	meta := signaling.CallMetadata{
		UserID:    e.cfg.UserID,
		UserName:  e.cfg.DisplayName,
		BookingID: e.cfg.BookingID,
		CallType:  callType,
	}
	e.mu.Unlock()
	defer e.endSetup(setup)

	stream, err := e.acquirer.Acquire(cctx, callType)
	if err != nil {
		e.failSetup(err)
		return err
	}
	e.adoptLocalStream(stream, callType)

	conn, err := e.negotiate(cctx, remotePeerID, stream, meta)
	if err != nil {
		stream.StopAll()
		e.clearLocalStream()
		e.failSetup(err)
		return err
	}

	e.mu.Lock()
	if e.state != StateCalling {
		e.mu.Unlock()
		_ = conn.Close()
		stream.StopAll()
		e.clearLocalStream()
		return fmt.Errorf("engine reset during negotiation: %w", context.Canceled)
	}
	e.remote = &media.Participant{
		PeerID:       conn.RemotePeerID(),
		AudioEnabled: true,
		VideoEnabled: callType == media.CallTypeVideo,
	}
	e.setStateLocked(StateConnecting)
	e.mu.Unlock()

	if err := e.establish(conn, callType); err != nil {
		stream.StopAll()
		e.clearLocalStream()
		return err
	}
	return nil
}

// AcceptCall answers the pending incoming call. Fails with ErrNoIncomingCall
// when nothing is ringing; the state is left untouched in that case.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	if pending == nil {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	e.pending = nil
	e.setStateLocked(StateConnecting)
	cctx, setup := e.beginSetupLocked(ctx)
	callType := pending.Meta.CallType
	if callType == "" {
		callType = media.CallTypeAudio
	}
	e.mu.Unlock()
	defer e.endSetup(setup)

	stream, err := e.acquirer.Acquire(cctx, callType)
	if err != nil {
		e.failSetup(err)
		return err
	}
	e.adoptLocalStream(stream, callType)

	actx, cancel := context.WithTimeout(cctx, e.cfg.AnswerTimeout)
	defer cancel()
	conn, err := e.sig.Answer(actx, pending, stream)
	if err != nil {
		stream.StopAll()
		e.clearLocalStream()
		if pending.Cancelled() {
			e.toMissed()
			return fmt.Errorf("caller hung up before answer: %w", err)
		}
		e.failSetup(err)
		return err
	}

	if err := e.establish(conn, callType); err != nil {
		stream.StopAll()
		e.clearLocalStream()
		return err
	}
	return nil
}

// EndCall hangs up locally.
func (e *Engine) EndCall() {
	e.endWith(StateEnded, ReasonLocalHangup)
}

// ToggleAudio flips every local audio track and mirrors the flag into the
// local participant. No-op without a local stream. Returns the new enabled
// state.
func (e *Engine) ToggleAudio() bool {
	return e.toggle(media.TrackKindAudio)
}

// ToggleVideo flips every local video track. No-op without a local stream.
func (e *Engine) ToggleVideo() bool {
	return e.toggle(media.TrackKindVideo)
}

func (e *Engine) toggle(kind media.TrackKind) bool {
	e.mu.Lock()
	stream := e.localStream
	e.mu.Unlock()
	if stream == nil {
		return false
	}

	var enabled bool
	if kind == media.TrackKindAudio {
		enabled = !stream.AudioEnabled()
		stream.SetAudioEnabled(enabled)
	} else {
		enabled = !stream.VideoEnabled()
		stream.SetVideoEnabled(enabled)
	}

	e.mu.Lock()
	if e.local != nil {
		if kind == media.TrackKindAudio {
			e.local.AudioEnabled = enabled
		} else {
			e.local.VideoEnabled = enabled
		}
	}
	e.mu.Unlock()
	return enabled
}

// Cleanup is the single authoritative teardown path: timers stopped, call
// closed, media released, signaling destroyed, every field reset to idle.
// Safe to call repeatedly and from any state.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	conn := e.conn
	stream := e.localStream
	sess := e.session
	rep := e.rep
	setup := e.setup
	wasConnected := e.state == StateConnected
	changed := e.state != StateIdle
	e.conn = nil
	e.localStream = nil
	e.session = nil
	e.rep = nil
	e.pending = nil
	e.local = nil
	e.remote = nil
	e.setup = nil
	e.peerID = ""
	e.state = StateIdle
	e.mu.Unlock()

	if setup != nil {
		setup.cancel()
	}
	if rep != nil {
		rep.stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if stream != nil {
		stream.StopAll()
	}
	_ = e.sig.Close()

	if sess != nil && wasConnected {
		sess.end(ReasonCleanup)
		e.recordEnd(sess, ReasonCleanup)
	}
	if changed {
		e.pushState(StateIdle)
	}
	log.Info().Msg("call engine cleaned up")
}

// ============================================
// INTERNAL TRANSITIONS
// ============================================

// handleIncoming runs on the signaling client's dispatch goroutine for each
// offer. An offer arriving while a call is active never overwrites the
// session: it is logged and left to time out on the caller's side.
func (e *Engine) handleIncoming(pending *signaling.PendingCall) {
	e.mu.Lock()
	if e.state != StateReady {
		busy := e.state
		e.mu.Unlock()
		log.Warn().Str("from", pending.RemotePeerID).Str("state", string(busy)).
			Msg("incoming call refused, engine busy")
		return
	}
	e.pending = pending
	e.remote = &media.Participant{
		PeerID:         pending.RemotePeerID,
		DisplayName:    pending.Meta.UserName,
		ExternalUserID: pending.Meta.UserID,
		AudioEnabled:   true,
		VideoEnabled:   pending.Meta.CallType == media.CallTypeVideo,
	}
	e.setStateLocked(StateRinging)
	e.mu.Unlock()

	pending.OnCancel(func() {
		e.mu.Lock()
		stillPending := e.pending == pending
		if stillPending {
			e.pending = nil
			e.setStateLocked(StateMissed)
		}
		e.mu.Unlock()
		if stillPending {
			log.Info().Str("from", pending.RemotePeerID).Msg("caller gave up, call missed")
		}
	})
}

// handleSignalingFatal tears down an active call when the relay dies
// underneath it: the reporter, connection, and local media go through the
// same termination routine as any hangup, so no timer outlives the call.
func (e *Engine) handleSignalingFatal(err error) {
	e.notifyError(err)
	e.mu.Lock()
	active := e.state == StateConnected || e.state == StateConnecting
	e.mu.Unlock()
	if active {
		e.endWith(StateFailed, ReasonRemoteHangup)
		return
	}
	e.mu.Lock()
	if e.state.CanTransition(StateFailed) {
		e.setStateLocked(StateFailed)
	}
	e.mu.Unlock()
}

// establish binds the negotiated connection: state, session, reporter,
// external notifications. If Cleanup reset the engine while the connection
// was still in flight, the connection is closed and nothing starts.
func (e *Engine) establish(conn signaling.Call, callType media.CallType) error {
	e.mu.Lock()
	if e.state != StateConnecting {
		e.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("engine reset during call setup: %w", context.Canceled)
	}
	e.conn = conn
	if e.remote != nil {
		e.remote.Stream = conn.RemoteStream()
	}
	sess := newSession(e.cfg.BookingID, callType, conn.RemotePeerID())
	e.session = sess
	e.setStateLocked(StateConnected)
	rep := newReporter(e, sess)
	e.rep = rep
	e.mu.Unlock()

	conn.OnClosed(func(reason string) {
		log.Info().Str("reason", reason).Msg("remote ended the call")
		e.endWith(StateEnded, ReasonRemoteHangup)
	})
	conn.OnError(func(err error) {
		e.notifyError(err)
		e.endWith(StateFailed, ReasonRemoteHangup)
	})

	rep.start()
	e.billing.CallStartAsync(e.cfg.BookingID)
	e.recordStart(sess)
	return nil
}

// beginSetupLocked derives the cancellable context for one call setup;
// e.mu must be held.
func (e *Engine) beginSetupLocked(parent context.Context) (context.Context, *inflight) {
	ctx, cancel := context.WithCancel(parent)
	s := &inflight{cancel: cancel}
	e.setup = s
	return ctx, s
}

func (e *Engine) endSetup(s *inflight) {
	e.mu.Lock()
	if e.setup == s {
		e.setup = nil
	}
	e.mu.Unlock()
	s.cancel()
}

// failSetup drives the setup failure into the failed state, unless Cleanup
// already reset the engine out from under the setup.
func (e *Engine) failSetup(err error) {
	e.mu.Lock()
	reset := e.state == StateIdle
	e.mu.Unlock()
	if reset {
		log.Debug().Err(err).Msg("call setup aborted by cleanup")
		return
	}
	e.toFailed(err)
}

// endWith is the shared termination routine for local hangup, remote hangup
// and active-call failure. Idempotent: only the first caller past the state
// check does the teardown.
func (e *Engine) endWith(final State, reason EndReason) {
	e.mu.Lock()
	if e.state != StateConnected && e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	if !e.state.CanTransition(final) {
		e.mu.Unlock()
		return
	}
	conn := e.conn
	stream := e.localStream
	sess := e.session
	rep := e.rep
	e.conn = nil
	e.localStream = nil
	e.rep = nil
	e.setStateLocked(final)
	e.mu.Unlock()

	if rep != nil {
		rep.stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if stream != nil {
		stream.StopAll()
	}
	if sess != nil {
		sess.end(reason)
		e.recordEnd(sess, reason)
	}
	log.Info().Str("state", string(final)).Str("reason", string(reason)).Msg("call ended")
}

func (e *Engine) toFailed(err error) {
	e.notifyError(err)
	e.mu.Lock()
	if e.state.CanTransition(StateFailed) {
		e.setStateLocked(StateFailed)
	}
	e.mu.Unlock()
}

func (e *Engine) toMissed() {
	e.mu.Lock()
	if e.state.CanTransition(StateMissed) {
		e.setStateLocked(StateMissed)
	}
	e.mu.Unlock()
}

func (e *Engine) adoptLocalStream(stream *media.Stream, callType media.CallType) {
	e.mu.Lock()
	e.localStream = stream
	if e.local != nil {
		e.local.Stream = stream
		e.local.AudioEnabled = stream.AudioEnabled()
		e.local.VideoEnabled = callType == media.CallTypeVideo && stream.VideoEnabled()
	}
	e.mu.Unlock()
}

func (e *Engine) clearLocalStream() {
	e.mu.Lock()
	e.localStream = nil
	if e.local != nil {
		e.local.Stream = nil
	}
	e.mu.Unlock()
}

// setStateLocked transitions the state machine; e.mu must be held. Illegal
// transitions are dropped with a warning rather than corrupting the
// lifecycle.
func (e *Engine) setStateLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	if from != StateIdle || to != StateInitializing {
		if !from.CanTransition(to) {
			log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("illegal state transition dropped")
			return
		}
	}
	e.state = to
	log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("call state")
	e.pushState(to)
}

// pushState hands a transition to the notification goroutine. The channel
// keeps observers in transition order; a full channel drops rather than
// deadlocking under e.mu.
func (e *Engine) pushState(s State) {
	if e.states == nil {
		return
	}
	select {
	case e.states <- s:
	default:
		log.Warn().Str("state", string(s)).Msg("state notification dropped, observer too slow")
	}
}

func (e *Engine) notifyError(err error) {
	log.Error().Err(err).Msg("call error")
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}

func (e *Engine) recordStart(sess *Session) {
	e.mu.Lock()
	rec := e.recorder
	e.mu.Unlock()
	if rec == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := rec.CallStarted(ctx, Record{
			SessionID:    sess.ID,
			BookingID:    sess.BookingID,
			Role:         e.cfg.Role,
			CallType:     sess.CallType,
			RemotePeerID: sess.RemotePeerID,
			StartedAt:    sess.StartedAt,
		})
		if err != nil {
			log.Warn().Err(err).Msg("call record insert failed")
		}
	}()
}

func (e *Engine) recordEnd(sess *Session, reason EndReason) {
	e.mu.Lock()
	rec := e.recorder
	e.mu.Unlock()
	if rec == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rec.CallEnded(ctx, sess.ID, sess.Duration(), reason); err != nil {
			log.Warn().Err(err).Msg("call record update failed")
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
