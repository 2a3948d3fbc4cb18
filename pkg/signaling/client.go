// Package signaling owns the connection to the relay service: deterministic
// identifier registration with collision retry, the relay wire protocol, and
// per-call media negotiation over pion.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrIdentifierCollision: the relay refused our identifier; surfaced only
	// after the collision budget is spent.
	ErrIdentifierCollision = errors.New("signaling identifier collision")

	// ErrNetwork: transport or relay-side failure; retried with backoff.
	ErrNetwork = errors.New("signaling network error")

	// ErrConnectTimeout: one connection attempt exceeded its deadline.
	ErrConnectTimeout = errors.New("signaling connect timeout")

	// ErrNotConnected: an operation needs a live relay connection.
	ErrNotConnected = errors.New("signaling client not connected")

	// ErrClosed: the client was torn down.
	ErrClosed = errors.New("signaling client closed")
)

// Registrar announces the acquired identifier to the backend. Registration is
// best-effort: failures are logged, never fatal.
type Registrar interface {
	RegisterPeer(ctx context.Context, bookingID, peerID, role string) error
}

// Config for a Client. Zero-value durations and budgets get defaults.
type Config struct {
	RelayURL  string
	BookingID string
	Role      string

	Dialer    Dialer    // defaults to a websocket dialer
	Registrar Registrar // optional

	// Media plane. CodecSelector comes from the device acquirer so offers
	// advertise the codecs the captured tracks actually produce; nil falls
	// back to pion's defaults.
	CodecSelector *mediadevices.CodecSelector
	ICEServers    []webrtc.ICEServer

	ConnectTimeout   time.Duration // per attempt, default 15s
	CollisionRetries int           // default 3
	NetworkRetries   int           // default 3
	TimeoutRetries   int           // default 2
	CollisionDelay   time.Duration // default 500ms
	NetworkBackoff   time.Duration // backoff unit, default 1s

	// OnIncoming fires for each incoming offer. OnFatal fires when a budget
	// is exhausted or the relay reports an unrecoverable error.
	OnIncoming func(*PendingCall)
	OnFatal    func(error)
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = &WSDialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.CollisionRetries == 0 {
		c.CollisionRetries = 3
	}
	if c.NetworkRetries == 0 {
		c.NetworkRetries = 3
	}
	if c.TimeoutRetries == 0 {
		c.TimeoutRetries = 2
	}
	if c.CollisionDelay == 0 {
		c.CollisionDelay = 500 * time.Millisecond
	}
	if c.NetworkBackoff == 0 {
		c.NetworkBackoff = time.Second
	}
}

// Client maintains the relay connection and routes relay frames to pending
// and active calls.
type Client struct {
	cfg Config

	mu         sync.Mutex
	conn       Conn
	peerID     string
	attempt    int
	closed     bool
	calls      map[string]*MediaConn
	pendings   map[string]*PendingCall
	onIncoming func(*PendingCall)
	onFatal    func(error)
}

// NewClient builds a client; call Initialize before anything else.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		calls:      make(map[string]*MediaConn),
		pendings:   make(map[string]*PendingCall),
		onIncoming: cfg.OnIncoming,
		onFatal:    cfg.OnFatal,
	}
}

// SetHandlers replaces the incoming-call and fatal-error callbacks. The call
// layer wires itself in this way after both objects exist.
func (c *Client) SetHandlers(onIncoming func(*PendingCall), onFatal func(error)) {
	c.mu.Lock()
	c.onIncoming = onIncoming
	c.onFatal = onFatal
	c.mu.Unlock()
}

// PeerID returns the identifier acquired by Initialize, or "".
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Initialize connects to the relay and secures an identifier. Any existing
// connection is torn down first, so re-initializing is safe. Collisions,
// network errors and connect timeouts are retried on independent budgets;
// once any budget is spent the error is reported through OnFatal and
// returned.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	c.dropConn()

	var collisions, netErrs, timeouts int
	attempt := 0
	for {
		if err := c.checkOpen(); err != nil {
			return "", err
		}
		id := PeerID(c.cfg.BookingID, c.cfg.Role, attempt)
		conn, err := c.openConn(ctx, id)
		if err == nil {
			c.adopt(conn, id, attempt)
			c.register(ctx, id)
			go c.eventLoop(conn)
			log.Info().Str("peer_id", id).Msg("signaling ready")
			return id, nil
		}

		switch {
		case errors.Is(err, ErrIdentifierCollision):
			collisions++
			if collisions > c.cfg.CollisionRetries {
				return "", c.fatal(err)
			}
			attempt++
			log.Warn().Str("peer_id", id).Int("attempt", attempt).Msg("identifier taken, retrying with suffix")
			if serr := sleepCtx(ctx, c.cfg.CollisionDelay); serr != nil {
				return "", c.fatal(serr)
			}

		case errors.Is(err, ErrConnectTimeout):
			timeouts++
			if timeouts > c.cfg.TimeoutRetries {
				return "", c.fatal(err)
			}
			log.Warn().Str("peer_id", id).Int("timeouts", timeouts).Msg("connect timed out, retrying")

		case errors.Is(err, ErrNetwork):
			netErrs++
			if netErrs > c.cfg.NetworkRetries {
				return "", c.fatal(err)
			}
			backoff := c.cfg.NetworkBackoff * time.Duration(netErrs)
			log.Warn().Err(err).Dur("backoff", backoff).Msg("relay unreachable, backing off")
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return "", c.fatal(serr)
			}

		default:
			return "", c.fatal(err)
		}
	}
}

// openConn performs one bounded connection attempt: dial, then wait for the
// relay's verdict on the identifier.
func (c *Client) openConn(ctx context.Context, id string) (Conn, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(actx, c.cfg.RelayURL, id)
	if err != nil {
		if actx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	for {
		select {
		case env, ok := <-conn.Events():
			if !ok {
				_ = conn.Close()
				return nil, fmt.Errorf("%w: relay closed during handshake", ErrNetwork)
			}
			switch env.Type {
			case msgOpen:
				return conn, nil
			case msgIDTaken:
				_ = conn.Close()
				return nil, fmt.Errorf("%w: %s", ErrIdentifierCollision, id)
			case msgError:
				_ = conn.Close()
				return nil, classifyRelayError(env)
			default:
				// pre-open frames are not part of the handshake; drop them
			}
		case <-actx.Done():
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: no open frame within %s", ErrConnectTimeout, c.cfg.ConnectTimeout)
		}
	}
}

func classifyRelayError(env Envelope) error {
	switch env.Code {
	case ErrCodeUnavailableID:
		return fmt.Errorf("%w: %s", ErrIdentifierCollision, env.Reason)
	case ErrCodeNetwork, ErrCodeServerError:
		return fmt.Errorf("%w: %s: %s", ErrNetwork, env.Code, env.Reason)
	default:
		return fmt.Errorf("relay error %s: %s", env.Code, env.Reason)
	}
}

func (c *Client) adopt(conn Conn, id string, attempt int) {
	c.mu.Lock()
	c.conn = conn
	c.peerID = id
	c.attempt = attempt
	c.mu.Unlock()
}

func (c *Client) register(ctx context.Context, id string) {
	if c.cfg.Registrar == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.cfg.Registrar.RegisterPeer(rctx, c.cfg.BookingID, id, c.cfg.Role); err != nil {
		log.Warn().Err(err).Str("peer_id", id).Msg("peer registration failed")
	}
}

func (c *Client) fatal(err error) error {
	log.Error().Err(err).Msg("signaling failure")
	c.mu.Lock()
	handler := c.onFatal
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
	return err
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// eventLoop normalizes relay frames into Events and feeds the dispatcher.
// When the transport drops it emits Disconnected and tries an in-place
// reconnect with the identifier already held.
func (c *Client) eventLoop(conn Conn) {
	for env := range conn.Events() {
		for _, ev := range c.eventsFromEnvelope(env) {
			c.dispatch(ev)
		}
	}

	c.mu.Lock()
	stale := c.conn != conn || c.closed
	c.mu.Unlock()
	if stale {
		return
	}
	c.dispatch(Disconnected{})
}

func (c *Client) eventsFromEnvelope(env Envelope) []Event {
	switch env.Type {
	case msgOpen:
		return []Event{Opened{PeerID: env.Dst}}
	case msgError:
		return []Event{ErrorEvent{Code: env.Code, Reason: env.Reason}}
	case msgOffer:
		meta := CallMetadata{}
		if env.Metadata != nil {
			meta = *env.Metadata
		}
		return []Event{IncomingCall{Pending: NewPendingCall(env.CallID, env.Src, env.SDP, meta)}}
	case msgAnswer:
		return []Event{AnswerEvent{CallID: env.CallID, SDP: env.SDP}}
	case msgCandidate:
		if env.Candidate == nil {
			return nil
		}
		return []Event{CandidateEvent{CallID: env.CallID, Candidate: *env.Candidate}}
	case msgLeave:
		return []Event{Closed{CallID: env.CallID, Reason: env.Reason}}
	default:
		log.Debug().Str("type", string(env.Type)).Msg("unhandled relay frame")
		return nil
	}
}

// dispatch is the single consumer of normalized events.
func (c *Client) dispatch(ev Event) {
	switch e := ev.(type) {
	case Opened:
		// handled synchronously inside openConn; late duplicates are noise

	case ErrorEvent:
		if e.Code == ErrCodeFatal {
			c.fatal(fmt.Errorf("relay fatal: %s", e.Reason))
			return
		}
		log.Warn().Str("code", e.Code).Str("reason", e.Reason).Msg("relay error")

	case Disconnected:
		log.Warn().Msg("relay connection dropped, reconnecting in place")
		c.reconnect()

	case IncomingCall:
		c.mu.Lock()
		closed := c.closed
		if !closed {
			c.pendings[e.Pending.CallID] = e.Pending
		}
		handler := c.onIncoming
		c.mu.Unlock()
		if closed {
			return
		}
		log.Info().Str("call_id", e.Pending.CallID).Str("from", e.Pending.RemotePeerID).Msg("incoming call")
		if handler != nil {
			handler(e.Pending)
		}

	case AnswerEvent:
		if mc := c.lookupCall(e.CallID); mc != nil {
			mc.deliverAnswer(e.SDP)
		}

	case CandidateEvent:
		if mc := c.lookupCall(e.CallID); mc != nil {
			mc.addRemoteCandidate(e.Candidate)
			return
		}
		c.mu.Lock()
		pending := c.pendings[e.CallID]
		c.mu.Unlock()
		if pending != nil {
			pending.addCandidate(e.Candidate)
		}

	case StreamEvent:
		log.Debug().Str("call_id", e.CallID).Msg("remote stream established")

	case Closed:
		if mc := c.lookupCall(e.CallID); mc != nil {
			mc.remoteClosed(e.Reason)
			return
		}
		c.mu.Lock()
		pending := c.pendings[e.CallID]
		delete(c.pendings, e.CallID)
		c.mu.Unlock()
		if pending != nil {
			pending.Cancel()
		}
	}
}

// reconnect redials with the identifier already acquired. State (active
// calls, pendings) is preserved; only the transport is replaced.
func (c *Client) reconnect() {
	c.mu.Lock()
	id := c.peerID
	closed := c.closed
	c.mu.Unlock()
	if closed || id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.openConn(ctx, id)
	if err != nil {
		c.fatal(fmt.Errorf("in-place reconnect failed: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	go c.eventLoop(conn)
	log.Info().Str("peer_id", id).Msg("relay connection restored")
}

func (c *Client) lookupCall(callID string) *MediaConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[callID]
}

// takePending removes and returns the pending call for callID, if still
// waiting. Answer consumes the entry so late frames route to the live call.
func (c *Client) takePending(callID string) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pendings[callID]
	delete(c.pendings, callID)
	return p
}

func (c *Client) send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

func (c *Client) registerCall(mc *MediaConn) {
	c.mu.Lock()
	c.calls[mc.callID] = mc
	c.mu.Unlock()
}

func (c *Client) deregisterCall(callID string) {
	c.mu.Lock()
	delete(c.calls, callID)
	c.mu.Unlock()
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close tears the client down: every active call is closed, the transport
// released. Idempotent; a closed client can be revived with Initialize.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := make([]*MediaConn, 0, len(c.calls))
	for _, mc := range c.calls {
		calls = append(calls, mc)
	}
	c.calls = make(map[string]*MediaConn)
	c.pendings = make(map[string]*PendingCall)
	conn := c.conn
	c.conn = nil
	c.peerID = ""
	c.mu.Unlock()

	for _, mc := range calls {
		_ = mc.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
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
