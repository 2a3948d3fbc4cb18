package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is one live connection to the relay. Events is closed when the
// transport drops; Close is idempotent.
type Conn interface {
	Send(env Envelope) error
	Events() <-chan Envelope
	Close() error
}

// Dialer opens relay connections. The websocket implementation is the
// default; tests substitute an in-memory one.
type Dialer interface {
	Dial(ctx context.Context, relayURL, peerID string) (Conn, error)
}

// WSDialer dials the relay over a websocket, announcing the desired peer
// identifier as a query parameter.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

// Dial connects and starts the read pump.
func (d *WSDialer) Dial(ctx context.Context, relayURL, peerID string) (Conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", peerID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	c := &wsConn{ws: ws, events: make(chan Envelope, 32)}
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan Envelope

	closeOnce sync.Once
}

func (c *wsConn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Events() <-chan Envelope { return c.events }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// readPump decodes relay frames until the socket drops, then closes the
// event channel so the owner sees the disconnect.
func (c *wsConn) readPump() {
	defer close(c.events)
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("relay read ended")
			}
			return
		}
		c.events <- env
	}
}
