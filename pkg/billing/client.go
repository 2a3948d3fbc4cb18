// Package billing talks to the external call-tracking REST endpoints:
// peer registration, heartbeats, call-start notification, and the teardown
// beacons. Everything here is best-effort by contract: a billing hiccup must
// never take a call down.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 10 * time.Second
	beaconTimeout  = 3 * time.Second
)

// Client posts to the call-tracking API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	queue      *taskQueue
}

// NewClient builds a client for the API at baseURL (no trailing slash).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		queue:      newTaskQueue(64),
	}
}

// RegisterPeer announces the signaling identifier for a booking.
func (c *Client) RegisterPeer(ctx context.Context, bookingID, peerID, participantType string) error {
	return c.post(ctx, "/call/register-peer", map[string]string{
		"bookingId":       bookingID,
		"peerId":          peerID,
		"participantType": participantType,
	})
}

// Heartbeat reports liveness for an active call.
func (c *Client) Heartbeat(ctx context.Context, bookingID, participantType string) error {
	return c.post(ctx, "/call/heartbeat", map[string]string{
		"bookingId":       bookingID,
		"participantType": participantType,
	})
}

// CallStartAsync notifies the backend that a connection was established.
// Fire-and-forget: queued, never blocks the negotiation path.
func (c *Client) CallStartAsync(bookingID string) {
	c.queue.submit(func(ctx context.Context) {
		if err := c.post(ctx, "/call/start", map[string]string{"bookingId": bookingID}); err != nil {
			log.Warn().Err(err).Str("booking_id", bookingID).Msg("call-start notification failed")
		}
	})
}

// HeartbeatBeacon sends one heartbeat with a short detached deadline. Used
// when the host is going to background and must not be blocked.
func (c *Client) HeartbeatBeacon(bookingID, participantType string) {
	c.queue.submit(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := c.Heartbeat(ctx, bookingID, participantType); err != nil {
			log.Debug().Err(err).Msg("heartbeat beacon failed")
		}
	})
}

// EndBeacon reports that the call may have ended, e.g. on process teardown.
func (c *Client) EndBeacon(bookingID, endedBy string) {
	c.queue.submit(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := c.post(ctx, "/call/end", map[string]string{
			"bookingId": bookingID,
			"endedBy":   endedBy,
		}); err != nil {
			log.Debug().Err(err).Msg("call-end beacon failed")
		}
	})
}

// Close drains the queue and stops the worker.
func (c *Client) Close() {
	c.queue.close()
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(msg))
	}
	return nil
}
