package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	path string
	body map[string]string
}

func newBillingServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedRequest, len(reqs))
		copy(out, reqs)
		return out
	}
}

func TestRegisterPeer(t *testing.T) {
	srv, got := newBillingServer(t, http.StatusOK)
	c := NewClient(srv.URL)
	defer c.Close()

	err := c.RegisterPeer(context.Background(), "bk42", "call_bk42_customer", "customer")
	require.NoError(t, err)

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/call/register-peer", reqs[0].path)
	assert.Equal(t, map[string]string{
		"bookingId":       "bk42",
		"peerId":          "call_bk42_customer",
		"participantType": "customer",
	}, reqs[0].body)
}

func TestHeartbeatServerError(t *testing.T) {
	srv, _ := newBillingServer(t, http.StatusInternalServerError)
	c := NewClient(srv.URL)
	defer c.Close()

	err := c.Heartbeat(context.Background(), "bk42", "model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCallStartAsync(t *testing.T) {
	srv, got := newBillingServer(t, http.StatusOK)
	c := NewClient(srv.URL)
	defer c.Close()

	c.CallStartAsync("bk42")

	assert.Eventually(t, func() bool {
		reqs := got()
		return len(reqs) == 1 && reqs[0].path == "/call/start"
	}, time.Second, 10*time.Millisecond)
}

func TestEndBeacon(t *testing.T) {
	srv, got := newBillingServer(t, http.StatusOK)
	c := NewClient(srv.URL)

	c.EndBeacon("bk42", "customer")
	c.Close() // drains the queue

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/call/end", reqs[0].path)
	assert.Equal(t, map[string]string{
		"bookingId": "bk42",
		"endedBy":   "customer",
	}, reqs[0].body)
}

func TestBeaconsSurviveUnreachableBackend(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here
	c.HeartbeatBeacon("bk42", "customer")
	c.EndBeacon("bk42", "customer")
	c.Close() // must not hang or panic
}

func TestQueueDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	// far beyond queue capacity; submit must never block the caller
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			c.CallStartAsync("bk42")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async submission blocked")
	}

	close(block) // unblock the backend so Close can drain
	c.Close()
}
