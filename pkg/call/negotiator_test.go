package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaosao/peercall/pkg/signaling"
)

// fakeClock advances only when told to, so budget exhaustion is tested
// without waiting out real time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNegotiateSucceedsOnVariant(t *testing.T) {
	e, sig, _, _ := readyEngine(t)
	sig.dialFn = func(_ context.Context, target string) (signaling.Call, error) {
		if target == "call_bk42_model_r3" {
			return newFakeCall(target), nil
		}
		return nil, errors.New("peer not found")
	}

	conn, err := e.negotiate(context.Background(), "call_bk42_model", nil, signaling.CallMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "call_bk42_model_r3", conn.RemotePeerID())
	assert.Equal(t, []string{
		"call_bk42_model",
		"call_bk42_model_r1",
		"call_bk42_model_r2",
		"call_bk42_model_r3",
	}, sig.dialTargets())
}

func TestNegotiateSecondRound(t *testing.T) {
	e, sig, _, _ := readyEngine(t)

	var calls int
	sig.dialFn = func(_ context.Context, target string) (signaling.Call, error) {
		calls++
		// whole first round misses; callee appears in round two
		if calls > 4 && target == "call_bk42_model" {
			return newFakeCall(target), nil
		}
		return nil, errors.New("peer not found")
	}

	var pauses []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	conn, err := e.negotiate(context.Background(), "call_bk42_model", nil, signaling.CallMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "call_bk42_model", conn.RemotePeerID())
	assert.Len(t, sig.dialTargets(), 5)
	require.Len(t, pauses, 1)
	assert.Equal(t, e.cfg.RoundPause, pauses[0])
}

func TestNegotiateBudgetExhausted(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)
	e.cfg.AttemptTimeout = 5 * time.Second
	e.cfg.TotalBudget = 90 * time.Second
	e.cfg.RoundPause = 3 * time.Second

	clk := newFakeClock()
	e.now = clk.Now
	e.sleep = func(_ context.Context, d time.Duration) error {
		clk.Advance(d)
		return nil
	}
	sig.dialFn = func(context.Context, string) (signaling.Call, error) {
		// every attempt burns its full per-attempt window
		clk.Advance(e.cfg.AttemptTimeout)
		return nil, context.DeadlineExceeded
	}

	start := clk.Now()
	_, err := e.negotiate(context.Background(), "call_bk42_model", nil, signaling.CallMetadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionTimeout)

	// the loop stopped once the budget was spent, within one attempt of slack
	spent := clk.Now().Sub(start)
	assert.LessOrEqual(t, spent, e.cfg.TotalBudget+e.cfg.AttemptTimeout)
}

func TestNegotiateSurfacesLastDialError(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)
	e.cfg.AttemptTimeout = 5 * time.Second
	e.cfg.TotalBudget = 20 * time.Second

	clk := newFakeClock()
	e.now = clk.Now
	e.sleep = func(_ context.Context, d time.Duration) error {
		clk.Advance(d)
		return nil
	}
	sig.dialFn = func(context.Context, string) (signaling.Call, error) {
		clk.Advance(e.cfg.AttemptTimeout)
		return nil, errors.New("relay refused the call")
	}

	_, err := e.negotiate(context.Background(), "call_bk42_model", nil, signaling.CallMetadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay refused the call")
	assert.NotErrorIs(t, err, ErrConnectionTimeout)
}

func TestNegotiateContextCancelled(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	sig.dialFn = func(context.Context, string) (signaling.Call, error) {
		cancel()
		return nil, errors.New("dial aborted")
	}

	_, err := e.negotiate(ctx, "call_bk42_model", nil, signaling.CallMetadata{})
	assert.ErrorIs(t, err, context.Canceled)
}
