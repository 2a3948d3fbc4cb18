package call

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// LifecycleEvent is a host-process lifecycle notification.
type LifecycleEvent int

const (
	// LifecycleHidden fires when the host moves to the background.
	LifecycleHidden LifecycleEvent = iota
	// LifecycleVisible fires when the host returns to the foreground.
	LifecycleVisible
	// LifecycleUnload fires when the host is shutting down.
	LifecycleUnload
)

// LifecycleSource emits lifecycle events until its context is cancelled.
type LifecycleSource interface {
	Events(ctx context.Context) <-chan LifecycleEvent
}

// SignalSource maps process signals to lifecycle events: SIGTERM and SIGINT
// become LifecycleUnload.
type SignalSource struct{}

func (SignalSource) Events(ctx context.Context) <-chan LifecycleEvent {
	out := make(chan LifecycleEvent, 1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		defer close(out)
		select {
		case <-ctx.Done():
		case s := <-sigs:
			log.Info().Str("signal", s.String()).Msg("shutdown signal received")
			out <- LifecycleUnload
		}
	}()
	return out
}

// WatchLifecycle guards an active call against host-process lifecycle
// changes. Going hidden while connected posts a heartbeat beacon so the
// billing side does not mark the call stale; unload posts an end beacon and
// runs the full cleanup before the process dies. Returns when the source
// closes or the context is cancelled.
func (e *Engine) WatchLifecycle(ctx context.Context, src LifecycleSource) {
	events := src.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev {
			case LifecycleHidden:
				if e.State() == StateConnected {
					e.billing.HeartbeatBeacon(e.cfg.BookingID, e.cfg.Role)
				}
			case LifecycleUnload:
				if e.State() == StateConnected {
					e.billing.EndBeacon(e.cfg.BookingID, e.cfg.Role)
				}
				e.Cleanup()
				return
			case LifecycleVisible:
				// nothing to restore; the reporter never paused
			}
		}
	}
}
