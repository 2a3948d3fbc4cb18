package call

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// reporter runs one goroutine per connected call: it recomputes the call
// duration every tick and posts a billing heartbeat on its own interval.
// Heartbeat failures are logged and never end the call.
type reporter struct {
	engine *Engine
	sess   *Session
	done   chan struct{}
	stopFn func()
}

func newReporter(e *Engine, sess *Session) *reporter {
	return &reporter{engine: e, sess: sess, done: make(chan struct{})}
}

func (r *reporter) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.stopFn = cancel
	go r.run(ctx)
}

// stop cancels the loop and waits for it to exit, so no tick callback fires
// after teardown.
func (r *reporter) stop() {
	if r.stopFn != nil {
		r.stopFn()
	}
	<-r.done
}

func (r *reporter) run(ctx context.Context) {
	defer close(r.done)

	tick := time.NewTicker(r.engine.cfg.TickInterval)
	defer tick.Stop()
	heartbeat := time.NewTicker(r.engine.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			secs := r.sess.updateDuration(r.engine.now())
			if fn := r.engine.cfg.OnDuration; fn != nil {
				fn(secs)
			}
		case <-heartbeat.C:
			hctx, cancel := context.WithTimeout(ctx, r.engine.cfg.HeartbeatInterval)
			err := r.engine.billing.Heartbeat(hctx, r.sess.BookingID, r.engine.cfg.Role)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("booking_id", r.sess.BookingID).
					Msg("billing heartbeat failed, call continues")
			}
		}
	}
}
