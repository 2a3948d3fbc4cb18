package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xaosao/peercall/pkg/media"
	"github.com/xaosao/peercall/pkg/signaling"
)

// negotiate dials the remote party, cycling through the identifier variants
// the callee may have registered under. Rounds repeat until one attempt
// connects or the total budget runs out. context errors on the parent abort
// immediately; per-attempt timeouts just move on to the next variant.
func (e *Engine) negotiate(ctx context.Context, remotePeerID string, stream *media.Stream, meta signaling.CallMetadata) (signaling.Call, error) {
	variants := signaling.IDVariants(remotePeerID, e.cfg.IDRetries)
	deadline := e.now().Add(e.cfg.TotalBudget)

	var lastErr error
	for round := 1; ; round++ {
		for _, target := range variants {
			remaining := deadline.Sub(e.now())
			if remaining <= 0 {
				return nil, e.budgetExhausted(lastErr)
			}
			attemptBudget := e.cfg.AttemptTimeout
			if remaining < attemptBudget {
				attemptBudget = remaining
			}

			actx, cancel := context.WithTimeout(ctx, attemptBudget)
			conn, err := e.sig.Dial(actx, target, stream, meta)
			cancel()
			if err == nil {
				if ctx.Err() != nil {
					_ = conn.Close()
					return nil, ctx.Err()
				}
				log.Info().Str("target", target).Int("round", round).Msg("call negotiation succeeded")
				return conn, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Debug().Str("target", target).Int("round", round).Err(err).Msg("dial attempt failed")
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return nil, e.budgetExhausted(lastErr)
		}
		pause := e.cfg.RoundPause
		if remaining < pause {
			pause = remaining
		}
		log.Debug().Int("round", round).Dur("pause", pause).Msg("negotiation round exhausted, pausing")
		if err := e.sleep(ctx, pause); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) budgetExhausted(lastErr error) error {
	if lastErr == nil {
		return ErrConnectionTimeout
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return fmt.Errorf("no answer within negotiation budget: %w", ErrConnectionTimeout)
	}
	return fmt.Errorf("negotiation failed: %w", lastErr)
}
