package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"reel/internal/logging"
	"reel/internal/metrics"
	"reel/internal/services"
	"reel/internal/stage"
)

// runUnit runs one unit, retrying retryable failures with exponential
// backoff. A stage with a fallback gets one more chance to fill the unit
// once its retries are spent.
func (r *jobRun) runUnit(ctx context.Context, handler stage.Handler, env *stage.Env, unit int, logger *slog.Logger) (json.RawMessage, error) {
	e := r.e
	desc := handler.Descriptor()
	// A started unit finishes even if the engine is stopping.
	work := context.WithoutCancel(ctx)
	retries := max(e.cfg.Workflow.UnitRetries, 0)
	backoff := newBackoff(e.cfg.RetryBackoff())

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		started := time.Now()
		out, err := handler.RunUnit(work, env, unit)
		if err == nil {
			e.metrics.Unit(desc.Name, metrics.ResultCommitted, time.Since(started))
			return out, nil
		}
		lastErr = err
		if !services.IsRetryable(err) || attempt == retries {
			break
		}
		e.metrics.Unit(desc.Name, metrics.ResultRetried, time.Since(started))
		logging.WarnWithContext(logger, "unit failed; retrying", "unit_retry",
			logging.Int("unit", unit),
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", retries+1),
			logging.Error(err),
			logging.String(logging.FieldImpact, "unit runs again after backoff"))
		if !backoff.wait(ctx) {
			return nil, services.Wrap(services.ErrCancelled, desc.Name, "run unit", "engine stopping", ctx.Err())
		}
	}

	if desc.Fallback {
		if fb, ok := handler.(stage.FallbackHandler); ok {
			if out, ok := fb.FallbackUnit(work, env, unit, lastErr); ok {
				e.metrics.Unit(desc.Name, metrics.ResultFallback, 0)
				logger.Warn("unit fell back to previous pass output",
					logging.Args(append(logging.DecisionAttrs("unit_fallback", "previous_pass", "retries exhausted"),
						logging.String(logging.FieldEventType, "unit_fallback"),
						logging.Int("unit", unit),
						logging.Error(lastErr))...)...)
				return out, nil
			}
		}
	}
	e.metrics.Unit(desc.Name, metrics.ResultFailed, 0)
	return nil, lastErr
}

// backoff doubles a base delay up to a ceiling.
type backoff struct {
	next, ceiling time.Duration
}

func newBackoff(base, ceiling time.Duration) *backoff {
	if base <= 0 {
		base = time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}
	return &backoff{next: base, ceiling: ceiling}
}

// wait sleeps for the current delay. It returns false if ctx ends first.
func (b *backoff) wait(ctx context.Context) bool {
	timer := time.NewTimer(b.next)
	defer timer.Stop()
	b.next = min(b.next*2, b.ceiling)
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// stopped reports whether err is the engine shutting down mid-retry.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, services.ErrCancelled)
}
