package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailer/internal/config"
	"mailer/internal/metrics"
)

// Backoff is an exponential delay capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Base * 2^(attempt-1), Max) for attempt >= 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Retrier runs a single-attempt function until it succeeds, fails with a
// non-retriable error, or the attempt budget is spent.
type Retrier struct {
	attempts int
	backoff  Backoff
	log      *zap.SugaredLogger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a retrier from the delivery policy.
func NewRetrier(cfg config.DeliveryConfig, log *zap.SugaredLogger) *Retrier {
	return &Retrier{
		attempts: cfg.MaxRetries,
		backoff:  Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		log:      log,
		sleep:    sleepContext,
	}
}

// Do calls attempt up to the configured number of times. Errors that are
// not Retriable are returned unchanged right away; once the budget is
// spent the last error comes back wrapped in *RetryExhaustedError.
func (r *Retrier) Do(ctx context.Context, recipient string, attempt func(context.Context) error) error {
	var last error
	for i := 1; i <= r.attempts; i++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if !Retriable(err) {
			return err
		}
		last = err
		r.log.Warnw("Delivery attempt failed",
			"recipient", recipient,
			"attempt", i,
			"maxAttempts", r.attempts,
			"error", err)
		if i == r.attempts {
			break
		}

		delay := r.backoff.Delay(i)
		metrics.RetriesScheduled.Inc()
		r.log.Infow("Retrying delivery", "recipient", recipient, "retryIn", delay.String())
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("delivery: gave up after attempt %d: %w", i, err)
		}
	}

	r.log.Errorw("All delivery attempts failed",
		"recipient", recipient,
		"attempts", r.attempts,
		"error", last)
	return &RetryExhaustedError{Attempts: r.attempts, Err: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
