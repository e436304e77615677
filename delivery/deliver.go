package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mailer/internal/audit"
	"mailer/internal/metrics"
	"mailer/message"
)

var (
	_ Pool = (*LockedPool)(nil)
	_ Pool = (*ChanPool)(nil)
)

// DeadLetters stores messages that could not be delivered.
type DeadLetters interface {
	Save(id, recipient string, data []byte) (string, error)
}

// Transport delivers messages through one pool. A single attempt is
// acquire, submit, release; a connection that failed mid-submit is
// discarded instead of released.
type Transport struct {
	pool    Pool
	retrier *Retrier
	log     *zap.SugaredLogger
	dead    DeadLetters
}

// NewTransport binds a pool to a retry policy.
func NewTransport(pool Pool, retrier *Retrier, log *zap.SugaredLogger) *Transport {
	return &Transport{pool: pool, retrier: retrier, log: log}
}

// WithDeadLetters makes t persist messages whose retries were exhausted.
func (t *Transport) WithDeadLetters(d DeadLetters) *Transport {
	t.dead = d
	return t
}

// Send delivers msg, retrying transient failures.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	err := t.retrier.Do(ctx, msg.To, func(ctx context.Context) error {
		return t.attempt(ctx, msg)
	})
	if err == nil {
		metrics.MessagesDelivered.Inc()
		audit.Log("message delivered", "id", msg.ID, "to", msg.To, "bytes", msg.Size())
		t.log.Infow("Email sent successfully", "id", msg.ID, "recipient", msg.To)
		return nil
	}

	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		metrics.DeliveryFailures.WithLabelValues("retries_exhausted").Inc()
		t.deadLetter(msg)
	} else {
		metrics.DeliveryFailures.WithLabelValues("terminal").Inc()
	}
	audit.Log("message failed", "id", msg.ID, "to", msg.To, "error", err)
	return err
}

// SendAsync runs Send on its own goroutine. The channel receives exactly
// one value. Callers that must not abort delivery pass a context without
// cancellation.
func (t *Transport) SendAsync(ctx context.Context, msg *message.Message) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- t.Send(ctx, msg)
	}()
	return done
}

func (t *Transport) attempt(ctx context.Context, msg *message.Message) error {
	metrics.SendAttempts.Inc()

	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) || Retriable(err) {
			return err
		}
		return &ConnectionError{Stage: "dial", Err: err}
	}

	if err := conn.Send(msg.From, msg.To, msg); err != nil {
		t.pool.Discard(conn)
		if Retriable(err) {
			return err
		}
		return &TransportError{Stage: "submit", Err: err}
	}
	t.pool.Release(conn)
	return nil
}

func (t *Transport) deadLetter(msg *message.Message) {
	if t.dead == nil {
		return
	}
	path, err := t.dead.Save(msg.ID, msg.To, msg.Raw)
	if err != nil {
		t.log.Errorw("Failed to spool undeliverable message", "id", msg.ID, "error", err)
		return
	}
	t.log.Infow("Spooled undeliverable message", "id", msg.ID, "path", path)
}
