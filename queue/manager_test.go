package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mailer/delivery"
	"mailer/internal/config"
	"mailer/internal/metrics"
	"mailer/internal/relaytest"
	"mailer/message"
)

type recordingSender struct {
	calls atomic.Int32
	fn    func(ctx context.Context, msg *message.Message) error
}

func (s *recordingSender) Send(ctx context.Context, msg *message.Message) error {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, msg)
	}
	return nil
}

func newBuilder(t *testing.T, maxBytes int64) *message.Builder {
	t.Helper()
	b, err := message.NewBuilder("no-reply@example.com", maxBytes, nil)
	require.NoError(t, err)
	return b
}

func startDispatcher(t *testing.T, workers int, b *message.Builder, s Sender) *Dispatcher {
	t.Helper()
	d := NewDispatcher(workers, b, s, zaptest.NewLogger(t).Sugar())
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDispatcherDeliversThroughRelay(t *testing.T) {
	metrics.ResetForTests()
	relay := relaytest.Start(t)
	log := zaptest.NewLogger(t).Sugar()

	cfg := config.DefaultDelivery()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	dialer := &delivery.SMTPDialer{Host: relay.Host, Port: relay.Port, HeloName: "mailer.test", Timeout: 2 * time.Second}
	const workers, messages = 4, 20
	pool := delivery.NewLockedPool(dialer, workers, log)
	defer pool.Close()
	transport := delivery.NewTransport(pool, delivery.NewRetrier(cfg, log), log)

	d := startDispatcher(t, workers, newBuilder(t, cfg.MaxMessageBytes), transport)

	var wg sync.WaitGroup
	errs := make(chan error, messages)
	for i := 0; i < messages; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := fmt.Sprintf("user%d@example.com", i)
			errs <- d.Send(context.Background(), "Hello", to, "plain", "<b>html</b>")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, relay.Messages(), messages)
	assert.LessOrEqual(t, relay.Sessions(), workers)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherRejectsOversizedWithoutSending(t *testing.T) {
	sender := &recordingSender{}
	d := startDispatcher(t, 2, newBuilder(t, 64), sender)

	err := d.Send(context.Background(), "Hello", "alice@example.com", "this body is far too long for a 64 byte ceiling", "")
	var sizeErr *message.SizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, int64(64), sizeErr.Limit)
	assert.Equal(t, int32(0), sender.calls.Load())
}

func TestDispatcherReturnsSenderError(t *testing.T) {
	boom := &delivery.RetryExhaustedError{Attempts: 3, Err: errors.New("relay down")}
	sender := &recordingSender{fn: func(context.Context, *message.Message) error { return boom }}
	d := startDispatcher(t, 1, newBuilder(t, 1<<20), sender)

	err := d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
	assert.Same(t, boom, err)
}

func TestDispatcherCallerCancelDoesNotAbortJob(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	sender := &recordingSender{fn: func(ctx context.Context, _ *message.Message) error {
		<-release
		finished <- ctx.Err()
		return nil
	}}
	d := startDispatcher(t, 1, newBuilder(t, 1<<20), sender)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Send(ctx, "Hello", "alice@example.com", "body", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	select {
	case jobErr := <-finished:
		assert.NoError(t, jobErr, "job context must outlive the caller")
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	var calls atomic.Int32
	sender := &recordingSender{fn: func(context.Context, *message.Message) error {
		if calls.Add(1) == 1 {
			panic("relay exploded")
		}
		return nil
	}}
	d := startDispatcher(t, 1, newBuilder(t, 1<<20), sender)

	err := d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	require.NoError(t, d.Send(context.Background(), "Hello", "bob@example.com", "body", ""))
}

func TestDispatcherStopRejectsNewWork(t *testing.T) {
	d := NewDispatcher(2, newBuilder(t, 1<<20), &recordingSender{}, zaptest.NewLogger(t).Sugar())
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	err := d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcherStopWithoutWorkersFailsQueuedJobs(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(1, newBuilder(t, 1<<20), sender, zaptest.NewLogger(t).Sugar())

	result := make(chan error, 1)
	go func() {
		result <- d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop(context.Background()))
	assert.ErrorIs(t, <-result, ErrDispatcherStopped)
	assert.Equal(t, int32(0), sender.calls.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherStopWithFullQueueAndNoWorkers(t *testing.T) {
	d := NewDispatcher(1, newBuilder(t, 1<<20), &recordingSender{}, zaptest.NewLogger(t).Sugar())
	queued := cap(d.jobs) + 1

	results := make(chan error, queued)
	for i := 0; i < queued; i++ {
		go func() {
			results <- d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
		}()
	}
	require.Eventually(t, func() bool { return d.Pending() == queued }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	for i := 0; i < queued; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrDispatcherStopped)
		case <-time.After(2 * time.Second):
			t.Fatal("submitter still blocked after Stop")
		}
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherStopHonoursDeadlineWithStalledWorkers(t *testing.T) {
	release := make(chan struct{})
	sender := &recordingSender{fn: func(context.Context, *message.Message) error {
		<-release
		return nil
	}}
	d := startDispatcher(t, 1, newBuilder(t, 1<<20), sender)
	t.Cleanup(func() { close(release) })

	for i := 0; i < cap(d.jobs)+2; i++ {
		go func() {
			_ = d.Send(context.Background(), "Hello", "alice@example.com", "body", "")
		}()
	}
	require.Eventually(t, func() bool { return sender.calls.Load() == 1 && d.Pending() == cap(d.jobs)+1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
