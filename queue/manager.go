// Package queue runs message delivery on a fixed set of worker goroutines
// so callers can block on a result without owning the delivery work.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailer/internal/metrics"
	"mailer/message"
)

// ErrDispatcherStopped is returned for work submitted after Stop, or still
// queued when the dispatcher stopped without workers.
var ErrDispatcherStopped = errors.New("queue: dispatcher stopped")

// Sender delivers a built message. delivery.Transport implements it.
type Sender interface {
	Send(ctx context.Context, msg *message.Message) error
}

// Dispatcher is the bridge between blocking callers and the worker pool.
type Dispatcher struct {
	builder *message.Builder
	sender  Sender
	log     *zap.SugaredLogger
	workers int

	start      sync.Once
	wg         sync.WaitGroup
	submitters sync.WaitGroup
	pending    atomic.Int64
	jobs       chan job
	quit       chan struct{}

	// mu orders submitter registration against Stop. It is never held
	// while blocking on the jobs channel.
	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a dispatcher with the given number of workers.
// Call Start before submitting work.
func NewDispatcher(workers int, builder *message.Builder, sender Sender, log *zap.SugaredLogger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		builder: builder,
		sender:  sender,
		log:     log,
		workers: workers,
		jobs:    make(chan job, workers*16),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		d.log.Infow("Email dispatcher started", "workers", d.workers)
	})
}

// Send builds and delivers one message on a worker and waits for the
// outcome. When ctx ends first Send returns ctx.Err() while the job keeps
// running to completion.
func (d *Dispatcher) Send(ctx context.Context, subject, recipient, body, html string) error {
	j := job{
		id:   uuid.NewString(),
		req:  Request{Subject: subject, Recipient: recipient, Body: body, HTML: html},
		ctx:  context.WithoutCancel(ctx),
		done: make(chan error, 1),
	}
	if err := d.submit(ctx, j); err != nil {
		return err
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		d.log.Warnw("Stopped waiting for email dispatch",
			"job", j.id,
			"recipient", recipient,
			"error", ctx.Err())
		return ctx.Err()
	}
}

func (d *Dispatcher) submit(ctx context.Context, j job) error {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return ErrDispatcherStopped
	}
	d.submitters.Add(1)
	d.mu.RUnlock()
	defer d.submitters.Done()

	d.pending.Add(1)
	metrics.DispatchPending.Inc()
	select {
	case d.jobs <- j:
		return nil
	case <-d.quit:
		d.pending.Add(-1)
		metrics.DispatchPending.Dec()
		return ErrDispatcherStopped
	case <-ctx.Done():
		d.pending.Add(-1)
		metrics.DispatchPending.Dec()
		return ctx.Err()
	}
}

// Pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int { return int(d.pending.Load()) }

// Stop refuses new work, waits for the workers to drain the queue and
// returns early with an error when ctx ends first. Jobs left behind by a
// dispatcher that was never started fail with ErrDispatcherStopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	first := !d.stopped
	d.stopped = true
	d.mu.Unlock()
	if first {
		close(d.quit)
	}

	done := make(chan struct{})
	go func() {
		d.submitters.Wait()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue: waiting for workers: %w", ctx.Err())
	}

	d.failQueued()
	if first {
		d.log.Infow("Email dispatcher stopped")
	}
	return nil
}

func (d *Dispatcher) failQueued() {
	for {
		select {
		case j := <-d.jobs:
			d.pending.Add(-1)
			metrics.DispatchPending.Dec()
			j.done <- ErrDispatcherStopped
		default:
			return
		}
	}
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.jobs:
			d.run(n, j)
		case <-d.quit:
			// finish what was queued before Stop
			for {
				select {
				case j := <-d.jobs:
					d.run(n, j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(worker int, j job) {
	d.pending.Add(-1)
	metrics.DispatchPending.Dec()
	j.done <- d.process(worker, j)
}

func (d *Dispatcher) process(worker int, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("Recovered panic in email worker", "worker", worker, "job", j.id, "panic", r)
			err = fmt.Errorf("queue: job %s panicked: %v", j.id, r)
		}
	}()

	msg, err := d.builder.Build(j.req.Subject, j.req.Recipient, j.req.Body, j.req.HTML)
	if err != nil {
		d.log.Errorw("Failed to build email",
			"job", j.id,
			"recipient", j.req.Recipient,
			"error", err)
		return err
	}

	if err := d.sender.Send(j.ctx, msg); err != nil {
		d.log.Errorw("Failed to send email",
			"job", j.id,
			"id", msg.ID,
			"recipient", msg.To,
			"error", err)
		return err
	}
	return nil
}
