package delivery

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mailer/internal/metrics"
)

// Pool hands out authenticated relay connections and keeps up to a fixed
// number of them idle between sends. Acquire never waits for a slot: when
// nothing is idle a new connection is dialed.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	// Release returns a healthy connection; it is closed when the pool is full.
	Release(Conn)
	// Discard closes a connection whose protocol state is unknown.
	Discard(Conn)
	Idle() int
	Close() error
}

// evictor closes connections on behalf of a pool. Close errors are
// swallowed, the connection is gone either way, but they are counted.
type evictor struct {
	label    string
	log      *zap.SugaredLogger
	failures atomic.Int64
}

func (e *evictor) close(c Conn, reason string) {
	metrics.ConnectionsClosed.WithLabelValues(e.label, reason).Inc()
	if err := c.Close(); err != nil {
		e.failures.Add(1)
		metrics.CloseFailures.WithLabelValues(e.label).Inc()
		e.log.Debugw("Ignoring error while closing relay connection",
			"pool", e.label,
			"reason", reason,
			"error", err)
	}
}

// CloseFailures returns how many close errors were swallowed.
func (e *evictor) CloseFailures() int64 { return e.failures.Load() }

// LockedPool is the pool used by worker goroutines. The mutex covers the
// idle slice only; dialing and closing happen outside it.
type LockedPool struct {
	evictor
	dialer   Dialer
	capacity int

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// NewLockedPool returns a pool keeping at most capacity idle connections.
func NewLockedPool(dialer Dialer, capacity int, log *zap.SugaredLogger) *LockedPool {
	return &LockedPool{
		evictor:  evictor{label: metrics.PoolLocked, log: log},
		dialer:   dialer,
		capacity: capacity,
		idle:     make([]Conn, 0, capacity),
	}
}

func (p *LockedPool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		metrics.IdleConnections.WithLabelValues(p.label).Set(float64(n - 1))
		p.mu.Unlock()
		metrics.ConnectionsReused.WithLabelValues(p.label).Inc()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ConnectionsOpened.WithLabelValues(p.label).Inc()
	return c, nil
}

func (p *LockedPool) Release(c Conn) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.capacity {
		p.idle = append(p.idle, c)
		metrics.IdleConnections.WithLabelValues(p.label).Set(float64(len(p.idle)))
		p.mu.Unlock()
		return
	}
	reason := "over_capacity"
	if p.closed {
		reason = "shutdown"
	}
	p.mu.Unlock()
	p.close(c, reason)
}

func (p *LockedPool) Discard(c Conn) { p.close(c, "discarded") }

func (p *LockedPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops further acquires and closes every idle connection.
// Connections still checked out are closed when released.
func (p *LockedPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	metrics.IdleConnections.WithLabelValues(p.label).Set(0)
	p.mu.Unlock()

	for _, c := range idle {
		p.close(c, "shutdown")
	}
	return nil
}
