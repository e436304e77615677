package delivery

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"mailer/internal/metrics"
)

// ChanPool is the pool behind the asynchronous send path. Idle
// connections live in a buffered channel; acquire and release are
// non-blocking channel operations, so no mutex is involved.
type ChanPool struct {
	evictor
	dialer Dialer
	idle   chan Conn
	closed atomic.Bool
}

// NewChanPool returns a pool keeping at most capacity idle connections.
func NewChanPool(dialer Dialer, capacity int, log *zap.SugaredLogger) *ChanPool {
	return &ChanPool{
		evictor: evictor{label: metrics.PoolChan, log: log},
		dialer:  dialer,
		idle:    make(chan Conn, capacity),
	}
}

func (p *ChanPool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case c := <-p.idle:
		metrics.IdleConnections.WithLabelValues(p.label).Set(float64(len(p.idle)))
		metrics.ConnectionsReused.WithLabelValues(p.label).Inc()
		return c, nil
	default:
	}

	c, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ConnectionsOpened.WithLabelValues(p.label).Inc()
	return c, nil
}

func (p *ChanPool) Release(c Conn) {
	if p.closed.Load() {
		p.close(c, "shutdown")
		return
	}
	select {
	case p.idle <- c:
		metrics.IdleConnections.WithLabelValues(p.label).Set(float64(len(p.idle)))
	default:
		p.close(c, "over_capacity")
		return
	}
	// lost a race with Close
	if p.closed.Load() {
		p.drain()
	}
}

func (p *ChanPool) Discard(c Conn) { p.close(c, "discarded") }

func (p *ChanPool) Idle() int { return len(p.idle) }

// Close stops further acquires and closes every idle connection.
func (p *ChanPool) Close() error {
	p.closed.Store(true)
	p.drain()
	return nil
}

func (p *ChanPool) drain() {
	for {
		select {
		case c := <-p.idle:
			p.close(c, "shutdown")
		default:
			metrics.IdleConnections.WithLabelValues(p.label).Set(0)
			return
		}
	}
}
