package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type poolCase struct {
	name string
	new  func(t *testing.T, d Dialer, capacity int) Pool
}

var poolCases = []poolCase{
	{"locked", func(t *testing.T, d Dialer, capacity int) Pool {
		return NewLockedPool(d, capacity, zaptest.NewLogger(t).Sugar())
	}},
	{"chan", func(t *testing.T, d Dialer, capacity int) Pool {
		return NewChanPool(d, capacity, zaptest.NewLogger(t).Sugar())
	}},
}

func TestPoolReusesReleasedConnection(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 2)

			first := mustAcquire(t, p)
			p.Release(first)
			second := mustAcquire(t, p)

			assert.Same(t, first, second)
			assert.Equal(t, int32(1), d.dials.Load())
		})
	}
}

func TestPoolDialsWhenIdleIsEmpty(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 1)

			a := mustAcquire(t, p)
			b := mustAcquire(t, p)

			assert.NotSame(t, a, b)
			assert.Equal(t, int32(2), d.dials.Load())
		})
	}
}

func TestPoolClosesConnectionsBeyondCapacity(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 2)

			conns := make([]Conn, 5)
			for i := range conns {
				conns[i] = mustAcquire(t, p)
			}
			for _, c := range conns {
				p.Release(c)
				assert.LessOrEqual(t, p.Idle(), 2)
			}

			assert.Equal(t, 2, p.Idle())
			assert.Equal(t, 3, d.closedCount())
			assert.False(t, conns[0].(*fakeConn).closed.Load())
			assert.False(t, conns[1].(*fakeConn).closed.Load())
			for _, c := range conns[2:] {
				assert.True(t, c.(*fakeConn).closed.Load())
			}
		})
	}
}

func TestPoolDiscardNeverPools(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 2)

			c := mustAcquire(t, p)
			p.Discard(c)

			assert.Equal(t, 0, p.Idle())
			assert.True(t, c.(*fakeConn).closed.Load())

			next := mustAcquire(t, p)
			assert.NotSame(t, c, next)
			assert.Equal(t, int32(2), d.dials.Load())
		})
	}
}

func TestPoolSwallowsCloseErrors(t *testing.T) {
	d := &fakeDialer{closeErr: errors.New("quit: broken pipe")}
	p := NewLockedPool(d, 1, zaptest.NewLogger(t).Sugar())
	a := mustAcquire(t, p)
	b := mustAcquire(t, p)
	p.Release(a)
	p.Release(b)
	p.Discard(mustAcquire(t, p))
	assert.Equal(t, int64(2), p.CloseFailures())

	cp := NewChanPool(d, 1, zaptest.NewLogger(t).Sugar())
	c := mustAcquire(t, cp)
	cp.Discard(c)
	assert.Equal(t, int64(1), cp.CloseFailures())
}

func TestPoolPropagatesDialErrors(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			dialErr := &ConnectionError{Stage: "dial", Err: errRelayDown}
			p := pc.new(t, &fakeDialer{err: dialErr}, 2)

			_, err := p.Acquire(context.Background())
			assert.ErrorIs(t, err, dialErr)
			assert.Equal(t, 0, p.Idle())
		})
	}
}

func TestPoolClose(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 2)

			idle := mustAcquire(t, p)
			out := mustAcquire(t, p)
			p.Release(idle)

			require.NoError(t, p.Close())
			assert.True(t, idle.(*fakeConn).closed.Load())
			assert.Equal(t, 0, p.Idle())

			_, err := p.Acquire(context.Background())
			assert.ErrorIs(t, err, ErrPoolClosed)

			p.Release(out)
			assert.True(t, out.(*fakeConn).closed.Load())
			assert.Equal(t, 0, p.Idle())
		})
	}
}

// exercise runs workers goroutines through cycles acquire/release rounds
// and fails the test if a connection is ever held by two callers.
func exercise(t *testing.T, p Pool, workers, cycles int) (peak int32) {
	t.Helper()
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < cycles; i++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				fc := c.(*fakeConn)
				if !fc.inUse.CompareAndSwap(0, 1) {
					t.Errorf("connection %d handed to two callers", fc.id)
				}
				n := inFlight.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Duration(i%3) * 100 * time.Microsecond)
				inFlight.Add(-1)
				fc.inUse.Store(0)
				p.Release(c)
			}
		}()
	}
	close(start)
	wg.Wait()
	return maxSeen.Load()
}

func TestPoolConcurrentAccessBeyondCapacity(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			d := &fakeDialer{}
			p := pc.new(t, d, 3)

			peak := exercise(t, p, 16, 50)

			dials := int(d.dials.Load())
			assert.GreaterOrEqual(t, dials, int(peak))
			assert.Less(t, dials, 16*50, "expected connection reuse")
			assert.LessOrEqual(t, p.Idle(), 3)
			assert.Equal(t, dials-p.Idle(), d.closedCount())
		})
	}
}

func TestPoolDialsBoundedByPeakDemand(t *testing.T) {
	for _, pc := range poolCases {
		t.Run(pc.name, func(t *testing.T) {
			const workers = 8
			d := &fakeDialer{}
			p := pc.new(t, d, workers)

			peak := exercise(t, p, workers, 40)

			// a dial only happens while every existing connection is checked
			// out, so the total can never pass the number of concurrent callers
			assert.LessOrEqual(t, peak, int32(workers))
			assert.LessOrEqual(t, d.dials.Load(), int32(workers))
			assert.Equal(t, 0, d.closedCount())
		})
	}
}
