package delivery

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeConn struct {
	id       int32
	inUse    atomic.Int32
	closed   atomic.Bool
	closeErr error
	sendErr  func() error

	mu   sync.Mutex
	sent []string
}

func (c *fakeConn) Send(from, to string, msg io.WriterTo) error {
	if c.sendErr != nil {
		if err := c.sendErr(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, to)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

type fakeDialer struct {
	dials    atomic.Int32
	err      error
	closeErr error
	sendErr  func() error

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	n := d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: n, closeErr: d.closeErr, sendErr: d.sendErr}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) closedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if c.closed.Load() {
			n++
		}
	}
	return n
}

var errRelayDown = errors.New("relay unavailable")

// scriptedAttempts fails the first n calls with err, then succeeds.
type scriptedAttempts struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (s *scriptedAttempts) run(context.Context) error {
	if s.calls.Add(1) <= s.fail {
		return s.err
	}
	return nil
}

func mustAcquire(t *testing.T, p Pool) Conn {
	t.Helper()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return c
}
