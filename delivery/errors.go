package delivery

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Acquire once a pool has been shut down.
var ErrPoolClosed = errors.New("delivery: connection pool closed")

// ConnectionError is a failure while connecting, securing or logging in.
// It is retriable.
type ConnectionError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("connect %s %s: %v", e.Addr, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError is a failure while submitting on an established
// connection. The connection must be discarded. It is retriable.
type TransportError struct {
	Stage string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryExhaustedError is the terminal failure after every attempt failed.
// It unwraps to the last attempt's error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Retriable reports whether err is worth another attempt.
func Retriable(err error) bool {
	var ce *ConnectionError
	var te *TransportError
	return errors.As(err, &ce) || errors.As(err, &te)
}
