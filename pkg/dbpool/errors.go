package dbpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no connection can be lent: every
	// slot is busy and nothing idle could be evicted within the allowed wait.
	ErrPoolExhausted = errors.New("dbpool: the connection pool is full")

	// ErrPoolClosed is returned by Borrow after CloseAll.
	ErrPoolClosed = errors.New("dbpool: pool closed")

	// ErrHandleReleased is returned when a handle is released twice.
	ErrHandleReleased = errors.New("dbpool: handle already released")
)

// ConnectionError reports a failure to open a physical connection.
// The pool itself stays usable; only the caller's unit of work fails.
type ConnectionError struct {
	Database string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dbpool: connect to %q: %v", e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
