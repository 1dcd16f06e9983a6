package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/marmos91/phoenixd/internal/logger"
)

// Listen returns the first socket inherited through systemd socket
// activation (LISTEN_FDS), or binds address when none was passed.
func Listen(address string) (net.Listener, error) {
	inherited, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}

	var ln net.Listener
	for _, l := range inherited {
		switch {
		case l == nil:
		case ln == nil:
			ln = l
		default:
			_ = l.Close()
		}
	}
	if ln != nil {
		logger.Info("Using socket from systemd activation", logger.KeyAddress, ln.Addr().String())
		return ln, nil
	}

	ln, err = net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	return ln, nil
}

// Admitter grants and returns worker slots.
type Admitter interface {
	TryAcquire(timeout time.Duration) bool
	Release()
}

// AdmissionListener wraps a listener so that a connection is only
// accepted once a worker slot is free. While the ceiling is reached the
// accept loop keeps retrying with a short timeout and pending clients wait
// in the kernel backlog. The slot is returned when the connection closes.
type AdmissionListener struct {
	net.Listener

	admit   Admitter
	timeout time.Duration
	log     *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewAdmissionListener wraps ln. timeout is the wait per acquisition
// attempt.
func NewAdmissionListener(ln net.Listener, admit Admitter, timeout time.Duration) *AdmissionListener {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &AdmissionListener{
		Listener: ln,
		admit:    admit,
		timeout:  timeout,
		log:      logger.With(logger.KeyComponent, "listener"),
		closed:   make(chan struct{}),
	}
}

// Accept waits for a worker slot, then for a connection.
func (l *AdmissionListener) Accept() (net.Conn, error) {
	waited := false
	for !l.admit.TryAcquire(l.timeout) {
		select {
		case <-l.closed:
			return nil, net.ErrClosed
		default:
		}
		if !waited {
			l.log.Debug("Worker ceiling reached, holding accept")
			waited = true
		}
	}

	conn, err := l.Listener.Accept()
	if err != nil {
		l.admit.Release()
		return nil, err
	}
	return &admittedConn{Conn: conn, release: l.admit.Release}, nil
}

// Close stops the accept loop and closes the underlying listener.
func (l *AdmissionListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	err := l.Listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type admittedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *admittedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
