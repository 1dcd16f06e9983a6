package httpserver

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marmos91/phoenixd/pkg/admission"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListenBindsWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_FDS", "")
	ln := listenLocal(t)
	defer ln.Close()
	assert.Equal(t, "tcp", ln.Addr().Network())
}

func TestListenReportsBindFailure(t *testing.T) {
	ln := listenLocal(t)
	defer ln.Close()

	_, err := Listen(ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestAdmissionListenerHoldsAcceptAtCeiling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	adm := admission.New(1, nil)
	al := NewAdmissionListener(listenLocal(t), adm, 5*time.Millisecond)
	defer al.Close()

	dial(t, al)
	first, err := al.Accept()
	require.NoError(t, err)
	assert.Equal(t, 1, adm.InFlight())

	dial(t, al)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := al.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	select {
	case <-accepted:
		t.Fatal("accepted a connection beyond the ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Close())
	_ = first.Close()

	select {
	case second, ok := <-accepted:
		require.True(t, ok)
		assert.Equal(t, 1, adm.InFlight(), "double close released once")
		require.NoError(t, second.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("second connection never accepted")
	}
	assert.Zero(t, adm.InFlight())
}

func TestAdmissionListenerCloseStopsWaiting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	adm := admission.New(1, nil)
	require.True(t, adm.TryAcquire(0))
	al := NewAdmissionListener(listenLocal(t), adm, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() {
		_, err := al.Accept()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, al.Close())
	require.NoError(t, al.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
	assert.Equal(t, 1, adm.InFlight())
	adm.Release()
}

func TestAdmissionListenerReleasesOnAcceptError(t *testing.T) {
	adm := admission.New(2, nil)
	ln := listenLocal(t)
	al := NewAdmissionListener(ln, adm, 5*time.Millisecond)
	require.NoError(t, ln.Close())

	_, err := al.Accept()
	require.Error(t, err)
	assert.Zero(t, adm.InFlight())
}
