package httpserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/phoenixd/pkg/admission"
	"github.com/marmos91/phoenixd/pkg/config"
)

func startServer(t *testing.T, ctx context.Context, adm *admission.Admission) (*Server, <-chan error) {
	t.Helper()
	f := newFixture(t, nil)
	ln := NewAdmissionListener(listenLocal(t), adm, 5*time.Millisecond)
	srv := NewServer(config.HTTPConfig{ReadTimeout: time.Second, IdleTimeout: time.Second}, ln, f.router)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	return srv, done
}

func get(t *testing.T, srv *Server, path string) int {
	t.Helper()
	tr := &http.Transport{DisableKeepAlives: true}
	defer tr.CloseIdleConnections()
	resp, err := (&http.Client{Transport: tr, Timeout: 2 * time.Second}).Get("http://" + srv.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestServerServesUntilContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adm := admission.New(2, nil)
	srv, done := startServer(t, ctx, adm)

	assert.Equal(t, http.StatusOK, get(t, srv, "/health"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Eventually(t, func() bool { return adm.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerStopIsIdempotent(t *testing.T) {
	srv, done := startServer(t, context.Background(), admission.New(0, nil))
	assert.Equal(t, http.StatusOK, get(t, srv, "/health/ready"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
