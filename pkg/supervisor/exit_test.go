package supervisor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeOf(t *testing.T) {
	cause := errors.New("bind: address already in use")

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, 0},
		{"plain error", cause, 1},
		{"startup", StartupError(cause), 3},
		{"forced", &ExitError{Code: ExitForced}, 2},
		{"limit restart", &ExitError{Code: ExitLimit, Restart: true}, 4},
		{"wrapped", fmt.Errorf("start: %w", &ExitError{Code: ExitRestart}), 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCodeOf(tc.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("memory 3.0 GiB over soft limit")
	err := &ExitError{Code: ExitRestart, Restart: true, Err: cause}

	assert.Equal(t, "supervisor: restart_requested: memory 3.0 GiB over soft limit", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "supervisor: forced", (&ExitError{Code: ExitForced}).Error())
	assert.Equal(t, "exit(42)", ExitCode(42).String())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "RUNNING", PhaseRunning.String())
	assert.Equal(t, "RELOADING", PhaseReloading.String())
	assert.Equal(t, "UNKNOWN", Phase(99).String())
}
