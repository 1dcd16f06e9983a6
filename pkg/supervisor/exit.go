package supervisor

import (
	"errors"
	"fmt"
)

// ExitCode is the process exit status chosen by the supervisor.
type ExitCode int

const (
	ExitClean   ExitCode = 0
	ExitFailure ExitCode = 1
	ExitForced  ExitCode = 2 // second quit signal while draining
	ExitStartup ExitCode = 3 // could not bind, reach the control database, ...
	ExitLimit   ExitCode = 4 // stopped because a resource limit was exceeded
	ExitRestart ExitCode = 5 // restart requested and the host must relaunch us
)

func (c ExitCode) String() string {
	switch c {
	case ExitClean:
		return "clean"
	case ExitFailure:
		return "failure"
	case ExitForced:
		return "forced"
	case ExitStartup:
		return "startup_failure"
	case ExitLimit:
		return "limit"
	case ExitRestart:
		return "restart_requested"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// ExitError reports a non-clean stop. When Restart is set the caller
// should re-exec the binary, falling back to exiting with Code.
type ExitError struct {
	Code    ExitCode
	Restart bool
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor: %s: %v", e.Code, e.Err)
	}
	return "supervisor: " + e.Code.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// StartupError wraps err as a startup failure.
func StartupError(err error) error {
	return &ExitError{Code: ExitStartup, Err: err}
}

// ExitCodeOf maps the result of Run (or of the start command) to a
// process exit status.
func ExitCodeOf(err error) int {
	if err == nil {
		return int(ExitClean)
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return int(ee.Code)
	}
	return int(ExitFailure)
}
