//go:build windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

var handledSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func platformEvent(os.Signal) (Event, bool) { return 0, false }

// Reexec is not supported on Windows; the service manager restarts us.
func Reexec() error { return errors.New("supervisor: re-exec not supported on windows") }

// ReexecSupported reports whether Reexec can work on this platform.
func ReexecSupported() bool { return false }
