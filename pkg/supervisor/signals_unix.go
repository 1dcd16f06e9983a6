//go:build !windows

package supervisor

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var handledSignals = []os.Signal{
	os.Interrupt, syscall.SIGTERM, syscall.SIGHUP,
	syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGXCPU,
}

func platformEvent(sig os.Signal) (Event, bool) {
	switch sig {
	case syscall.SIGQUIT:
		return EventDumpStacks, true
	case syscall.SIGUSR1:
		return EventLogStats, true
	case syscall.SIGXCPU:
		return EventCPULimit, true
	}
	return 0, false
}

// Reexec replaces the current process with a fresh copy of the same
// binary and arguments. It only returns on failure.
func Reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return unix.Exec(exe, os.Args, os.Environ())
}

// ReexecSupported reports whether Reexec can work on this platform.
func ReexecSupported() bool { return true }
