//go:build !windows

package commands

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func stopProcess(process *os.Process, pid int, force bool) error {
	sig, name := syscall.SIGTERM, "SIGTERM"
	if force {
		sig, name = syscall.SIGKILL, "SIGKILL"
	}
	return signalProcess(process, pid, sig, name)
}

func reloadProcess(process *os.Process, pid int) error {
	return signalProcess(process, pid, syscall.SIGHUP, "SIGHUP")
}

func signalProcess(process *os.Process, pid int, sig syscall.Signal, name string) error {
	fmt.Printf("Sending %s to process %d...\n", name, pid)
	err := process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return errProcessDone
	}
	if err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}
