//go:build windows

package commands

import (
	"errors"
	"fmt"
	"os"
)

// stopProcess interrupts the server, or kills it when force is set.
func stopProcess(process *os.Process, pid int, force bool) error {
	var err error
	if force {
		fmt.Printf("Killing process %d...\n", pid)
		err = process.Kill()
	} else {
		fmt.Printf("Sending interrupt to process %d...\n", pid)
		err = process.Signal(os.Interrupt)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return errProcessDone
	}
	if err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}
	return nil
}

func reloadProcess(*os.Process, int) error {
	return errors.New("reload is not supported on Windows, restart the service instead")
}
