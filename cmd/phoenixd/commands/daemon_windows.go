//go:build windows

package commands

import "fmt"

func startDaemon() error {
	return fmt.Errorf("daemon mode is not supported on Windows, run 'phoenixd start' under a service manager")
}
