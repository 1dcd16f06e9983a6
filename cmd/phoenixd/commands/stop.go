package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/pkg/supervisor"
)

var errProcessDone = errors.New("process already finished")

var (
	stopPidFile string
	stopForce   bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the phoenixd server",
	Long: `Stop a running phoenixd server.

By default sends SIGTERM: the server stops accepting work, waits for
in-flight requests and cron ticks, then exits. Run it twice to force the
stop, or use --force to kill the process immediately.

Examples:
  # Graceful stop
  phoenixd stop

  # Kill immediately
  phoenixd stop --force`,
	RunE: runStop,
}

var reloadPidFile string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Restart the phoenixd server in place",
	Long: `Send SIGHUP to a running phoenixd server.

The server drains in-flight work and re-executes itself, picking up a
new binary and configuration. The process keeps its PID.`,
	RunE: runReload,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/phoenixd/phoenixd.pid)")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Kill the process instead of draining it")
	reloadCmd.Flags().StringVar(&reloadPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/phoenixd/phoenixd.pid)")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := resolvePidFile(stopPidFile)
	process, pid, err := findServer(pidPath)
	if err != nil {
		return err
	}

	err = stopProcess(process, pid, stopForce)
	if errors.Is(err, errProcessDone) {
		fmt.Println("Server already stopped")
		_ = os.Remove(pidPath)
		return nil
	}
	if err != nil {
		return err
	}

	if stopForce {
		fmt.Println("Server killed")
		_ = os.Remove(pidPath)
	} else {
		fmt.Println("Shutdown signal sent. The server will stop once in-flight work is done.")
	}
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	process, pid, err := findServer(resolvePidFile(reloadPidFile))
	if err != nil {
		return err
	}
	if err := reloadProcess(process, pid); err != nil {
		return err
	}
	fmt.Println("Reload signal sent. The server will restart once in-flight work is done.")
	return nil
}

func findServer(pidPath string) (*os.Process, int, error) {
	pid, err := supervisor.ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("PID file not found: %s\n\nIs the server running?", pidPath)
		}
		return nil, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	return process, pid, nil
}
