//go:build !windows

package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/marmos91/phoenixd/pkg/supervisor"
)

// isProcessRunning reports the PID recorded in pidPath when that process
// is alive.
func isProcessRunning(pidPath string) (int, bool) {
	pid, err := supervisor.ReadPIDFile(pidPath)
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// startDaemon relaunches "start" detached from the terminal, with output
// appended to the log file.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := resolvePidFile(startPidFile)
	if pid, running := isProcessRunning(pidPath); running {
		return fmt.Errorf("phoenixd is already running (PID %d)\nUse 'phoenixd stop' to stop it", pid)
	}
	_ = os.Remove(pidPath)

	logPath := startLogFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "phoenixd.log")
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"start", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		args = append(args, "--config", GetConfigFile())
	}
	for _, db := range startDatabases {
		args = append(args, "--database", db)
	}
	if noReexec {
		args = append(args, "--no-reexec")
	}

	logHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logHandle.Close() }()

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logHandle
	cmd.Stderr = logHandle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("phoenixd started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'phoenixd stop' to stop it and 'phoenixd reload' to restart it")
	return nil
}
