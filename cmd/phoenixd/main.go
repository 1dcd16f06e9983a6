package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/phoenixd/cmd/phoenixd/commands"
	"github.com/marmos91/phoenixd/pkg/supervisor"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	err := commands.Execute()
	if err == nil {
		return
	}

	var exit *supervisor.ExitError
	if errors.As(err, &exit) && exit.Restart && commands.ReexecAllowed() {
		// Only returns on failure.
		err = supervisor.Reexec()
		fmt.Fprintf(os.Stderr, "Error: restart failed: %v\n", err)
		os.Exit(int(exit.Code))
	}
	if exit == nil || exit.Code != supervisor.ExitRestart {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(supervisor.ExitCodeOf(err))
}
