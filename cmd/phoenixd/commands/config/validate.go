package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate a phoenixd configuration file and print the derived limits.

Examples:
  phoenixd config validate
  phoenixd config validate --config /etc/phoenixd/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, _ := configPath(cmd)
	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if warnings := Warnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintln(out, "\nEffective limits:")
	_, _ = fmt.Fprintf(out, "  Connections:     %d\n", cfg.Database.MaxConn)
	_, _ = fmt.Fprintf(out, "  Cron workers:    %d\n", cfg.Cron.MaxWorkers)
	_, _ = fmt.Fprintf(out, "  Registry size:   %d\n", cfg.RegistryCapacity())
	_, _ = fmt.Fprintf(out, "  Memory soft/hard: %s / %s\n",
		humanize.IBytes(cfg.Limits.MemorySoft.Bytes()), humanize.IBytes(cfg.Limits.MemoryHard.Bytes()))
	return nil
}

// Warnings lists settings that are valid but likely wrong.
func Warnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Cron.MaxWorkers >= cfg.Database.MaxConn {
		warnings = append(warnings, fmt.Sprintf(
			"cron.max_workers (%d) leaves no connection for requests (database.max_conn %d)",
			cfg.Cron.MaxWorkers, cfg.Database.MaxConn))
	}
	if cfg.Limits.MemoryHard > 0 && cfg.Limits.MemoryHard <= cfg.Limits.MemorySoft {
		warnings = append(warnings, "limits.memory_hard is not above limits.memory_soft, the soft limit will never trigger a graceful restart")
	}
	if cfg.HTTP.MaxWorkers > cfg.Database.MaxConn {
		warnings = append(warnings, "http.max_workers exceeds database.max_conn, requests may wait for connections")
	}
	if cfg.Database.Password == "" && cfg.Database.SSLMode == "disable" {
		warnings = append(warnings, "database.password is empty and sslmode is disable, relying on trust authentication")
	}
	return warnings
}
