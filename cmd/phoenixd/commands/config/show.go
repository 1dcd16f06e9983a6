package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/internal/cli/output"
	"github.com/marmos91/phoenixd/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and PHOENIXD_* environment
overrides are applied. The database password is masked.

Examples:
  phoenixd config show
  phoenixd config show --output json`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path, explicit := configPath(cmd)
	if !explicit {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	if cfg.Database.Password != "" {
		cfg.Database.Password = "********"
	}
	return output.Print(cmd.OutOrStdout(), format, cfg)
}
