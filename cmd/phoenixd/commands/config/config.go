// Package config implements the configuration subcommands.
package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/pkg/config"
)

// Cmd is the config subcommand.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long: `Manage phoenixd configuration files.

Subcommands:
  init      Write a configuration file with every default
  validate  Validate a configuration file
  show      Display the effective configuration
  schema    Generate the JSON schema for IDE/validation`,
}

func init() {
	Cmd.AddCommand(initCmd)
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(schemaCmd)
}

// configPath reads the root --config flag, falling back to the default.
func configPath(cmd *cobra.Command) (path string, explicit bool) {
	path, _ = cmd.Flags().GetString("config")
	if path != "" {
		return path, true
	}
	return config.GetDefaultConfigPath(), false
}
