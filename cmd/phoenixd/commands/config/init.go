package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	Long: `Write a configuration file holding every default value.

By default the file is created at $XDG_CONFIG_HOME/phoenixd/config.yaml.

Examples:
  phoenixd config init
  phoenixd config init --config /etc/phoenixd/config.yaml --force`,
	RunE: runConfigInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, _ := configPath(cmd)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Set database.host, database.user and database.control_database")
	_, _ = fmt.Fprintln(out, "  2. Apply the cron schema: phoenixd migrate <database...>")
	_, _ = fmt.Fprintf(out, "  3. Start the server: phoenixd start --config %s\n", path)
	return nil
}
