package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/internal/cli/output"
	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/cron"
	"github.com/marmos91/phoenixd/pkg/dbpool"
)

var migrateShowVersion bool

var migrateCmd = &cobra.Command{
	Use:   "migrate [database...]",
	Short: "Apply the cron schema to tenant databases",
	Long: `Create or upgrade the cron_job table in each tenant database.

Without arguments the databases listed in registry.preload are migrated.
An argument may be a database name on the configured server or a full
connection string.

Examples:
  # Migrate two tenants
  phoenixd migrate tenant_a tenant_b

  # Show the applied schema version without migrating
  phoenixd migrate --version tenant_a`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateShowVersion, "version", false, "Only print the applied schema version")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	databases := args
	if len(databases) == 0 {
		databases = cfg.Registry.Preload
	}
	if len(databases) == 0 {
		return errors.New("no database given and registry.preload is empty")
	}

	settings := dbpool.SettingsFrom(cfg.Database)
	versions := output.NewTable("database", "version", "dirty")
	var failed int
	for _, name := range databases {
		info, err := settings.Info(name, false)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if migrateShowVersion {
			version, dirty, err := cron.SchemaVersion(cmd.Context(), info.Database, info.DSN)
			if err != nil {
				logger.Error("Could not read schema version", logger.KeyDatabase, info.Database, logger.Err(err))
				failed++
				continue
			}
			versions.AddRow(info.Database, strconv.FormatUint(uint64(version), 10), strconv.FormatBool(dirty))
			continue
		}

		if err := cron.Migrate(cmd.Context(), info.Database, info.DSN); err != nil {
			logger.Error("Migration failed", logger.KeyDatabase, info.Database, logger.Err(err))
			failed++
		}
	}

	if migrateShowVersion && versions.Len() > 0 {
		if err := output.PrintTable(cmd.OutOrStdout(), versions); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d database(s) failed", failed, len(databases))
	}
	if !migrateShowVersion {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d database(s)\n", len(databases))
	}
	return nil
}
