package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/rollout/internal/config"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/infrastructure/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL release store schema",
}

func init() {
	migrateCmd.AddCommand(
		migrationCommand("up", "Apply pending migrations", (*persistence.Migrator).Up),
		migrationCommand("down", "Roll back the latest migration", (*persistence.Migrator).Down),
		migrationCommand("status", "Show applied and pending migrations", (*persistence.Migrator).Status),
	)
}

func migrationCommand(use, short string, run func(*persistence.Migrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN(cfg.Store)
			if err != nil {
				return err
			}
			if err := run(persistence.NewMigrator(dsn), cmd.Context()); err != nil {
				return err
			}
			if use != "status" {
				printSuccess(cmd.OutOrStdout(), fmt.Sprintf("migrate %s completed", use))
			}
			return nil
		},
	}
}

func postgresDSN(store config.StoreConfig) (string, error) {
	const op = "cli.migrate"
	if store.Driver != config.StorePostgres {
		return "", rerrors.Config(op, fmt.Sprintf("migrations need the postgres store, configured driver is %q", store.Driver))
	}
	if store.DSN == "" {
		return "", rerrors.Config(op, "store.dsn is required")
	}
	return store.DSN, nil
}
