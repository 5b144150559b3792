package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatguard.org/internal/config"
	"chatguard.org/internal/migrate"
	"chatguard.org/internal/store/pg"
)

var (
	migrateDSN     string
	migrateTimeout time.Duration
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
	Long: `Apply, roll back, seed or inspect the embedded schema migrations.

Available subcommands:
  up     - Apply pending migrations
  down   - Roll back the latest migration
  seed   - Load demo seed data
  status - Report applied and pending migrations, seeds and chat tables`,
}

func newMigrateStep(use, short string, run func(context.Context, *migrate.Manager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, mgr *migrate.Manager) error {
				if err := run(ctx, mgr); err != nil {
					return fmt.Errorf("migrate %s: %w", use, err)
				}
				return nil
			})
		},
	}
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "PostgreSQL DSN (default $"+config.Prefix+"PG_DSN)")
	migrateCmd.PersistentFlags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall timeout")

	migrateCmd.AddCommand(
		newMigrateStep("up", "Apply pending migrations", func(ctx context.Context, mgr *migrate.Manager) error {
			return mgr.Up(ctx)
		}),
		newMigrateStep("down", "Roll back the latest migration", func(ctx context.Context, mgr *migrate.Manager) error {
			return mgr.Down(ctx)
		}),
		newMigrateStep("seed", "Load demo seed data", func(ctx context.Context, mgr *migrate.Manager) error {
			return mgr.Seed(ctx)
		}),
		newMigrateStep("status", "Report applied and pending migrations, seeds and chat tables", func(ctx context.Context, mgr *migrate.Manager) error {
			report, err := mgr.Status(ctx)
			if err != nil {
				return err
			}
			return report.Write(os.Stdout)
		}),
	)
}

func withManager(parent context.Context, fn func(context.Context, *migrate.Manager) error) error {
	dsn := migrateDSN
	if dsn == "" {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		dsn = cfg.PGDSN
	}
	if dsn == "" {
		return errors.New("missing DSN: provide --dsn or " + config.Prefix + "PG_DSN")
	}

	ctx, cancel := context.WithTimeout(parent, migrateTimeout)
	defer cancel()

	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	return fn(ctx, migrate.NewManager(store.DB()))
}
