package main

import (
	"fmt"

	"circles/api/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every pending up migration from the migrations directory.

Examples:
  api migrate            # Apply pending migrations
  api migrate --status   # List migrations and whether they are applied`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Only list migrations and their state")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateStatus {
		statuses, err := store.MigrationsStatus(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, status := range statuses {
			mark := "pending"
			if status.Applied {
				mark = "applied"
			}
			fmt.Fprintf(out, "%-8s %s\n", mark, status.Version)
		}
		return nil
	}

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", zap.Int("applied", len(applied)), zap.Strings("versions", applied))
	return nil
}
