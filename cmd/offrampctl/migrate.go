package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thedongraphix/Minisend-sub003/internal/store/migrations"
)

var migrateTimeout time.Duration

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the embedded schema migrations to DATABASE_URL.

Migrations already recorded in schema_migrations are skipped, so the command
is safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
	cmd.Flags().DurationVar(&migrateTimeout, "timeout", 2*time.Minute, "maximum time to spend applying migrations")
	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	if err := migrations.Run(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}
