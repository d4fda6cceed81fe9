package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"registrar/internal/platform/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is required to migrate")
			}
			if err := runMigrations(cfg.Postgres.DSN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func runMigrations(dsn string) error {
	return postgres.Migrate(dsn)
}
