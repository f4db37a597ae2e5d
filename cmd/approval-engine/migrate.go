package main

import (
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Driver != config.DriverPostgres {
			logger.Info().Str("driver", cfg.Storage.Driver).Msg("nothing to migrate")
			return nil
		}
		store, err := storage.NewPostgresStorage(cmd.Context(), storage.PostgresOptions{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MaxConnLifetime: cfg.Storage.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info().Msg("schema is up to date")
		return nil
	},
}
