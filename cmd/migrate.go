package cmd

import (
	"context"
	"songflow/internal/config"
	"songflow/internal/infra/postgres"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the leads schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			ctx := log.Logger.WithContext(context.Background())

			db, err := postgres.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}
