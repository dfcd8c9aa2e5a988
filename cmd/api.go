package cmd

import (
	"context"
	"songflow/internal/api"
	"songflow/internal/app"
	"songflow/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			ctx := log.Logger.WithContext(context.Background())

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Msgf("API server using redis prefix: %s, %d shards", cfg.Redis.Prefix, cfg.Scheduler.ShardCount)
			server := api.NewServer(a.Services())
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
