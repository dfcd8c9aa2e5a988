package cmd

import (
	"context"
	"encoding/json"
	"os"
	"songflow/internal/config"
	"songflow/internal/infra/gateway"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "gateway",
		Short: "Inspect or reset the messaging session",
	}

	command.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the session state and pairing QR",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			st, err := gateway.New(cfg.Gateway).Status(context.Background())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Drop the session so the bridge pairs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			return gateway.New(cfg.Gateway).Logout(context.Background())
		},
	})

	return command
}
