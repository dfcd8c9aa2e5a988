package cmd

import (
	"songflow/internal/config"
	"songflow/internal/worker"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		batchSize int
		shard     int
		once      bool
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(config.Load().Log)
			return worker.Run(worker.Config{
				BatchSize: batchSize,
				Shard:     shard,
				Once:      once,
			})
		},
	}

	command.Flags().IntVar(&batchSize, "batch-size", 0, "Due tasks per dispatch cycle (0 uses Scheduler_BatchSize)")
	command.Flags().IntVar(&shard, "shard", -1, "Only dispatch this shard (-1 for all)")
	command.Flags().BoolVar(&once, "once", false, "Run one cycle of every job and exit")

	return command
}
