package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perfatlas/perfatlas/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task-queue worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		pool := tasks.NewWorkerPool(
			e.Queue,
			e.Dispatcher,
			cfg.Worker.Concurrency,
			cfg.Worker.PollInterval(),
			cfg.Worker.MaxAttempts,
		)
		return pool.Run(ctx)
	},
}

func init() { rootCmd.AddCommand(workerCmd) }
