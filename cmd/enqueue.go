package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perfatlas/perfatlas/internal/tasks"
)

var (
	enqueueRequest string
	enqueueMetric  string
	enqueueDate    string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a work request to the task queue",
	Long: `Submits one task. Omitting --metric expands the request across every
known metric; omitting --date expands it across warehouse months.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		params := map[string]string{tasks.KeyRequest: enqueueRequest}
		if enqueueMetric != "" {
			params[tasks.KeyMetric] = enqueueMetric
		}
		if enqueueDate != "" {
			params[tasks.KeyDate] = enqueueDate
		}

		id, err := e.Queue.Enqueue(ctx, params)
		if err != nil {
			return err
		}

		fmt.Printf("enqueued task %s\n", id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueRequest, "request", "r", "", "request kind (delete_metric, refresh_metric, update_metric, update_locales)")
	enqueueCmd.Flags().StringVarP(&enqueueMetric, "metric", "m", "", "metric name")
	enqueueCmd.Flags().StringVarP(&enqueueDate, "date", "d", "", "month as YYYY_MM")
	_ = enqueueCmd.MarkFlagRequired("request")
	rootCmd.AddCommand(enqueueCmd)
}
