package main

import (
	"github.com/spf13/cobra"

	"github.com/perfatlas/perfatlas/internal/metrics"
)

var (
	computeMetric string
	computeDate   string
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute one metric-month directly, bypassing the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		month, err := metrics.ParseYearMonth(computeDate)
		if err != nil {
			return err
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		return e.Engine.ComputeMetricMonth(ctx, computeMetric, month)
	},
}

func init() {
	computeCmd.Flags().StringVarP(&computeMetric, "metric", "m", "", "metric name")
	computeCmd.Flags().StringVarP(&computeDate, "date", "d", "", "month as YYYY_MM")
	_ = computeCmd.MarkFlagRequired("metric")
	_ = computeCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(computeCmd)
}
