package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/perfatlas/perfatlas/internal/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Manage metric definitions",
}

var metricsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known metric names",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		names, err := e.Metrics.ListNames(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var metricsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one metric definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		m, err := e.Metrics.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal metric")
		}
		fmt.Println(string(out))
		return nil
	},
}

var metricsSetCmd = &cobra.Command{
	Use:   "set <definition.json>",
	Short: "Create or replace a metric definition from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}

		var m metrics.Metric
		if err := json.Unmarshal(raw, &m); err != nil {
			return eris.Wrapf(err, "parse %s", args[0])
		}

		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Metrics.Upsert(cmd.Context(), &m); err != nil {
			return err
		}
		fmt.Printf("metric %s saved\n", m.Name)
		return nil
	},
}

func init() {
	metricsCmd.AddCommand(metricsListCmd)
	metricsCmd.AddCommand(metricsShowCmd)
	metricsCmd.AddCommand(metricsSetCmd)
	rootCmd.AddCommand(metricsCmd)
}
