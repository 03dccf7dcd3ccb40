package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/perfatlas/perfatlas/internal/locale"
)

var localesCmd = &cobra.Command{
	Use:   "locales",
	Short: "Query the locale catalog and spatial index",
}

var localesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one locale as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		loc, err := e.Catalog.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(loc, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal locale")
		}
		fmt.Println(string(out))
		return nil
	},
}

var (
	nearestLat  float64
	nearestLon  float64
	nearestType string
)

var localesNearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "Find the locale closest to a coordinate",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := locale.ParseGranularity(nearestType)
		if err != nil {
			return err
		}

		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := e.Index.FindNearest(cmd.Context(), g, nearestLat, nearestLon)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var localesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force-rebuild the locale catalog and spatial index",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Catalog.ForceRefresh(cmd.Context()); err != nil {
			return err
		}
		return e.Index.ForceRefresh(cmd.Context())
	},
}

func init() {
	localesNearestCmd.Flags().Float64Var(&nearestLat, "lat", 0, "latitude")
	localesNearestCmd.Flags().Float64Var(&nearestLon, "lon", 0, "longitude")
	localesNearestCmd.Flags().StringVarP(&nearestType, "type", "t", "city", "granularity (country, region, city)")
	_ = localesNearestCmd.MarkFlagRequired("lat")
	_ = localesNearestCmd.MarkFlagRequired("lon")

	localesCmd.AddCommand(localesShowCmd)
	localesCmd.AddCommand(localesNearestCmd)
	localesCmd.AddCommand(localesRefreshCmd)
	rootCmd.AddCommand(localesCmd)
}
