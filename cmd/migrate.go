package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perfatlas/perfatlas/internal/locale"
	"github.com/perfatlas/perfatlas/internal/metrics"
	"github.com/perfatlas/perfatlas/internal/tasks"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the relational schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		for _, m := range []struct {
			name string
			sql  string
		}{
			{"locales", locale.Migration},
			{"metric definitions", metrics.Migration},
			{"task queue", tasks.Migration},
		} {
			if _, err := e.Pool.Exec(ctx, m.sql); err != nil {
				return eris.Wrapf(err, "migrate %s", m.name)
			}
			zap.L().Info("migration applied", zap.String("table", m.name))
		}

		return nil
	},
}

func init() { rootCmd.AddCommand(migrateCmd) }
