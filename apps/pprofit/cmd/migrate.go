package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply history database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := plog.FromContext(ctx)

		settings, err := config.LoadSettings()
		if err != nil {
			return err
		}
		if !settings.DatabaseEnabled() {
			return errors.New("no history database configured: set PPROFIT_DB_HOST")
		}

		database, err := db.New(ctx, db.Config{DSN: settings.DSN(), Debug: settings.DBDebug})
		if err != nil {
			return err
		}
		defer database.Close()

		if migrateDown {
			return db.Rollback(ctx, database, log)
		}
		log.Info("running migrations")
		return db.Migrate(ctx, database, log)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the last migration group")
	rootCmd.AddCommand(migrateCmd)
}
