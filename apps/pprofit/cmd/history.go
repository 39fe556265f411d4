package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
)

var (
	historyRunner string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history [ID]",
	Short: "Print recorded batches",
	Long:  `history lists the most recent batches recorded in the history database, or the jobs of one batch when ID is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
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
		h := db.NewHistory(database, plog.FromContext(ctx))

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			b, err := h.Batch(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s/%s\tcreated %s\t%d jobs, %d failed\n", b.Runner, b.Name, b.CreatedAt.Format(time.RFC3339), b.JobCount, b.Failed)
			fmt.Fprintln(w, "JOB\tSTATUS\tDURATION\tOUTPUT\tERROR")
			for _, j := range b.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Name, j.Status, time.Duration(j.DurationMS)*time.Millisecond, j.OutputPath, j.Error)
			}
			return nil
		}

		batches, err := h.Recent(ctx, historyRunner, historyLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tRUNNER\tBATCH\tCREATED\tJOBS\tFAILED\tERROR")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", b.ID, b.Runner, b.Name, b.CreatedAt.Format(time.RFC3339), b.JobCount, b.Failed, b.Error)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyRunner, "runner", "", "only show batches of this runner")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of batches to show")
	rootCmd.AddCommand(historyCmd)
}
