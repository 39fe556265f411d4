package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/artifact"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
)

var fetchJob string

var fetchCmd = &cobra.Command{
	Use:   "fetch RUNNER BATCH DIR",
	Short: "Download archived job output",
	Long: `fetch copies the output archived for BATCH of RUNNER by "run --report" into
DIR, one subdirectory per job index. With --job only that job's output is
fetched, directly into DIR.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runnerName, batch, dir := args[0], args[1], args[2]

		settings, err := config.LoadSettings()
		if err != nil {
			return err
		}
		if settings.S3Endpoint == "" {
			return errors.New("no artifact storage configured: set PPROFIT_S3_ENDPOINT")
		}
		store, err := newArtifactStore(settings)
		if err != nil {
			return err
		}

		prefix := artifact.BatchPrefix(runnerName, batch)
		if fetchJob != "" {
			prefix = artifact.JobPrefix(runnerName, batch, fetchJob)
		}
		n, err := artifact.Fetch(ctx, store, prefix, dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📥 fetched %d files into %s\n", n, dir)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchJob, "job", "", "job index within the batch")
	rootCmd.AddCommand(fetchCmd)
}
