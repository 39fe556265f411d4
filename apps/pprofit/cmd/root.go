package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
)

type contextKey string

const configContextKey contextKey = "pprofitconfig"

var (
	cfgFile string
	verbose bool
	quiet   bool

	rootCmd = &cobra.Command{
		Use:   "pprofit",
		Short: "Run pprofit job batches on local, remote and queueing-system runners",
		Long: `pprofit runs directories of jobs (each holding job_files/runjob) on the
runners declared in pprofit.yaml. Jobs are copied to the runner, executed and
their output copied back. The same binary is started on remote hosts as the
worker that serves file transfer, job execution and queue submission.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log := plog.NewDefault()
			switch {
			case verbose:
				log = plog.NewVerbose()
			case quiet:
				log = plog.NewQuiet()
			}
			ctx := plog.WithLogger(cmd.Context(), log)

			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			ctx = context.WithValue(ctx, configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the fit configuration from the command context
func GetConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*config.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "fit config file (YAML). Default: pprofit.yaml merged with pprofit.local.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}
