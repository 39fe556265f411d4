package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve the worker protocol on stdin/stdout",
	Long:   `worker is started by runners on the host they run jobs on. It reads frames from stdin and writes replies to stdout; logs go to stderr.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	// The worker may run where no fit configuration exists.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log := plog.NewQuiet()
		if verbose {
			log = plog.NewVerbose()
		}
		cmd.SetContext(plog.WithLogger(cmd.Context(), log))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return gateway.ServeStdio(ctx, worker.WithLogger(plog.FromContext(ctx)))
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
