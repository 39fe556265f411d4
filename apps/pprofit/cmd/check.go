package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

var checkCmd = &cobra.Command{
	Use:   "check [RUNNER...]",
	Short: "Verify runner connections",
	Long: `check builds each named runner (every configured runner when none is named),
which connects to its host, verifies the remote directory is readable and
writable and, for queueing runners, that the queue commands exist. The runner
is then closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		log := plog.FromContext(ctx)

		names := args
		if len(names) == 0 {
			names = cfg.RunnerNames()
		}
		if len(names) == 0 {
			return fmt.Errorf("no runners configured in %q", cfg.ConfigFileUsed())
		}

		var failed int
		for _, name := range names {
			rc, err := cfg.Runner(name)
			if err != nil {
				return err
			}
			r, err := runner.FromConfig(ctx, name, rc, runner.WithLogger(log))
			if err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "❌ %s (%s): %v\n", name, rc.Type, err)
				continue
			}
			if err := r.Close(); err != nil {
				log.Warn("failed to close runner", "runner", name, "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s (%s)\n", name, rc.Type)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runners failed", failed, len(names))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
