package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/metrics"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

var (
	runRunner      string
	runMetricsAddr string
	runReport      bool
)

var runCmd = &cobra.Command{
	Use:   "run --runner NAME JOBDIR...",
	Short: "Run job directories as one batch",
	Long: `Run each JOBDIR (a directory holding job_files/runjob) on the named runner.
The contents of job_files after the job has run are copied to JOBDIR/output.

With --report the batch status, history and output archive are written to the
stores configured by the PPROFIT_ environment settings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		rc, err := cfg.Runner(runRunner)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := plog.FromContext(ctx)

		collector := metrics.NewCollector(nil)
		opts := []runner.Option{runner.WithLogger(log), runner.WithObservers(collector)}

		if runReport {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			st, err := openStores(ctx, settings, log)
			if err != nil {
				return err
			}
			defer st.Close()
			opts = append(opts, st.runnerOptions(log)...)
		}

		if runMetricsAddr != "" {
			metricsCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := metrics.Serve(metricsCtx, runMetricsAddr); err != nil {
					log.Warn("metrics server stopped", "error", err)
				}
			}()
			log.Info("serving metrics", "addr", runMetricsAddr)
		}

		r, err := runner.FromConfig(ctx, runRunner, rc, opts...)
		if err != nil {
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				log.Warn("failed to close runner", "error", err)
			}
		}()
		if tr, ok := r.(metrics.TransferReporter); ok {
			if err := collector.Watch(tr); err != nil {
				log.Warn("failed to register transfer metrics", "error", err)
			}
		}

		jobs := make([]*runner.Job, len(args))
		for i, dir := range args {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			jobs[i] = &runner.Job{Name: filepath.Base(abs), SourcePath: abs}
		}

		b, err := r.RunBatch(jobs)
		if err != nil {
			return err
		}
		log.Info("batch started", "runner", r.Name(), "batch", b.Name(), "jobs", len(jobs))

		select {
		case <-b.Done():
		case <-ctx.Done():
			log.Warn("interrupted, terminating batch", "batch", b.Name())
			<-b.Terminate()
		}

		printSummary(cmd, b)
		if b.ErrorFlag() {
			return fmt.Errorf("batch %s: %d of %d jobs failed", b.Name(), len(b.JobsWithErrors()), len(jobs))
		}
		return nil
	},
}

func printSummary(cmd *cobra.Command, b *runner.Batch) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tDIRECTORY\tSTATUS\tDURATION\tERROR")
	for _, j := range b.Jobs() {
		errMsg := ""
		if err := j.Err(); err != nil {
			errMsg = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Name(), j.Job.SourcePath, j.Status(), j.Duration().Round(time.Millisecond), errMsg)
	}
	w.Flush()
}

func init() {
	runCmd.Flags().StringVarP(&runRunner, "runner", "r", "", "runner from the fit config")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics", "", "serve Prometheus metrics on this address while running")
	runCmd.Flags().BoolVar(&runReport, "report", false, "write status, history and archives to the configured stores")
	runCmd.MarkFlagRequired("runner")
	rootCmd.AddCommand(runCmd)
}
