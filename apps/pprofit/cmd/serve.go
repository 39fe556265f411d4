package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/routes"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/api/services"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/metrics"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and metrics",
	Long: `serve exposes the runners of the fit configuration, live batch status,
batch history and archived output over HTTP, plus Prometheus metrics on
/metrics. Stores are configured with PPROFIT_ environment variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := plog.FromContext(ctx)

		settings, err := config.LoadSettings()
		if err != nil {
			return err
		}
		settings.Print(log.Printf)

		st, err := openStores(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		svcs := &services.Services{
			Config: cfg,
			Status: st.status,
		}
		// Leave the interfaces nil rather than holding typed nil pointers.
		if st.history != nil {
			svcs.History = st.history
		}
		if st.artifacts != nil {
			svcs.Artifacts = st.artifacts
		}

		var metricsHandler http.Handler
		if settings.MetricsAddr == "" {
			metricsHandler = metrics.Handler()
		} else {
			go func() {
				if err := metrics.Serve(ctx, settings.MetricsAddr); err != nil {
					logger.Warn("metrics server stopped", "error", err)
				}
			}()
		}

		a := api.NewApi(metricsHandler)
		routes.RegisterAPI(a.Api, svcs)

		srv := &http.Server{Addr: settings.ListenAddr, Handler: a.Router, ReadHeaderTimeout: 10 * time.Second}
		errc := make(chan error, 1)
		go func() {
			errc <- srv.ListenAndServe()
		}()

		logger.Info("🚀 status API starting", "addr", settings.ListenAddr)
		logger.Info("📚 OpenAPI docs", "path", "/docs")

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
