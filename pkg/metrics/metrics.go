// Package metrics exposes runner activity to Prometheus.
//
// A Collector is a runner.Observer: attach it with runner.WithObservers and
// it counts batches and jobs per runner. Runners passed to Watch also report
// their transfer byte counts.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

const namespace = "pprofit"

// TransferReporter is a runner that counts transferred bytes.
type TransferReporter interface {
	Name() string
	TransferStats() (sent, received uint64)
}

// Collector records batch and job metrics.
type Collector struct {
	reg prometheus.Registerer

	batchesStarted  *prometheus.CounterVec
	batchesFinished *prometheus.CounterVec
	batchesActive   *prometheus.GaugeVec
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	batchDuration   *prometheus.HistogramVec
}

var _ runner.Observer = (*Collector)(nil)

// NewCollector creates the collector's metrics and registers them with reg,
// or with the default registerer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		reg: reg,
		batchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_started_total",
			Help:      "Total number of batches started",
		}, []string{"runner"}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Total number of batches finished, by result",
		}, []string{"runner", "result"}),
		batchesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_active",
			Help:      "Current number of running batches",
		}, []string{"runner"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs finished, by status",
		}, []string{"runner", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from upload to download of a job",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"runner"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from creation to completion of a batch",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"runner"}),
	}

	reg.MustRegister(
		c.batchesStarted,
		c.batchesFinished,
		c.batchesActive,
		c.jobsFinished,
		c.jobDuration,
		c.batchDuration,
	)
	return c
}

func (c *Collector) BatchCreated(name string, b *runner.Batch) {
	c.batchesStarted.WithLabelValues(name).Inc()
	c.batchesActive.WithLabelValues(name).Inc()
}

func (c *Collector) JobFinished(name string, _ *runner.Batch, j *runner.RunnerJob) {
	c.jobsFinished.WithLabelValues(name, string(j.Status())).Inc()
	if d := j.Duration(); d > 0 {
		c.jobDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (c *Collector) BatchFinished(name string, b *runner.Batch, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case b.ErrorFlag():
		result = "job_errors"
	}
	c.batchesFinished.WithLabelValues(name, result).Inc()
	c.batchesActive.WithLabelValues(name).Dec()
	c.batchDuration.WithLabelValues(name).Observe(b.Finished().Sub(b.Created()).Seconds())
}

// Watch registers transfer byte counters for r.
func (c *Collector) Watch(r TransferReporter) error {
	labels := prometheus.Labels{"runner": r.Name()}
	sent := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "upload_bytes_total",
		Help:        "File bytes uploaded to the runner",
		ConstLabels: labels,
	}, func() float64 {
		s, _ := r.TransferStats()
		return float64(s)
	})
	received := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "download_bytes_total",
		Help:        "File bytes downloaded from the runner",
		ConstLabels: labels,
	}, func() float64 {
		_, rcv := r.TransferStats()
		return float64(rcv)
	})
	if err := c.reg.Register(sent); err != nil {
		return err
	}
	return c.reg.Register(received)
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
