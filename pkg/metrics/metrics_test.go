package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

func newJob(t *testing.T, runjob string) *runner.Job {
	t.Helper()
	dir := t.TempDir()
	files := filepath.Join(dir, "job_files")
	require.NoError(t, os.MkdirAll(files, 0o755))
	if runjob != "" {
		require.NoError(t, os.WriteFile(filepath.Join(files, "runjob"), []byte(runjob), 0o755))
	}
	return &runner.Job{Name: "job", SourcePath: dir}
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	assert.NotNil(t, c)

	// A second collector on the same registry is a programming error.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCollectorObservesRunner(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	r, err := runner.NewLocal(ctx, "local", 2,
		runner.WithGateway(gateway.InProcess()),
		runner.WithObservers(c),
	)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, c.Watch(r))

	jobs := []*runner.Job{
		newJob(t, "echo hello > out\n"),
		newJob(t, "echo world > out\n"),
		newJob(t, ""),
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	require.NoError(t, b.Wait(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesStarted.WithLabelValues("local")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.batchesActive.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesFinished.WithLabelValues("local", "job_errors")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("local", string(runner.JobStatusSucceeded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("local", string(runner.JobStatusFailed))))

	sent, received := r.TransferStats()
	assert.Positive(t, sent)
	assert.Positive(t, received)

	n, err := testutil.GatherAndCount(reg, "pprofit_upload_bytes_total", "pprofit_download_bytes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
