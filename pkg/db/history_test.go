package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

func TestBatchRecord(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	r, err := runner.NewLocal(ctx, "local", 2, runner.WithGateway(gateway.InProcess()))
	require.NoError(t, err)
	defer r.Close()

	var jobs []*runner.Job
	for _, body := range []string{"echo ok > out\n", "", "true\n"} {
		dir := t.TempDir()
		files := filepath.Join(dir, "job_files")
		require.NoError(t, os.MkdirAll(files, 0o755))
		if body != "" {
			require.NoError(t, os.WriteFile(filepath.Join(files, "runjob"), []byte(body), 0o755))
		}
		jobs = append(jobs, &runner.Job{Name: "job", SourcePath: dir})
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	require.NoError(t, b.Wait(ctx))

	rec := BatchRecord(b, errors.New("lock failed"))
	assert.Equal(t, "local", rec.Runner)
	assert.Equal(t, b.Name(), rec.Name)
	assert.Equal(t, 3, rec.JobCount)
	assert.Equal(t, 1, rec.Failed)
	assert.Equal(t, "lock failed", rec.Error)
	assert.False(t, rec.FinishedAt.Before(rec.CreatedAt))

	require.Len(t, rec.Jobs, 3)
	for i, j := range rec.Jobs {
		assert.Equal(t, rec.ID, j.BatchID)
		assert.Equal(t, i, j.Index)
		assert.Equal(t, jobs[i].OutputPath, j.OutputPath)
	}
	assert.Equal(t, string(runner.JobStatusFailed), rec.Jobs[1].Status)
	assert.NotEmpty(t, rec.Jobs[1].Error)
	assert.Equal(t, string(runner.JobStatusSucceeded), rec.Jobs[2].Status)
}
