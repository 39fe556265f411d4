package kv

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "a:1", []byte("one"), 0))
	require.NoError(t, s.Set(ctx, "a:2", []byte("two"), time.Minute))
	require.NoError(t, s.Set(ctx, "b:1", []byte("other"), 0))

	v, err := s.Get(ctx, "a:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	keys, err := s.Keys(ctx, "a:")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "a:2")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, err = s.Keys(ctx, "a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1"}, keys)

	require.NoError(t, s.Delete(ctx, "a:1"))
	require.NoError(t, s.Delete(ctx, "missing"))
	_, err = s.Get(ctx, "a:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusStoreObservesBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status := NewStatusStore(NewMemoryStore(), nil)
	r, err := runner.NewLocal(ctx, "local", 2,
		runner.WithGateway(gateway.InProcess()),
		runner.WithObservers(status),
	)
	require.NoError(t, err)
	defer r.Close()

	var jobs []*runner.Job
	for _, body := range []string{"echo ok > out\n", ""} {
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

	st, err := status.Get(ctx, "local", b.Name())
	require.NoError(t, err)
	assert.True(t, st.Done())
	assert.Equal(t, b.RemoteDir(), st.RemoteDir)
	require.Len(t, st.Jobs, 2)
	assert.Equal(t, runner.JobStatusSucceeded, st.Jobs[0].Status)
	assert.Equal(t, runner.JobStatusFailed, st.Jobs[1].Status)
	assert.NotEmpty(t, st.Jobs[1].Error)

	all, err := status.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.Name(), all[0].Batch)

	_, err = status.Get(ctx, "local", "Batch-99")
	assert.ErrorIs(t, err, ErrNotFound)
}
