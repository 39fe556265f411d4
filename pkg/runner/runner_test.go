package runner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	return ctx
}

func inProcess(opts ...worker.Option) *channel.Gateway {
	return gateway.InProcess(gateway.WithWorkerOptions(opts...))
}

// newJob creates a job directory whose runjob has the given body. An empty
// body leaves runjob out.
func newJob(t *testing.T, name, body string) *runner.Job {
	t.Helper()
	dir := t.TempDir()
	files := filepath.Join(dir, "job_files")
	require.NoError(t, os.MkdirAll(files, 0o755))
	if body != "" {
		require.NoError(t, os.WriteFile(filepath.Join(files, "runjob"), []byte(body), 0o755))
	}
	return &runner.Job{Name: name, SourcePath: dir}
}

func readOutput(t *testing.T, j *runner.Job, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(j.OutputPath, name))
	require.NoError(t, err)
	return string(b)
}

func waitBatch(t *testing.T, b *runner.Batch) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

type recordingObserver struct {
	mu       sync.Mutex
	created  []string
	jobs     []string
	finished []string
}

func (o *recordingObserver) BatchCreated(name string, b *runner.Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, name+"/"+b.Name())
}

func (o *recordingObserver) JobFinished(name string, b *runner.Batch, j *runner.RunnerJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, j.Name())
}

func (o *recordingObserver) BatchFinished(name string, b *runner.Batch, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, name+"/"+b.Name())
}

func TestLocalRunnerSubprocess(t *testing.T) {
	ctx := testContext(t)

	r, err := runner.NewLocal(ctx, "local", 2)
	require.NoError(t, err)
	root := r.Root()
	assert.DirExists(t, root)

	job := newJob(t, "echo", "echo hello > joboutput\n")
	b, err := r.RunBatch([]*runner.Job{job})
	require.NoError(t, err)
	waitBatch(t, b)

	assert.False(t, b.ErrorFlag())
	assert.Equal(t, filepath.Join(job.SourcePath, "output"), job.OutputPath)
	assert.Equal(t, "hello\n", readOutput(t, job, "joboutput"))
	assert.Equal(t, "0\n", readOutput(t, job, "STATUS"))
	assert.Equal(t, runner.JobStatusSucceeded, b.Jobs()[0].Status())

	require.NoError(t, r.Close())
	assert.NoDirExists(t, root)
}

func TestParallelJobs(t *testing.T) {
	ctx := testContext(t)
	obs := &recordingObserver{}
	r, err := runner.NewLocal(ctx, "local", 3, runner.WithGateway(inProcess()), runner.WithObservers(obs))
	require.NoError(t, err)
	defer r.Close()

	var jobs []*runner.Job
	for i := range 12 {
		jobs = append(jobs, newJob(t, fmt.Sprintf("job%d", i), fmt.Sprintf("sleep 0.1\necho %d > out\nexit %d\n", i, i%2)))
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	assert.Equal(t, "Batch-1", b.Name())
	assert.Equal(t, "local", b.Runner())
	waitBatch(t, b)

	assert.False(t, b.ErrorFlag())
	assert.Empty(t, b.JobsWithErrors())
	for i, j := range b.Jobs() {
		assert.Equal(t, fmt.Sprintf("Batch-1-%d/12", i), j.Name())
		assert.Equal(t, fmt.Sprintf("%d\n", i), readOutput(t, jobs[i], "out"))
		// A non-zero exit status is reported in STATUS, not as a job failure.
		assert.Equal(t, fmt.Sprintf("%d\n", i%2), readOutput(t, jobs[i], "STATUS"))
		assert.Positive(t, j.Duration())
	}

	b2, err := r.RunBatch([]*runner.Job{newJob(t, "again", "true\n")})
	require.NoError(t, err)
	assert.Equal(t, "Batch-2", b2.Name())
	waitBatch(t, b2)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"local/Batch-1", "local/Batch-2"}, obs.created)
	assert.Len(t, obs.jobs, 13)
	assert.Equal(t, []string{"local/Batch-1", "local/Batch-2"}, obs.finished)
}

func TestMissingRunjob(t *testing.T) {
	ctx := testContext(t)
	r, err := runner.NewLocal(ctx, "local", 3, runner.WithGateway(inProcess()))
	require.NoError(t, err)
	defer r.Close()

	var jobs []*runner.Job
	missing := map[int]bool{2: true, 7: true, 11: true}
	for i := range 12 {
		body := "echo ok > out\n"
		if missing[i] {
			body = ""
		}
		jobs = append(jobs, newJob(t, fmt.Sprintf("job%d", i), body))
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	waitBatch(t, b)

	assert.True(t, b.ErrorFlag())
	require.NoError(t, b.Err())
	failed := b.JobsWithErrors()
	require.Len(t, failed, 3)
	for _, j := range failed {
		assert.True(t, missing[j.Index()], "job %d should not have failed", j.Index())
		assert.Equal(t, runner.JobStatusFailed, j.Status())
		require.Error(t, j.Err())
		assert.True(t, strings.HasPrefix(j.Err().Error(), "PATH_ERROR"), j.Err().Error())
	}
	for i, job := range jobs {
		if !missing[i] {
			assert.Equal(t, "ok\n", readOutput(t, job, "out"))
		}
	}
}

func TestTerminateBatch(t *testing.T) {
	ctx := testContext(t)
	r, err := runner.NewLocal(ctx, "local", 1,
		runner.WithGateway(inProcess()),
		runner.WithHardkillTimeout(time.Second),
	)
	require.NoError(t, err)
	defer r.Close()

	running := newJob(t, "running", "sleep 30\n")
	b1, err := r.RunBatch([]*runner.Job{running})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b1.Jobs()[0].Status() == runner.JobStatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	// The only run channel is busy, so this job waits in the pool queue.
	pending := newJob(t, "pending", "echo never > out\n")
	b2, err := r.RunBatch([]*runner.Job{pending})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b2.Jobs()[0].Status() == runner.JobStatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	for _, b := range []*runner.Batch{b2, b1} {
		select {
		case <-b.Terminate():
		case <-time.After(20 * time.Second):
			t.Fatalf("%s did not terminate", b.Name())
		}
		j := b.Jobs()[0]
		assert.ErrorIs(t, j.Err(), perr.ErrJobKilled, b.Name())
		assert.Equal(t, runner.JobStatusCancelled, j.Status(), b.Name())
	}
	assert.NoFileExists(t, filepath.Join(pending.OutputPath, "out"))
}

func TestCloseRunner(t *testing.T) {
	ctx := testContext(t)
	obs := &recordingObserver{}
	r, err := runner.NewLocal(ctx, "local", 1,
		runner.WithGateway(inProcess()),
		runner.WithHardkillTimeout(time.Second),
		runner.WithObservers(obs),
	)
	require.NoError(t, err)

	b, err := r.RunBatch([]*runner.Job{newJob(t, "long", "sleep 30\n")})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	select {
	case <-b.Done():
	default:
		t.Fatal("batch still running after Close")
	}
	assert.True(t, b.ErrorFlag())

	assert.ErrorIs(t, r.Close(), perr.ErrRunnerClosed)
	_, err = r.RunBatch([]*runner.Job{newJob(t, "late", "true\n")})
	assert.ErrorIs(t, err, perr.ErrRunnerClosed)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"local/Batch-1"}, obs.finished)
}

func TestRemoteRunnerRoot(t *testing.T) {
	ctx := testContext(t)
	parent := t.TempDir()

	r, err := runner.NewRemote(ctx, "remote", "ssh://localhost"+parent, 2, runner.WithGateway(inProcess()))
	require.NoError(t, err)
	root := r.Root()
	assert.Equal(t, parent, filepath.Dir(root))
	assert.Equal(t, "localhost", r.Target().Host)

	job := newJob(t, "remote", "pwd > where\n")
	b, err := r.RunBatch([]*runner.Job{job})
	require.NoError(t, err)
	waitBatch(t, b)
	require.False(t, b.ErrorFlag())
	assert.Equal(t, filepath.Join(root, "Batch-1", "0", "job_files")+"\n", readOutput(t, job, "where"))

	// The job directory is deleted once unlocked.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "Batch-1"))
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Close())
	assert.NoDirExists(t, root)
	assert.DirExists(t, parent)
}

func TestRemoteRunnerMissingParent(t *testing.T) {
	ctx := testContext(t)
	_, err := runner.NewRemote(ctx, "remote", "ssh://localhost/does/not/exist", 1, runner.WithGateway(inProcess()))
	assert.True(t, perr.IsCode(err, perr.CodeFileDoesNotExist), "got %v", err)
}

func TestDisableCleanup(t *testing.T) {
	ctx := testContext(t)
	parent := t.TempDir()
	r, err := runner.NewRemote(ctx, "remote", "ssh://localhost"+parent, 1,
		runner.WithGateway(inProcess()),
		runner.WithCleanupDisabled(true),
	)
	require.NoError(t, err)
	root := r.Root()

	b, err := r.RunBatch([]*runner.Job{newJob(t, "kept", "echo kept > out\n")})
	require.NoError(t, err)
	waitBatch(t, b)

	require.NoError(t, r.Close())
	assert.FileExists(t, filepath.Join(root, "Batch-1", "0", "job_files", "out"))
}

func TestFromConfig(t *testing.T) {
	ctx := testContext(t)

	r, err := runner.FromConfig(ctx, "local", config.RunnerConfig{Type: config.TypeLocal, NProcesses: 2}, runner.WithGateway(inProcess()))
	require.NoError(t, err)
	assert.Equal(t, "local", r.Name())
	assert.IsType(t, &runner.Local{}, r)
	require.NoError(t, r.Close())

	_, err = runner.FromConfig(ctx, "remote", config.RunnerConfig{Type: config.TypeRemote, NProcesses: 1, RemoteHost: "http://example.com/path"})
	assert.True(t, perr.Is(err, perr.CategoryConfig, perr.CodeBadURL), "got %v", err)

	_, err = runner.FromConfig(ctx, "local", config.RunnerConfig{Type: config.TypeLocal})
	assert.True(t, perr.Is(err, perr.CategoryConfig, perr.CodeMissingKey), "got %v", err)
}

func TestBatchNameIterator(t *testing.T) {
	it := runner.NewBatchNameIterator()
	assert.Equal(t, "Batch-1", it.Next())
	assert.Equal(t, "Batch-2", it.Next())
	assert.Equal(t, "Batch-3", it.Next())

	hello := runner.NewBatchNameIterator("Hello")
	assert.Equal(t, "Hello1", hello.Next())
	assert.Equal(t, "Hello2", hello.Next())
}
