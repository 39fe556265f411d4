package runner_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// fakeSlurm stands in for sbatch, squeue, scontrol and scancel. A released
// array job is run with bash, one task after another, and leaves the queue
// when every task has finished.
type fakeSlurm struct {
	t       *testing.T
	scratch string

	mu       sync.Mutex
	next     int
	scripts  map[string]string
	queued   map[string]bool
	sizes    []int
	released []string
}

var _ worker.Executor = (*fakeSlurm)(nil)

func newFakeSlurm(t *testing.T) *fakeSlurm {
	return &fakeSlurm{
		t:       t,
		scratch: t.TempDir(),
		scripts: make(map[string]string),
		queued:  make(map[string]bool),
	}
}

func (f *fakeSlurm) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch name {
	case "squeue":
		if len(args) > 0 && args[0] == "--version" {
			return []byte("slurm 23.02.7\n"), nil
		}
		var b strings.Builder
		for id := range f.queued {
			b.WriteString(id + "\n")
		}
		return []byte(b.String()), nil

	case "sbatch":
		f.next++
		id := strconv.Itoa(f.next)
		script := string(stdin)
		f.scripts[id] = script
		f.queued[id] = true
		f.sizes = append(f.sizes, strings.Count(script, "\nJOB_ARRAY["))
		return []byte(id + "\n"), nil

	case "scontrol":
		id := args[len(args)-1]
		f.released = append(f.released, id)
		go f.execute(id, f.scripts[id])
		return nil, nil

	case "scancel":
		for _, id := range args {
			delete(f.queued, id)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func (f *fakeSlurm) execute(id, script string) {
	file := filepath.Join(f.scratch, "job"+id+".sh")
	if err := os.WriteFile(file, []byte(script), 0o755); err != nil {
		f.t.Errorf("writing script: %v", err)
		return
	}
	tasks := strings.Count(script, "\nJOB_ARRAY[")
	for i := 1; i <= tasks; i++ {
		cmd := exec.Command("/bin/bash", file)
		cmd.Env = append(os.Environ(),
			"SLURM_ARRAY_TASK_ID="+strconv.Itoa(i),
			"TMPDIR="+f.scratch,
			"SHELL=/bin/bash",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			f.t.Logf("task %s[%d]: %v\n%s", id, i, err, out)
		}
	}

	f.mu.Lock()
	delete(f.queued, id)
	f.mu.Unlock()
}

func (f *fakeSlurm) submissions() ([]int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...), append([]string(nil), f.released...)
}

func newQueueing(t *testing.T, fake *fakeSlurm, batchSize int, header []string) *runner.Queueing {
	t.Helper()
	parent := t.TempDir()
	r, err := runner.NewQueueing(testContext(t), "cluster", runner.QueueConfig{
		System:      runner.SystemSlurm,
		RemoteHost:  "ssh://login.example.com" + parent,
		BatchSize:   batchSize,
		HeaderLines: header,
	},
		runner.WithGateway(inProcess(worker.WithExecutor(fake))),
		runner.WithPollInterval(50*time.Millisecond),
		runner.WithKeepAlive(0),
	)
	require.NoError(t, err)
	return r
}

func TestQueueingRunnerSubBatches(t *testing.T) {
	fake := newFakeSlurm(t)
	r := newQueueing(t, fake, 2, []string{"#SBATCH --time=00:05:00"})
	defer r.Close()
	assert.Equal(t, worker.FlavourSlurm, r.Dialect())

	var jobs []*runner.Job
	for i := range 5 {
		jobs = append(jobs, newJob(t, fmt.Sprintf("job%d", i), fmt.Sprintf("echo %d > out\n", i)))
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	waitBatch(t, b)

	assert.False(t, b.ErrorFlag(), "jobs with errors: %v", b.JobsWithErrors())
	for i, job := range jobs {
		assert.Equal(t, fmt.Sprintf("%d\n", i), readOutput(t, job, "out"))
		assert.Equal(t, "0\n", readOutput(t, job, "STATUS"))
		assert.NoFileExists(t, filepath.Join(job.SourcePath, "runjob"), "wrapper written into the source directory")
		body, err := os.ReadFile(filepath.Join(job.SourcePath, "job_files", "runjob"))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo %d > out\n", i), string(body))
	}

	sizes, released := fake.submissions()
	assert.ElementsMatch(t, []int{2, 2, 1}, sizes)
	assert.Len(t, released, 3)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, script := range fake.scripts {
		assert.Contains(t, script, "#SBATCH --time=00:05:00")
	}
}

func TestQueueingRunnerUncappedBatch(t *testing.T) {
	fake := newFakeSlurm(t)
	r := newQueueing(t, fake, 0, nil)
	defer r.Close()

	var jobs []*runner.Job
	for i := range 4 {
		jobs = append(jobs, newJob(t, fmt.Sprintf("job%d", i), "exit 2\n"))
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	waitBatch(t, b)

	assert.False(t, b.ErrorFlag())
	for _, job := range jobs {
		assert.Equal(t, "2\n", readOutput(t, job, "STATUS"))
	}
	sizes, _ := fake.submissions()
	assert.Equal(t, []int{4}, sizes)
}

func TestQueueingRunnerAbandonedJobs(t *testing.T) {
	fake := newFakeSlurm(t)
	r := newQueueing(t, fake, 10, nil)
	defer r.Close()

	good := newJob(t, "good", "echo ok > out\n")
	// A source path that does not exist fails in upload, before the job
	// reaches the queue. The sub-batch must still be submitted.
	bad := &runner.Job{Name: "bad", SourcePath: filepath.Join(t.TempDir(), "missing")}

	b, err := r.RunBatch([]*runner.Job{good, bad})
	require.NoError(t, err)
	waitBatch(t, b)

	failed := b.JobsWithErrors()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index())
	assert.Equal(t, "ok\n", readOutput(t, good, "out"))

	sizes, _ := fake.submissions()
	assert.Equal(t, []int{1}, sizes)
}

func TestQueueingRunnerUnknownSystem(t *testing.T) {
	_, err := runner.NewQueueing(testContext(t), "cluster", runner.QueueConfig{
		System:     "Condor",
		RemoteHost: "ssh://login.example.com/scratch",
	})
	assert.True(t, perr.Is(err, perr.CategoryConfig, perr.CodeBadValue), "got %v", err)
}
