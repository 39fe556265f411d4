package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/transfer"
)

// unlockTimeout bounds cleanup requests made after a job or batch has been
// cancelled.
const unlockTimeout = 30 * time.Second

// jobExecutor is the backend-specific part of a job's life.
type jobExecutor interface {
	// upload copies the job's files to its remote directory.
	upload(ctx context.Context, j *RunnerJob) error
	run(ctx context.Context, j *RunnerJob) error
	// abandon is called for jobs that will never reach run.
	abandon(j *RunnerJob)
	// outputDir is the remote directory downloaded into the job's output path.
	outputDir(j *RunnerJob) string
}

// RunnerJob is a Job being run as part of a Batch.
type RunnerJob struct {
	Job *Job

	name       string
	index      int
	remotePath string

	mu       sync.Mutex
	status   JobStatus
	err      error
	started  time.Time
	finished time.Time
}

func (j *RunnerJob) Name() string {
	return j.name
}

func (j *RunnerJob) Index() int {
	return j.index
}

// RemotePath is the job's directory under the runner root.
func (j *RunnerJob) RemotePath() string {
	return j.remotePath
}

func (j *RunnerJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err is the job's failure, or nil.
func (j *RunnerJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Duration is the time between the job starting and finishing, or zero while
// it runs.
func (j *RunnerJob) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished.IsZero() || j.started.IsZero() {
		return 0
	}
	return j.finished.Sub(j.started)
}

func (j *RunnerJob) setStatus(s JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started.IsZero() {
		j.started = time.Now()
	}
	j.status = s
}

func (j *RunnerJob) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
	j.finished = time.Now()
	switch {
	case err == nil:
		j.status = JobStatusSucceeded
	case errors.Is(err, perr.ErrJobKilled):
		j.status = JobStatusCancelled
	default:
		j.status = JobStatusFailed
	}
}

// Batch is a set of jobs started together by RunBatch. It finishes once every
// job has finished and the batch directory has been released.
type Batch struct {
	name      string
	runner    string
	remoteDir string
	jobs      []*RunnerJob
	created   time.Time

	r        *base
	exec     jobExecutor
	log      *plog.Logger
	onFinish func(*Batch, error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	finished time.Time
}

func newBatch(r *base, name string, jobs []*Job) *Batch {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batch{
		name:      name,
		runner:    r.name,
		remoteDir: path.Join(r.root, name),
		created:   time.Now(),
		r:         r,
		log:       r.log.With("batch", name),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	n := len(jobs)
	for i, job := range jobs {
		if job.OutputPath == "" {
			job.OutputPath = filepath.Join(job.SourcePath, "output")
		}
		b.jobs = append(b.jobs, &RunnerJob{
			Job:        job,
			name:       fmt.Sprintf("%s-%d/%d", name, i, n),
			index:      i,
			remotePath: path.Join(b.remoteDir, strconv.Itoa(i)),
			status:     JobStatusPending,
		})
	}
	return b
}

func (b *Batch) Name() string {
	return b.name
}

// Runner is the name of the runner executing the batch.
func (b *Batch) Runner() string {
	return b.runner
}

// RemoteDir is the batch directory under the runner root.
func (b *Batch) RemoteDir() string {
	return b.remoteDir
}

func (b *Batch) Jobs() []*RunnerJob {
	return b.jobs
}

func (b *Batch) Created() time.Time {
	return b.created
}

// Finished returns the time the batch finished, or zero while it runs.
func (b *Batch) Finished() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Done is closed when every job has finished.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch finishes or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is a batch-level failure (the batch directory could not be locked).
// Job failures are reported by the jobs themselves.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// ErrorFlag reports whether the batch or any of its jobs failed.
func (b *Batch) ErrorFlag() bool {
	return b.Err() != nil || len(b.JobsWithErrors()) > 0
}

// JobsWithErrors returns the finished jobs that failed.
func (b *Batch) JobsWithErrors() []*RunnerJob {
	var out []*RunnerJob
	for _, j := range b.jobs {
		if j.Err() != nil {
			out = append(out, j)
		}
	}
	return out
}

// Terminate kills every job still in flight. The returned channel is closed
// once the batch has finished.
func (b *Batch) Terminate() <-chan struct{} {
	b.cancel()
	return b.done
}

func (b *Batch) start() {
	go b.run()
}

func (b *Batch) run() {
	cleaner := b.r.cleaner
	if err := cleaner.Lock(b.ctx, b.remoteDir); err != nil {
		err = fmt.Errorf("failed to lock batch directory %s: %w", b.remoteDir, err)
		for _, j := range b.jobs {
			b.exec.abandon(j)
			j.finish(err)
		}
		b.finish(err)
		return
	}

	var wg sync.WaitGroup
	for _, j := range b.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runJob(j)
			b.r.jobFinished(b, j)
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := cleaner.Unlock(ctx, b.remoteDir); err != nil {
		b.log.Warn("could not unlock batch directory", "path", b.remoteDir, "error", err)
	}
	b.finish(nil)
}

func (b *Batch) finish(err error) {
	b.mu.Lock()
	b.err = err
	b.finished = time.Now()
	b.mu.Unlock()

	b.cancel()
	if b.onFinish != nil {
		b.onFinish(b, err)
	}
	close(b.done)
}

// runJob takes one job through lock, upload, run, download and unlock. A
// failed phase skips the phases after it except download (best effort) and
// unlock.
func (b *Batch) runJob(j *RunnerJob) {
	ctx := b.ctx
	log := b.log.With("job", j.name)
	cleaner := b.r.cleaner

	if err := cleaner.Lock(ctx, j.remotePath); err != nil {
		b.exec.abandon(j)
		j.finish(b.killedOr(fmt.Errorf("failed to lock job directory: %w", err)))
		return
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := cleaner.Unlock(uctx, j.remotePath); err != nil {
			log.Warn("could not unlock job directory", "path", j.remotePath, "error", err)
		}
	}()

	j.setStatus(JobStatusUploading)
	err := b.exec.upload(ctx, j)
	if err != nil {
		b.exec.abandon(j)
	} else {
		j.setStatus(JobStatusRunning)
		log.Debug("running job")
		err = b.exec.run(ctx, j)
	}

	if ctx.Err() != nil {
		j.finish(perr.ErrJobKilled)
		return
	}

	j.setStatus(JobStatusDownloading)
	if dlErr := b.download(ctx, j); dlErr != nil {
		if rmErr := os.RemoveAll(j.Job.OutputPath); rmErr != nil {
			log.Warn("could not remove partial output", "path", j.Job.OutputPath, "error", rmErr)
		}
		if err == nil {
			err = dlErr
		} else {
			log.Debug("download after failure", "error", dlErr)
		}
	}
	err = b.killedOr(err)

	if err == nil && b.r.archiver != nil {
		if aerr := b.r.archiver.Archive(ctx, b.runner, b.name, strconv.Itoa(j.index), j.Job.OutputPath); aerr != nil {
			log.Warn("could not archive job output", "error", aerr)
		}
	}
	if err != nil {
		log.Debug("job failed", "error", err)
	}
	j.finish(err)
}

func (b *Batch) download(ctx context.Context, j *RunnerJob) error {
	if err := os.MkdirAll(j.Job.OutputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	remote := b.exec.outputDir(j)
	if err := b.r.download.Download(ctx, remote, transfer.DownloadTo{LocalRoot: j.Job.OutputPath}); err != nil {
		return fmt.Errorf("failed to download %s: %w", remote, err)
	}
	return nil
}

// killedOr maps any failure of a cancelled batch to perr.ErrJobKilled.
func (b *Batch) killedOr(err error) error {
	if err != nil && b.ctx.Err() != nil {
		return perr.ErrJobKilled
	}
	return err
}
