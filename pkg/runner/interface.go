package runner

import (
	"context"
)

// JobStatus is the phase a runner job is in.
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusRunning     JobStatus = "running"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusSucceeded   JobStatus = "succeeded"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Finished reports whether s is a terminal status.
func (s JobStatus) Finished() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a prepared job directory. SourcePath holds job_files/runjob; the
// contents of job_files are copied into OutputPath once the job has run.
type Job struct {
	Name       string
	SourcePath string
	// OutputPath defaults to SourcePath/output.
	OutputPath string
}

// Runner executes batches of jobs.
type Runner interface {
	// Name is the name the runner was configured under.
	Name() string

	// RunBatch starts jobs and returns without waiting for them.
	RunBatch(jobs []*Job) (*Batch, error)

	// Close terminates running batches and releases the runner's channels.
	// It returns perr.ErrRunnerClosed when called twice.
	Close() error
}

// Observer is notified of batch progress. Calls are made from runner
// goroutines and must not block.
type Observer interface {
	BatchCreated(runner string, b *Batch)
	JobFinished(runner string, b *Batch, j *RunnerJob)
	BatchFinished(runner string, b *Batch, err error)
}

// NopObserver ignores every notification. Embed it to implement part of
// Observer.
type NopObserver struct{}

func (NopObserver) BatchCreated(string, *Batch) {}

func (NopObserver) JobFinished(string, *Batch, *RunnerJob) {}

func (NopObserver) BatchFinished(string, *Batch, error) {}

// Archiver stores the output of a successful job.
type Archiver interface {
	Archive(ctx context.Context, runner, batch, job, localDir string) error
}
