package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/qsclient"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// System names a queueing system.
type System string

const (
	SystemPBS   System = "PBS"
	SystemSGE   System = "SGE"
	SystemSlurm System = "Slurm"
)

func (s System) module() (string, error) {
	switch s {
	case SystemPBS:
		return worker.ModulePBS, nil
	case SystemSGE:
		return worker.ModuleSGE, nil
	case SystemSlurm:
		return worker.ModuleSlurm, nil
	}
	return "", perr.Config(perr.CodeBadValue, "unknown queueing system %q", string(s))
}

// wrapperScript is uploaded next to job_files as runjob. It runs the job's
// own runjob and records its exit status.
const wrapperScript = `#! /bin/bash
cd job_files || exit 1
"${SHELL:-/bin/bash}" runjob
status=$?
echo $status > STATUS
exit $status
`

// QueueConfig configures a queueing runner.
type QueueConfig struct {
	System System
	// RemoteHost is the URL of the submission host.
	RemoteHost string
	// BatchSize caps the number of jobs per array submission. Zero means
	// no cap.
	BatchSize int
	// HeaderLines are added to every submission script.
	HeaderLines []string
}

// ReadHeaderInclude reads the lines of a header_include file.
func ReadHeaderInclude(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open header include: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read header include: %w", err)
	}
	return lines, nil
}

// Queueing runs jobs as array jobs of a PBS, SGE or Slurm queue. Jobs of a
// batch are grouped into sub-batches of up to BatchSize jobs, each submitted
// as one held array job and released once it appears in the queue.
type Queueing struct {
	*base
	cfg    QueueConfig
	client *qsclient.Client
	// wrapper is a local directory holding only the wrapper runjob.
	wrapper string
}

var _ Runner = (*Queueing)(nil)

// NewQueueing connects to the submission host and opens the queue control
// channel alongside the transfer channels.
func NewQueueing(ctx context.Context, name string, cfg QueueConfig, opts ...Option) (*Queueing, error) {
	o := buildOptions(opts, options{keepAlive: DefaultKeepAlive})
	module, err := cfg.System.module()
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize < 0 {
		return nil, perr.Config(perr.CodeBadValue, "runner %q: batch_size must not be negative", name)
	}

	target, err := gateway.ParseTarget(cfg.RemoteHost)
	if err != nil {
		return nil, err
	}
	gw, err := dial(ctx, target, o)
	if err != nil {
		return nil, err
	}
	b, err := newBase(ctx, name, gw, target.Path, o)
	if err != nil {
		return nil, err
	}
	wrapper, err := writeWrapper()
	if err != nil {
		b.shutdown()
		return nil, err
	}
	b.closers = append(b.closers, closer{"wrapper", func(time.Duration) bool {
		return os.RemoveAll(wrapper) == nil
	}})
	client, err := qsclient.Start(ctx, gw, module, o.pollInterval, b.log, o.channelOptions()...)
	if err != nil {
		b.shutdown()
		return nil, err
	}
	b.closers = append(b.closers, closer{"queue", client.Close})

	q := &Queueing{base: b, cfg: cfg, client: client, wrapper: wrapper}
	b.newExec = q.newBatchExec
	b.log.Info("queue connected", "flavour", client.Dialect().Flavour)
	return q, nil
}

// writeWrapper stages the wrapper runjob in a fresh temporary directory. Job
// source directories are uploaded untouched and the wrapper is uploaded
// over them.
func writeWrapper() (string, error) {
	dir, err := os.MkdirTemp("", "pprofit-wrapper-")
	if err != nil {
		return "", fmt.Errorf("failed to create wrapper directory: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to create wrapper directory: %w", err)
	}
	p := filepath.Join(dir, "runjob")
	if err := os.WriteFile(p, []byte(wrapperScript), 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write job wrapper: %w", err)
	}
	if err := os.Chmod(p, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write job wrapper: %w", err)
	}
	return dir, nil
}

// Dialect is the queueing system flavour reported by the submission host.
func (q *Queueing) Dialect() string {
	return q.client.Dialect().Flavour
}

func (q *Queueing) newBatchExec(b *Batch) jobExecutor {
	e := &queueBatch{
		base:    q.base,
		wrapper: q.wrapper,
		client:  q.client,
		header:  q.cfg.HeaderLines,
		size:    q.cfg.BatchSize,
		name:    b.name,
		total:   len(b.jobs),
		log:     b.log,
	}
	e.current = e.newSub()
	return e
}

// queueBatch collects the jobs of one batch into sub-batches. A sub-batch is
// submitted when it is full or when every job of the batch has either
// reached run or been abandoned.
type queueBatch struct {
	base    *base
	wrapper string
	client  *qsclient.Client
	header  []string
	size    int
	name    string
	total   int
	log     *plog.Logger

	mu      sync.Mutex
	arrived int
	subs    int
	current *subBatch
}

func (e *queueBatch) newSub() *subBatch {
	s := &subBatch{
		name: fmt.Sprintf("%s_sub: %d", e.name, e.subs),
		done: make(chan struct{}),
	}
	e.subs++
	return s
}

// upload sends the job's source tree, then the wrapper into the same remote
// directory. A runjob at the top of the source tree is replaced remotely.
func (e *queueBatch) upload(ctx context.Context, j *RunnerJob) error {
	if err := e.base.uploadTree(ctx, j.Job.SourcePath, j.remotePath); err != nil {
		return err
	}
	return e.base.uploadTree(ctx, e.wrapper, j.remotePath)
}

func (e *queueBatch) run(ctx context.Context, j *RunnerJob) error {
	s := e.arrive(j)
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		s.kill()
		<-s.done
		return perr.ErrJobKilled
	}
}

func (e *queueBatch) abandon(*RunnerJob) {
	e.arrive(nil)
}

// outputDir is where the submission script copies the job's scratch
// directory back to.
func (e *queueBatch) outputDir(j *RunnerJob) string {
	return path.Join(j.remotePath, "output", "job_files")
}

// arrive counts a job that is ready to run (or nil for one that will never
// run) and submits the current sub-batch when it should go.
func (e *queueBatch) arrive(j *RunnerJob) *subBatch {
	e.mu.Lock()
	e.arrived++
	s := e.current
	if j != nil {
		s.jobs = append(s.jobs, path.Join(j.remotePath, "runjob"))
	}
	var submit *subBatch
	full := e.size > 0 && len(s.jobs) >= e.size
	if len(s.jobs) > 0 && (full || e.arrived >= e.total) {
		submit = s
		e.current = e.newSub()
	}
	e.mu.Unlock()

	if submit != nil {
		go submit.submit(e.client, e.header, e.log)
	}
	return s
}

// subBatch is one array job.
type subBatch struct {
	name string
	jobs []string

	mu     sync.Mutex
	record *qsclient.Record
	killed bool

	once sync.Once
	done chan struct{}
	err  error
}

func (s *subBatch) submit(c *qsclient.Client, header []string, log *plog.Logger) {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		s.finish(perr.ErrQueueJobKilled)
		return
	}

	rec, err := c.Submit(context.Background(), s.jobs, header, nil)
	if err != nil {
		s.finish(fmt.Errorf("failed to submit %s: %w", s.name, err))
		return
	}
	log.Info("sub-batch submitted", "sub_batch", s.name, "job_id", rec.JobID(), "jobs", len(s.jobs))

	s.mu.Lock()
	s.record = rec
	killed = s.killed
	s.mu.Unlock()
	if killed {
		rec.Kill()
	}
	<-rec.Done()
	s.finish(rec.Err())
}

// kill deletes the array job, or stops it being submitted.
func (s *subBatch) kill() {
	s.mu.Lock()
	s.killed = true
	rec := s.record
	s.mu.Unlock()
	if rec != nil {
		go rec.Kill()
	}
}

func (s *subBatch) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
