package runner

import (
	"context"
	"path"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runclient"
)

// pooledRunner runs each job on a pool of run channels, nprocesses at a time.
type pooledRunner struct {
	*base
	pool *runclient.Pool
}

func newPooledRunner(ctx context.Context, name string, gw *channel.Gateway, parent string, nprocesses int, o options) (*pooledRunner, error) {
	if nprocesses < 1 {
		_ = gw.Close()
		return nil, perr.Config(perr.CodeBadValue, "runner %q: nprocesses must be at least 1, got %d", name, nprocesses)
	}
	b, err := newBase(ctx, name, gw, parent, o)
	if err != nil {
		return nil, err
	}
	pool, err := runclient.StartPool(ctx, gw, nprocesses, runclient.Options{
		Shell:           o.shell,
		HardkillTimeout: o.hardkillTimeout,
		KeepAlive:       o.keepAlive,
	}, b.log, o.channelOptions()...)
	if err != nil {
		b.shutdown()
		return nil, err
	}
	b.closers = append(b.closers, closer{"run", pool.Close})

	r := &pooledRunner{base: b, pool: pool}
	b.newExec = func(*Batch) jobExecutor { return r }
	return r, nil
}

func (r *pooledRunner) upload(ctx context.Context, j *RunnerJob) error {
	return r.uploadTree(ctx, j.Job.SourcePath, j.remotePath)
}

func (r *pooledRunner) run(ctx context.Context, j *RunnerJob) error {
	return r.pool.Run(ctx, path.Join(j.remotePath, "job_files"))
}

func (r *pooledRunner) abandon(*RunnerJob) {}

func (r *pooledRunner) outputDir(j *RunnerJob) string {
	return path.Join(j.remotePath, "job_files")
}

// Local runs jobs in a scratch directory on this machine through a worker
// subprocess.
type Local struct {
	*pooledRunner
}

var _ Runner = (*Local)(nil)

// NewLocal starts a local worker and runs up to nprocesses jobs at once.
func NewLocal(ctx context.Context, name string, nprocesses int, opts ...Option) (*Local, error) {
	o := buildOptions(opts, options{})
	gw := o.gw
	if gw == nil {
		var err error
		gw, err = gateway.Local(ctx, o.gatewayOpts()...)
		if err != nil {
			return nil, err
		}
	}
	r, err := newPooledRunner(ctx, name, gw, "", nprocesses, o)
	if err != nil {
		return nil, err
	}
	return &Local{pooledRunner: r}, nil
}
