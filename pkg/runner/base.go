package runner

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/transfer"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// CloseTimeout bounds how long Close waits for batches to terminate and for
// channels to close.
const CloseTimeout = 60 * time.Second

// closer shuts down one group of channels and reports whether they closed in
// time.
type closer struct {
	name  string
	close func(time.Duration) bool
}

// base holds what every runner shares: the gateway, the runner root and the
// transfer and cleanup channels rooted there.
type base struct {
	name      string
	log       *plog.Logger
	gw        *channel.Gateway
	root      string
	names     *BatchNameIterator
	observers []Observer
	archiver  Archiver

	upload   *transfer.UploadClient
	download *transfer.DownloadClient
	cleaner  transfer.Cleaner
	closers  []closer

	newExec func(b *Batch) jobExecutor

	mu      sync.Mutex
	batches map[*Batch]struct{}
	closed  bool
}

// newBase starts the transfer and cleanup channels. The runner root is a new
// directory under parent, or a scratch directory made by the worker when
// parent is empty.
func newBase(ctx context.Context, name string, gw *channel.Gateway, parent string, o options) (*base, error) {
	r := &base{
		name:      name,
		log:       o.log.With("runner", name),
		gw:        gw,
		names:     NewBatchNameIterator(),
		observers: o.observers,
		archiver:  o.archiver,
		batches:   make(map[*Batch]struct{}),
	}
	chOpts := o.channelOptions()

	root, err := makeRoot(ctx, gw, parent, r.log, chOpts)
	if err != nil {
		r.shutdown()
		return nil, err
	}

	r.upload, err = transfer.StartUploadClient(ctx, gw, o.uploadChannels, root, r.log, chOpts...)
	if err != nil {
		r.shutdown()
		return nil, err
	}
	r.closers = append(r.closers, closer{"upload", r.upload.Close})
	r.root = r.upload.RemotePath()

	r.download, err = transfer.StartDownloadClient(ctx, gw, o.downloadChannels, r.root, r.log, chOpts...)
	if err != nil {
		r.shutdown()
		return nil, err
	}
	r.closers = append(r.closers, closer{"download", r.download.Close})

	if o.disableCleanup {
		r.log.Warn("remote cleanup disabled", "root", r.root)
		r.cleaner = transfer.NullCleanupClient{}
	} else {
		cc, err := transfer.StartCleanupClient(ctx, gw, r.root, r.log, chOpts...)
		if err != nil {
			r.shutdown()
			return nil, err
		}
		r.cleaner = cc
	}
	r.closers = append(r.closers, closer{"cleanup", r.cleaner.Close})

	if err := r.cleaner.Lock(ctx, r.root); err != nil {
		r.shutdown()
		return nil, fmt.Errorf("failed to lock runner root: %w", err)
	}
	r.log.Debug("runner started", "root", r.root, "gateway", gw.Name())
	return r, nil
}

// makeRoot returns the remote directory the runner works in. An existing
// parent is checked for access first.
func makeRoot(ctx context.Context, gw *channel.Gateway, parent string, log *plog.Logger, opts []channel.Option) (string, error) {
	if parent == "" {
		ch, err := channel.Start(ctx, gw, worker.ModuleMkTemp, &wire.Msg{Type: wire.MkTemp}, opts...)
		if err != nil {
			return "", fmt.Errorf("failed to create remote scratch directory: %w", err)
		}
		root := ch.RemotePath()
		_ = ch.Close()
		ch.WaitClose(5 * time.Second)
		log.Debug("created remote scratch directory", "root", root)
		return root, nil
	}

	if err := checkRemote(ctx, gw, parent, opts); err != nil {
		return "", err
	}
	return path.Join(parent, uuid.NewString()), nil
}

// checkRemote verifies dir is a readable, writable directory on the worker.
func checkRemote(ctx context.Context, gw *channel.Gateway, dir string, opts []channel.Option) error {
	ch, err := channel.Start(ctx, gw, worker.ModuleCheck, &wire.Msg{Type: wire.Check, RemotePath: dir}, opts...)
	if err != nil {
		return fmt.Errorf("failed to check remote directory %s: %w", dir, err)
	}
	ready := ch.Handshake()
	_ = ch.Close()
	ch.WaitClose(5 * time.Second)
	if !ready.Readable || !ready.Writable {
		return perr.Newf(perr.CategoryIO, perr.CodePermissionDenied, "remote directory %s is not readable and writable", dir)
	}
	return nil
}

func (r *base) Name() string {
	return r.name
}

// Root is the remote directory holding the runner's batches.
func (r *base) Root() string {
	return r.root
}

// TransferStats returns the file bytes uploaded and downloaded so far.
func (r *base) TransferStats() (sent, received uint64) {
	return r.upload.BytesSent(), r.download.BytesReceived()
}

// RunBatch starts jobs as a new batch.
func (r *base) RunBatch(jobs []*Job) (*Batch, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, perr.ErrRunnerClosed
	}
	b := newBatch(r, r.names.Next(), jobs)
	b.exec = r.newExec(b)
	b.onFinish = r.batchFinished
	r.batches[b] = struct{}{}
	r.mu.Unlock()

	b.log.Info("batch started", "jobs", len(jobs))
	for _, o := range r.observers {
		o.BatchCreated(r.name, b)
	}
	b.start()
	return b, nil
}

func (r *base) jobFinished(b *Batch, j *RunnerJob) {
	for _, o := range r.observers {
		o.JobFinished(r.name, b, j)
	}
}

func (r *base) batchFinished(b *Batch, err error) {
	r.mu.Lock()
	delete(r.batches, b)
	r.mu.Unlock()

	failed := len(b.JobsWithErrors())
	if err != nil {
		b.log.Error("batch failed", "error", err)
	} else {
		b.log.Info("batch finished", "jobs", len(b.jobs), "failed", failed)
	}
	for _, o := range r.observers {
		o.BatchFinished(r.name, b, err)
	}
}

// Close terminates every running batch, waits up to CloseTimeout for them,
// then closes the channels and the gateway.
func (r *base) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return perr.ErrRunnerClosed
	}
	r.closed = true
	batches := make([]*Batch, 0, len(r.batches))
	for b := range r.batches {
		batches = append(batches, b)
	}
	r.mu.Unlock()

	deadline := time.NewTimer(CloseTimeout)
	defer deadline.Stop()
	for _, b := range batches {
		select {
		case <-b.Terminate():
		case <-deadline.C:
			r.log.Warn("batch did not terminate in time", "batch", b.name)
		}
	}

	r.shutdown()
	return nil
}

// uploadTree copies the local tree to remote, relative to the runner root.
func (r *base) uploadTree(ctx context.Context, local, remote string) error {
	if err := r.upload.Upload(ctx, local, transfer.UploadTo{RemoteRoot: remote}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", local, err)
	}
	return nil
}

// shutdown closes the channels concurrently, then the gateway.
func (r *base) shutdown() {
	var g errgroup.Group
	for _, c := range r.closers {
		g.Go(func() error {
			if !c.close(CloseTimeout) {
				return fmt.Errorf("%s channels did not close within %s", c.name, CloseTimeout)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("runner close", "error", err)
	}
	if err := r.gw.Close(); err != nil {
		r.log.Debug("gateway close", "error", err)
	}
	r.log.Debug("runner closed")
}
