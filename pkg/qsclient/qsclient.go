// Package qsclient drives a queueing-system control channel: submissions,
// polling of the queue state and cancellation.
package qsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

const (
	// DefaultPollInterval is the QSELECT polling interval.
	DefaultPollInterval = 10 * time.Second
	// absentPolls is the number of consecutive polls a released job must be
	// missing from before it counts as finished.
	absentPolls = 2
	killTimeout = 60 * time.Second
)

// Client submits array jobs and tracks them until they leave the queue.
type Client struct {
	ch        *channel.Channel
	reg       *channel.Register
	log       *plog.Logger
	pollEvery time.Duration

	mu      sync.Mutex
	records map[string]*Record
	closed  bool

	stop     context.CancelFunc
	pollDone chan struct{}
}

// Start opens a control channel running module (pbs, sge or slurm) and starts
// polling.
func Start(ctx context.Context, gw *channel.Gateway, module string, pollEvery time.Duration, log *plog.Logger, opts ...channel.Option) (*Client, error) {
	opts = append([]channel.Option{channel.WithLogger(log)}, opts...)
	ch, err := channel.Start(ctx, gw, module, &wire.Msg{Type: wire.StartQueueChannel}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s channel: %w", module, err)
	}
	return New(ch, pollEvery, log), nil
}

// New wraps a started control channel. A non-positive pollEvery means
// DefaultPollInterval.
func New(ch *channel.Channel, pollEvery time.Duration, log *plog.Logger) *Client {
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	reg := channel.NewRegister(ch.Done(), func(m *wire.Msg) string { return m.TransactionID })
	ch.Callbacks().Add(reg.Dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ch:        ch,
		reg:       reg,
		log:       plog.OrDiscard(log),
		pollEvery: pollEvery,
		records:   make(map[string]*Record),
		stop:      cancel,
		pollDone:  make(chan struct{}),
	}
	go c.poll(ctx)
	return c
}

// Dialect returns the queueing system identification from the handshake.
func (c *Client) Dialect() *wire.Dialect {
	if hs := c.ch.Handshake(); hs != nil && hs.Dialect != nil {
		return hs.Dialect
	}
	return &wire.Dialect{}
}

func (c *Client) call(ctx context.Context, m *wire.Msg) (*wire.Msg, error) {
	m.TransactionID = uuid.NewString()
	reply, err := c.reg.Call(ctx, c.ch, m)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", m.Type, err)
	}
	return reply, nil
}

// Submit submits jobs, the remote paths of runjob wrappers, as one held array
// job. The job is released once it is seen in the queue. callback, if not
// nil, is called once when the job leaves the queue or is killed.
func (c *Client) Submit(ctx context.Context, jobs, headerLines []string, callback func(error)) (*Record, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, perr.ErrChannelClosed
	}

	reply, err := c.call(ctx, &wire.Msg{Type: wire.QSub, Jobs: jobs, HeaderLines: headerLines})
	if err != nil {
		return nil, err
	}

	r := &Record{
		client:   c,
		jobID:    reply.JobID,
		jobs:     jobs,
		callback: callback,
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.records[r.jobID] = r
	c.mu.Unlock()
	c.log.Debug("array job submitted", "job_id", r.jobID, "jobs", len(jobs))
	return r, nil
}

// Close stops polling and closes the control channel. Records still in the
// queue finish with perr.ErrChannelClosed.
func (c *Client) Close(timeout time.Duration) bool {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stop()
	<-c.pollDone
	_ = c.ch.Close()
	ok := c.ch.WaitClose(timeout)
	c.failAll(perr.ErrChannelClosed)
	return ok
}

func (c *Client) poll(ctx context.Context) {
	defer close(c.pollDone)
	t := time.NewTicker(c.pollEvery)
	defer t.Stop()
	for {
		if err := c.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("queue poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.ch.Done():
			c.failAll(perr.ErrChannelClosed)
			return
		case <-t.C:
		}
	}
}

// refresh runs one QSELECT and updates every record.
func (c *Client) refresh(ctx context.Context) error {
	reply, err := c.call(ctx, &wire.Msg{Type: wire.QSelect})
	if err != nil {
		return err
	}
	queued := make(map[string]bool, len(reply.JobIDs))
	for _, id := range reply.JobIDs {
		queued[id] = true
	}

	c.mu.Lock()
	var release, finished []*Record
	for id, r := range c.records {
		switch {
		case queued[id]:
			r.absent = 0
			if !r.seen {
				r.seen = true
				release = append(release, r)
			}
		case r.seen:
			r.absent++
			if r.absent >= absentPolls {
				delete(c.records, id)
				finished = append(finished, r)
			}
		}
	}
	c.mu.Unlock()

	for _, r := range release {
		if _, err := c.call(ctx, &wire.Msg{Type: wire.QRls, JobID: r.jobID}); err != nil {
			c.log.Warn("could not release job", "job_id", r.jobID, "error", err)
		}
		close(r.released)
	}
	for _, r := range finished {
		c.log.Debug("array job left the queue", "job_id", r.jobID)
		r.complete(nil)
	}
	return nil
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	records := make([]*Record, 0, len(c.records))
	for id, r := range c.records {
		records = append(records, r)
		delete(c.records, id)
	}
	c.mu.Unlock()
	for _, r := range records {
		r.complete(err)
	}
}

func (c *Client) kill(r *Record) {
	c.mu.Lock()
	_, tracked := c.records[r.jobID]
	delete(c.records, r.jobID)
	c.mu.Unlock()
	if !tracked {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if _, err := c.call(ctx, &wire.Msg{Type: wire.QDel, JobIDs: []string{r.jobID}, Force: true}); err != nil {
		c.log.Warn("could not delete job", "job_id", r.jobID, "error", err)
	}
	r.complete(perr.ErrQueueJobKilled)
}

// Record is one submitted array job.
type Record struct {
	client   *Client
	jobID    string
	jobs     []string
	callback func(error)

	// guarded by client.mu
	seen   bool
	absent int

	released chan struct{}
	done     chan struct{}
	once     sync.Once
	err      error
}

// JobID returns the queueing system's id for the array job.
func (r *Record) JobID() string {
	return r.jobID
}

// Jobs returns the runjob paths in the submission.
func (r *Record) Jobs() []string {
	return r.jobs
}

// Released is closed once the job has been seen in the queue and released.
func (r *Record) Released() <-chan struct{} {
	return r.released
}

// Done is closed when the job has left the queue or been killed.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome once Done is closed.
func (r *Record) Err() error {
	<-r.done
	return r.err
}

// Kill deletes the job from the queue. It returns once the job is finished.
func (r *Record) Kill() {
	r.client.kill(r)
	<-r.done
}

func (r *Record) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
		if r.callback != nil {
			r.callback(err)
		}
	})
}
