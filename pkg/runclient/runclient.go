// Package runclient runs remote runjob scripts over a pool of run channels.
package runclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// Options configures the run channels of a pool.
type Options struct {
	Shell           string
	HardkillTimeout time.Duration
	// KeepAlive is the keep-alive interval. Zero disables it.
	KeepAlive time.Duration
}

// StartError is a job the worker refused to start. Error returns the
// worker's reason unchanged, e.g. "PATH_ERROR, '<dir>/runjob' does not
// exist or is not a file.".
type StartError struct {
	Reason string
}

func (e *StartError) Error() string {
	return e.Reason
}

// Pool schedules jobs onto idle run channels. Each channel runs one job at a
// time; jobs wait in submission order until a channel reports READY.
type Pool struct {
	mc      *channel.MultiChannel
	log     *plog.Logger
	counter *channel.Counter
	kas     []*channel.KeepAlive

	mu      sync.Mutex
	idle    map[string]bool
	running map[string]*JobHandle // by channel id
	jobs    map[string]*JobHandle // by job id
	queue   []*JobHandle
	closed  bool
}

// StartPool starts n run channels on gw.
func StartPool(ctx context.Context, gw *channel.Gateway, n int, o Options, log *plog.Logger, opts ...channel.Option) (*Pool, error) {
	opts = append([]channel.Option{channel.WithLogger(log)}, opts...)
	mc, err := channel.StartMulti(ctx, gw, worker.ModuleRun, n, func(id string) *wire.Msg {
		return &wire.Msg{
			Type:            wire.StartChannel,
			ChannelID:       id,
			Shell:           o.Shell,
			HardkillTimeout: o.HardkillTimeout.Seconds(),
		}
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start run channels: %w", err)
	}
	p := NewPool(mc, log)
	p.kas = mc.KeepAlive(o.KeepAlive)
	return p, nil
}

// NewPool wraps started run channels and asks each for its status.
func NewPool(mc *channel.MultiChannel, log *plog.Logger) *Pool {
	p := &Pool{
		mc:      mc,
		log:     plog.OrDiscard(log),
		counter: channel.NewCounter(""),
		idle:    make(map[string]bool),
		running: make(map[string]*JobHandle),
		jobs:    make(map[string]*JobHandle),
	}
	mc.Callbacks().Add(p.dispatch)
	go p.watch()
	if err := mc.Broadcast(&wire.Msg{Type: wire.ReadyQuery}); err != nil {
		p.log.Warn("could not query run channels", "error", err)
	}
	return p
}

// Len returns the number of run channels.
func (p *Pool) Len() int {
	return p.mc.Len()
}

// RunCommand queues runjob in workingDir. callback, if not nil, is called
// once with the job's outcome: nil when the script ran to completion whatever
// its exit status, perr.ErrJobKilled when it was killed, or the start error.
func (p *Pool) RunCommand(workingDir string, callback func(error)) (*JobHandle, error) {
	h := &JobHandle{
		pool:       p,
		id:         p.counter.Next(),
		workingDir: workingDir,
		callback:   callback,
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, perr.ErrChannelClosed
	}
	p.jobs[h.id] = h
	p.queue = append(p.queue, h)
	sends := p.schedule()
	p.mu.Unlock()

	p.send(sends)
	return h, nil
}

// Run queues runjob in workingDir and blocks until it finishes.
func (p *Pool) Run(ctx context.Context, workingDir string) error {
	h, err := p.RunCommand(workingDir, nil)
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		_, _ = h.Kill()
		<-h.Done()
		return ctx.Err()
	}
}

// Close stops keep-alives and closes the run channels. Running jobs are
// killed by the workers as their channels close.
func (p *Pool) Close(timeout time.Duration) bool {
	for _, ka := range p.kas {
		ka.Stop()
	}
	_ = p.mc.Close()
	return p.mc.WaitClose(timeout)
}

type outbound struct {
	channelID string
	msg       *wire.Msg
}

// schedule pairs queued jobs with idle channels. It must be called with p.mu
// held; the returned messages are sent after unlocking.
func (p *Pool) schedule() []outbound {
	var sends []outbound
	for len(p.queue) > 0 {
		chID := p.nextIdle()
		if chID == "" {
			break
		}
		h := p.queue[0]
		p.queue = p.queue[1:]

		delete(p.idle, chID)
		p.running[chID] = h
		h.mu.Lock()
		h.state = stateSubmitted
		h.channelID = chID
		h.mu.Unlock()

		sends = append(sends, outbound{channelID: chID, msg: &wire.Msg{Type: wire.JobStart, JobID: h.id, JobPath: h.workingDir}})
	}
	return sends
}

func (p *Pool) nextIdle() string {
	for _, ch := range p.mc.Channels() {
		if p.idle[ch.ID()] {
			return ch.ID()
		}
	}
	return ""
}

func (p *Pool) send(sends []outbound) {
	for _, s := range sends {
		ch, ok := p.mc.Get(s.channelID)
		if !ok {
			continue
		}
		p.log.Debug("submitting job", "job_id", s.msg.JobID, "channel", s.channelID, "job_path", s.msg.JobPath)
		if err := ch.Send(s.msg); err != nil {
			p.finish(s.msg.JobID, fmt.Errorf("failed to submit job: %w", err))
		}
	}
}

func (p *Pool) dispatch(m *wire.Msg) bool {
	switch m.Type {
	case wire.Ready:
		p.mu.Lock()
		p.idle[m.ChannelID] = true
		if h := p.running[m.ChannelID]; h != nil && h.isFinished() {
			delete(p.running, m.ChannelID)
		}
		sends := p.schedule()
		p.mu.Unlock()
		p.send(sends)
		return true

	case wire.Busy:
		p.mu.Lock()
		delete(p.idle, m.ChannelID)
		p.mu.Unlock()
		return true

	case wire.JobStart:
		if h := p.lookup(m.JobID); h != nil {
			h.mu.Lock()
			h.pid = m.PID
			h.mu.Unlock()
			p.log.Debug("job started", "job_id", m.JobID, "pid", m.PID)
		}
		return true

	case wire.JobStartError:
		if m.Reason == "BUSY" {
			p.requeue(m.JobID)
			return true
		}
		p.finish(m.JobID, &StartError{Reason: m.Reason})
		return true

	case wire.JobEnd:
		h := p.lookup(m.JobID)
		if h == nil {
			return true
		}
		h.mu.Lock()
		h.returnCode = m.ReturnCode
		h.mu.Unlock()
		var err error
		if m.Killed {
			p.log.Warn("job was killed", "job_id", m.JobID, "working_dir", h.workingDir)
			err = perr.ErrJobKilled
		}
		p.finish(m.JobID, err)
		return true

	case wire.Error:
		if m.JobID != "" {
			p.finish(m.JobID, m.Err())
			return true
		}
		p.log.Warn("run channel error", "channel", m.ChannelID, "error", m.Err())
		return true
	}
	return false
}

func (p *Pool) lookup(jobID string) *JobHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs[jobID]
}

// requeue puts a job rejected by a busy channel back at the head of the
// queue.
func (p *Pool) requeue(jobID string) {
	p.mu.Lock()
	h := p.jobs[jobID]
	if h == nil {
		p.mu.Unlock()
		return
	}
	h.mu.Lock()
	chID := h.channelID
	h.state = statePending
	h.channelID = ""
	h.mu.Unlock()

	if p.running[chID] == h {
		delete(p.running, chID)
	}
	delete(p.idle, chID)
	p.queue = append([]*JobHandle{h}, p.queue...)
	sends := p.schedule()
	p.mu.Unlock()

	p.log.Debug("channel busy, job requeued", "job_id", jobID, "channel", chID)
	p.send(sends)
	if ch, ok := p.mc.Get(chID); ok {
		_ = ch.Send(&wire.Msg{Type: wire.ReadyQuery})
	}
}

// finish completes a job and runs its callback.
func (p *Pool) finish(jobID string, err error) {
	p.mu.Lock()
	h := p.jobs[jobID]
	delete(p.jobs, jobID)
	if h != nil {
		p.queue = slices.DeleteFunc(p.queue, func(q *JobHandle) bool { return q == h })
	}
	p.mu.Unlock()
	if h != nil {
		h.complete(err)
	}
}

// watch fails every outstanding job once a run channel is lost.
func (p *Pool) watch() {
	<-p.mc.Done()
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.jobs))
	for id := range p.jobs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.finish(id, perr.ErrChannelClosed)
	}
}

func (p *Pool) kill(h *JobHandle) {
	h.mu.Lock()
	state, chID := h.state, h.channelID
	h.mu.Unlock()

	if state == statePending {
		p.finish(h.id, perr.ErrJobKilled)
		return
	}
	ch, ok := p.mc.Get(chID)
	if !ok {
		return
	}
	p.log.Debug("killing job", "job_id", h.id, "channel", chID)
	if err := ch.Send(&wire.Msg{Type: wire.JobKill, JobID: h.id}); err != nil {
		p.finish(h.id, perr.ErrJobKilled)
	}
}

type jobState int

const (
	statePending jobState = iota
	stateSubmitted
	stateFinished
)

// JobHandle tracks one RunCommand call.
type JobHandle struct {
	pool       *Pool
	id         string
	workingDir string
	callback   func(error)

	mu         sync.Mutex
	state      jobState
	channelID  string
	pid        int
	returnCode *int
	err        error
	done       chan struct{}
}

// ID returns the job id sent to the worker.
func (h *JobHandle) ID() string {
	return h.id
}

// WorkingDirectory returns the remote directory holding runjob.
func (h *JobHandle) WorkingDirectory() string {
	return h.workingDir
}

// PID returns the remote process id, or zero before the job has started.
func (h *JobHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// ReturnCode returns the exit status reported by the worker, if any.
func (h *JobHandle) ReturnCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.returnCode == nil {
		return 0, false
	}
	return *h.returnCode, true
}

// Done is closed when the job has finished.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job outcome once Done is closed.
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Kill stops the job. A job still waiting for a channel finishes at once with
// perr.ErrJobKilled. The returned channel closes when the job has finished.
func (h *JobHandle) Kill() (<-chan struct{}, error) {
	if h.isFinished() {
		return nil, perr.ErrJobAlreadyFinished
	}
	h.pool.kill(h)
	return h.done, nil
}

func (h *JobHandle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateFinished
}

func (h *JobHandle) complete(err error) {
	h.mu.Lock()
	if h.state == stateFinished {
		h.mu.Unlock()
		return
	}
	h.state = stateFinished
	h.err = err
	h.mu.Unlock()

	close(h.done)
	if h.callback != nil {
		h.callback(err)
	}
}

// IsKilled reports whether err records a killed job.
func IsKilled(err error) bool {
	return errors.Is(err, perr.ErrJobKilled)
}
