package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"k8s.io/utils/ptr"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// Run channel defaults.
const (
	DefaultShell           = "/bin/bash"
	DefaultHardkillTimeout = 60 * time.Second
)

type runningJob struct {
	id     string
	cmd    *exec.Cmd
	killed bool
	timer  *time.Timer
	done   chan struct{}
}

// runServer executes one runjob script at a time.
type runServer struct {
	conn     *Conn
	id       string
	shell    string
	hardkill time.Duration

	mu  sync.Mutex
	job *runningJob
}

// serveRun implements the run channel.
func serveRun(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.StartChannel)
	if !ok {
		return nil
	}

	s := &runServer{
		conn:     conn,
		id:       start.ChannelID,
		shell:    start.Shell,
		hardkill: DefaultHardkillTimeout,
	}
	if s.shell == "" {
		s.shell = DefaultShell
	}
	if start.HardkillTimeout > 0 {
		s.hardkill = time.Duration(start.HardkillTimeout * float64(time.Second))
	}
	if _, err := exec.LookPath(s.shell); err != nil {
		return conn.Send(wire.NewError(s.id, perr.CategoryIO, perr.CodeFileDoesNotExist, fmt.Sprintf("shell %q not found: %v", s.shell, err)))
	}

	if err := conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: s.id}); err != nil {
		return err
	}

	for {
		m, ok := conn.Receive(ctx)
		if !ok {
			s.shutdown()
			return nil
		}
		if err := s.handle(m); err != nil {
			s.shutdown()
			return err
		}
	}
}

func (s *runServer) handle(m *wire.Msg) error {
	switch m.Type {
	case wire.KeepAlive:
		return s.conn.Send(echo(s.id, m))
	case wire.JobStart:
		return s.jobStart(m)
	case wire.JobKill:
		s.jobKill(m.JobID)
		return nil
	case wire.ReadyQuery, wire.Ready, wire.Busy:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sendStatus()
	}
	return s.conn.Send(unknownType(s.id, m))
}

// sendStatus must be called with s.mu held.
func (s *runServer) sendStatus() error {
	if s.job != nil {
		return s.conn.Send(&wire.Msg{Type: wire.Busy, ChannelID: s.id, JobID: s.job.id})
	}
	return s.conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: s.id})
}

func (s *runServer) startError(jobID, reason string) *wire.Msg {
	return &wire.Msg{Type: wire.JobStartError, ChannelID: s.id, JobID: jobID, Reason: reason}
}

func (s *runServer) jobStart(m *wire.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.JobID == "" || m.JobPath == "" {
		return s.conn.Send(s.startError(m.JobID, "MISSING_ARGUMENTS"))
	}
	if s.job != nil {
		return s.conn.Send(s.startError(m.JobID, "BUSY"))
	}

	runjob := filepath.Join(m.JobPath, "runjob")
	if info, err := os.Stat(runjob); err != nil || !info.Mode().IsRegular() {
		if err := s.conn.Send(s.startError(m.JobID, fmt.Sprintf("PATH_ERROR, '%s' does not exist or is not a file.", runjob))); err != nil {
			return err
		}
		return s.sendStatus()
	}

	cmd := exec.Command(s.shell, "runjob")
	cmd.Dir = m.JobPath
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		if err := s.conn.Send(s.startError(m.JobID, fmt.Sprintf("PATH_ERROR, could not start '%s': %v", runjob, err))); err != nil {
			return err
		}
		return s.sendStatus()
	}

	job := &runningJob{id: m.JobID, cmd: cmd, done: make(chan struct{})}
	s.job = job
	s.conn.Log().Debug("job started", "job_id", job.id, "pid", cmd.Process.Pid, "path", m.JobPath)

	go s.wait(job, m.JobPath)

	return s.conn.Send(&wire.Msg{Type: wire.JobStart, ChannelID: s.id, JobID: job.id, PID: cmd.Process.Pid})
}

func (s *runServer) wait(job *runningJob, jobPath string) {
	_ = job.cmd.Wait()
	code := exitCode(job.cmd.ProcessState)

	status := filepath.Join(jobPath, "STATUS")
	if err := os.WriteFile(status, []byte(fmt.Sprintf("%d\n", code)), 0o666); err != nil {
		s.conn.Log().Warn("could not write STATUS file", "path", status, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if job.timer != nil {
		job.timer.Stop()
	}
	s.job = nil
	close(job.done)

	s.conn.Log().Debug("job ended", "job_id", job.id, "returncode", code, "killed", job.killed)
	_ = s.conn.Send(&wire.Msg{
		Type:       wire.JobEnd,
		ChannelID:  s.id,
		JobID:      job.id,
		ReturnCode: ptr.To(code),
		Killed:     job.killed,
	})
	_ = s.sendStatus()
}

// jobKill sends SIGTERM to the matching job and escalates to SIGKILL after
// the hard-kill timeout. Mismatched ids are ignored.
func (s *runServer) jobKill(jobID string) *runningJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.job
	if job == nil || job.id != jobID || job.killed {
		return job
	}
	job.killed = true
	s.conn.Log().Debug("killing job", "job_id", job.id)
	if err := terminateJob(job.cmd); err != nil {
		s.conn.Log().Debug("could not terminate job", "job_id", job.id, "error", err)
	}
	job.timer = time.AfterFunc(s.hardkill, func() {
		select {
		case <-job.done:
		default:
			_ = killJob(job.cmd)
		}
	})
	return job
}

// shutdown kills any running job and waits for it.
func (s *runServer) shutdown() {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return
	}
	s.jobKill(job.id)
	<-job.done
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}
