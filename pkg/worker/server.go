// Package worker is the remote side of the pprofit protocol. A Server reads
// frames from a stream (the stdin of `pprofit worker`), runs one module
// goroutine per opened channel and writes replies back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// Module names understood by the server.
const (
	ModuleUpload   = "upload"
	ModuleDownload = "download"
	ModuleCleanup  = "cleanup"
	ModuleRun      = "run"
	ModulePBS      = "pbs"
	ModuleSGE      = "sge"
	ModuleSlurm    = "slurm"
	ModuleMkTemp   = "mktemp"
	ModuleCheck    = "check"
)

// Handler serves one channel. It returns when the client closes the channel
// or the module has nothing more to do.
type Handler func(ctx context.Context, conn *Conn) error

// Server demultiplexes channels from one stream.
type Server struct {
	log     *plog.Logger
	exec    Executor
	modules map[string]Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. The worker's stdout carries frames, so
// the logger must write elsewhere.
func WithLogger(l *plog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithExecutor replaces the command executor used by the queueing modules.
func WithExecutor(e Executor) Option {
	return func(s *Server) {
		s.exec = e
	}
}

// WithModule registers or replaces a module handler.
func WithModule(name string, h Handler) Option {
	return func(s *Server) {
		s.modules[name] = h
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{modules: make(map[string]Handler)}
	s.modules[ModuleUpload] = serveUpload
	s.modules[ModuleDownload] = serveDownload
	s.modules[ModuleCleanup] = serveCleanup
	s.modules[ModuleRun] = serveRun
	s.modules[ModuleMkTemp] = serveMkTemp
	s.modules[ModuleCheck] = serveCheck
	s.modules[ModulePBS] = s.queueModule(newPBS)
	s.modules[ModuleSGE] = s.queueModule(newSGE)
	s.modules[ModuleSlurm] = s.queueModule(newSlurm)
	for _, opt := range opts {
		opt(s)
	}
	s.log = plog.OrDiscard(s.log)
	if s.exec == nil {
		s.exec = OSExecutor{}
	}
	return s
}

// Conn is a module's view of its channel.
type Conn struct {
	num   uint32
	inbox *wire.Queue
	out   *output
	log   *plog.Logger
	exec  Executor
}

// Receive blocks for the next message. It returns false when the client has
// closed the channel or the stream has ended.
func (c *Conn) Receive(ctx context.Context) (*wire.Msg, bool) {
	return c.inbox.Pop(ctx)
}

// Send writes a reply on the channel.
func (c *Conn) Send(m *wire.Msg) error {
	return c.out.write(&wire.Frame{Channel: c.num, Msg: m})
}

// Log returns the module logger.
func (c *Conn) Log() *plog.Logger {
	return c.log
}

type output struct {
	mu  sync.Mutex
	enc *wire.Encoder
	err error
}

func (o *output) write(f *wire.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	if err := o.enc.Encode(f); err != nil {
		o.err = err
		return err
	}
	return nil
}

// Serve runs until r reaches EOF, then waits for every module to finish.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &output{enc: wire.NewEncoder(w)}
	dec := wire.NewDecoder(r)

	var (
		mu    sync.Mutex
		conns = make(map[uint32]*Conn)
		wg    sync.WaitGroup
	)

	var err error
	for {
		var f *wire.Frame
		f, err = dec.Decode()
		if err != nil {
			break
		}

		mu.Lock()
		conn := conns[f.Channel]
		mu.Unlock()

		switch {
		case conn == nil && f.Open != "":
			conn = &Conn{
				num:   f.Channel,
				inbox: wire.NewQueue(),
				out:   out,
				log:   s.log.With("module", f.Open, "channel", f.Channel),
				exec:  s.exec,
			}
			if f.Msg != nil {
				conn.inbox.Push(f.Msg)
			}
			mu.Lock()
			conns[f.Channel] = conn
			mu.Unlock()

			wg.Add(1)
			go func(module string) {
				defer wg.Done()
				s.run(ctx, module, conn)
				mu.Lock()
				delete(conns, conn.num)
				mu.Unlock()
				_ = out.write(&wire.Frame{Channel: conn.num, Close: true})
			}(f.Open)
		case conn == nil:
			s.log.Debug("frame for unknown channel", "channel", f.Channel)
		case f.Close:
			conn.inbox.Close()
		case f.Msg != nil:
			conn.inbox.Push(f.Msg)
		}
	}

	mu.Lock()
	for _, conn := range conns {
		conn.inbox.Close()
	}
	mu.Unlock()
	wg.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return fmt.Errorf("failed to read frame: %w", err)
}

func (s *Server) run(ctx context.Context, module string, conn *Conn) {
	h, ok := s.modules[module]
	if !ok {
		_ = conn.Send(wire.NewError("", perr.CategoryMsg, perr.CodeUnknownMsgType, fmt.Sprintf("unknown module %q", module)))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			conn.log.Error("module panicked", "panic", r, "stack", string(debug.Stack()))
			_ = conn.Send(wire.NewError("", perr.CategoryException, perr.Code(fmt.Sprintf("%T", r)), fmt.Sprint(r)))
		}
	}()

	if err := h(ctx, conn); err != nil {
		conn.log.Warn("module finished with error", "error", err)
	}
}
