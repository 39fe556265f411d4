// Package channel implements the client side of the worker protocol: a
// Gateway multiplexes numbered channels over one byte stream to a worker
// process, and Channel, MultiChannel and Register build request/reply
// protocols on top of it.
package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// Gateway owns the stream to one worker. All writes go through its send lock
// because the stream is not re-entrant.
type Gateway struct {
	name string
	log  *plog.Logger
	conn io.ReadWriteCloser
	wait func() error

	sendMu sync.Mutex
	enc    *wire.Encoder

	mu     sync.Mutex
	next   uint32
	routes map[uint32]*endpoint
	dead   bool
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

// endpoint is the gateway's view of one channel.
type endpoint struct {
	num    uint32
	inbox  *wire.Queue
	closed chan struct{} // peer sent the close sentinel or the gateway died
	once   sync.Once
}

func (e *endpoint) peerClosed() {
	e.once.Do(func() {
		e.inbox.Close()
		close(e.closed)
	})
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *plog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = l
	}
}

// WithWait registers a function that waits for the worker process to exit.
// It is called by Close after the stream is closed.
func WithWait(wait func() error) GatewayOption {
	return func(g *Gateway) {
		g.wait = wait
	}
}

// NewGateway starts reading frames from conn. name identifies the gateway in
// logs (e.g. "ssh://user@host").
func NewGateway(name string, conn io.ReadWriteCloser, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		name:   name,
		conn:   conn,
		enc:    wire.NewEncoder(conn),
		routes: make(map[uint32]*endpoint),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = plog.OrDiscard(g.log).With("gateway", name)

	go g.readLoop()
	return g
}

// Name returns the gateway name.
func (g *Gateway) Name() string {
	return g.name
}

// Done is closed when the stream to the worker has ended.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Err returns the error that ended the stream, if any.
func (g *Gateway) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *Gateway) readLoop() {
	dec := wire.NewDecoder(g.conn)
	var err error
	for {
		var f *wire.Frame
		f, err = dec.Decode()
		if err != nil {
			break
		}

		g.mu.Lock()
		ep := g.routes[f.Channel]
		g.mu.Unlock()
		if ep == nil {
			g.log.Debug("dropping frame for unknown channel", "channel", f.Channel)
			continue
		}
		if f.Close {
			g.mu.Lock()
			delete(g.routes, f.Channel)
			g.mu.Unlock()
			ep.peerClosed()
			continue
		}
		if f.Msg != nil {
			ep.inbox.Push(f.Msg)
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		err = nil
	}
	g.shutdown(err)
}

func (g *Gateway) shutdown(err error) {
	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		return
	}
	g.dead = true
	if err != nil {
		g.err = perr.New(perr.CategoryTransport, perr.CodeGateway, err)
		g.log.Warn("gateway stream ended", "error", err)
	}
	routes := g.routes
	g.routes = make(map[uint32]*endpoint)
	g.mu.Unlock()

	for _, ep := range routes {
		ep.peerClosed()
	}
	close(g.done)
}

// open registers a new channel and sends its opening frame.
func (g *Gateway) open(module string, start *wire.Msg) (*endpoint, error) {
	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		return nil, perr.ErrGatewayClosed
	}
	g.next++
	ep := &endpoint{num: g.next, inbox: wire.NewQueue(), closed: make(chan struct{})}
	g.routes[ep.num] = ep
	g.mu.Unlock()

	if err := g.write(&wire.Frame{Channel: ep.num, Open: module, Msg: start}); err != nil {
		g.release(ep)
		return nil, err
	}
	return ep, nil
}

// release stops routing frames to ep and closes it locally. Late frames from
// the worker for that channel are dropped.
func (g *Gateway) release(ep *endpoint) {
	g.mu.Lock()
	delete(g.routes, ep.num)
	g.mu.Unlock()
	ep.peerClosed()
}

// Channels returns the number of channels the gateway routes frames to.
func (g *Gateway) Channels() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.routes)
}

func (g *Gateway) write(f *wire.Frame) error {
	select {
	case <-g.done:
		return perr.ErrGatewayClosed
	default:
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.enc.Encode(f); err != nil {
		return fmt.Errorf("failed to write to %s: %w", g.name, err)
	}
	return nil
}

// Close ends the stream, which makes the worker exit, and waits for the
// worker process when a wait function was registered.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.conn.Close()
		if g.wait != nil {
			if werr := g.wait(); werr != nil && err == nil {
				err = werr
			}
		}
		g.shutdown(nil)
	})
	return err
}
