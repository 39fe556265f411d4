package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// DefaultHandshakeTimeout bounds the wait for READY or ERROR after a channel
// start message.
const DefaultHandshakeTimeout = 60 * time.Second

// Sender is anything that can put an envelope on a channel.
type Sender interface {
	Send(m *wire.Msg) error
}

type options struct {
	timeout time.Duration
	log     *plog.Logger
}

// Option configures channel start-up.
type Option func(*options)

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *plog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = plog.OrDiscard(o.log)
	return o
}

// Channel is a long-lived message stream to one worker module. After the
// handshake every inbound envelope is handed, in arrival order, to the
// channel's callback dispatcher.
type Channel struct {
	gw         *Gateway
	ep         *endpoint
	module     string
	id         string
	remotePath string
	ready      *wire.Msg
	log        *plog.Logger

	callbacks *MultiCallback
	lastSeen  atomic.Int64

	closeOnce sync.Once
	drained   chan struct{}
}

// Start opens a channel running module on the worker behind gw, sends start
// and waits for the handshake reply. start.ChannelID is filled in with a new
// UUID when empty. READY may rewrite the channel id and remote path.
func Start(ctx context.Context, gw *Gateway, module string, start *wire.Msg, opts ...Option) (*Channel, error) {
	o := buildOptions(opts)
	if start.ChannelID == "" {
		start.ChannelID = uuid.NewString()
	}

	ep, err := gw.open(module, start)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		gw:         gw,
		ep:         ep,
		module:     module,
		id:         start.ChannelID,
		remotePath: start.RemotePath,
		callbacks:  &MultiCallback{},
		drained:    make(chan struct{}),
	}
	c.log = o.log.With("channel", c.id, "module", module)

	hctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	reply, ok := ep.inbox.Pop(hctx)
	if !ok {
		c.abort()
		if hctx.Err() != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, perr.ErrHandshakeTimeout
		}
		if gerr := gw.Err(); gerr != nil {
			return nil, fmt.Errorf("channel %s closed during handshake: %w", c.id, gerr)
		}
		return nil, fmt.Errorf("channel %s closed during handshake: %w", c.id, perr.ErrChannelClosed)
	}

	switch reply.Type {
	case wire.Ready:
		c.ready = reply
		if reply.ChannelID != "" {
			c.id = reply.ChannelID
		}
		if reply.RemotePath != "" {
			c.remotePath = reply.RemotePath
		}
	case wire.Error:
		c.abort()
		return nil, fmt.Errorf("failed to start %s channel: %w", module, reply.Err())
	default:
		c.abort()
		return nil, perr.Newf(perr.CategoryMsg, perr.CodeUnexpectedMsg, "unexpected handshake reply %s", reply.Type)
	}

	c.touch()
	go c.dispatch()
	c.log.Debug("channel ready", "remote_path", c.remotePath)
	return c, nil
}

// abort tears down a channel whose handshake failed.
func (c *Channel) abort() {
	c.closeOnce.Do(func() {
		_ = c.gw.write(&wire.Frame{Channel: c.ep.num, Close: true})
	})
	c.gw.release(c.ep)
	close(c.drained)
}

func (c *Channel) dispatch() {
	defer close(c.drained)
	for {
		m, ok := c.ep.inbox.Pop(context.Background())
		if !ok {
			return
		}
		c.touch()
		if !c.callbacks.Dispatch(m) {
			c.log.Debug("no callback for message", "msg", m.String())
		}
	}
}

func (c *Channel) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// ID returns the channel id agreed during the handshake.
func (c *Channel) ID() string {
	return c.id
}

// RemotePath returns the remote root reported by the worker.
func (c *Channel) RemotePath() string {
	return c.remotePath
}

// Handshake returns the READY reply that opened the channel.
func (c *Channel) Handshake() *wire.Msg {
	return c.ready
}

// Callbacks returns the channel's dispatcher. Protocols sharing the channel
// each add their own callback.
func (c *Channel) Callbacks() *MultiCallback {
	return c.callbacks
}

// LastActivity reports when the channel last received a message.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send writes m to the channel, stamping the channel id when it is empty.
func (c *Channel) Send(m *wire.Msg) error {
	select {
	case <-c.ep.closed:
		return perr.ErrChannelClosed
	default:
	}
	if m.ChannelID == "" {
		m.ChannelID = c.id
	}
	return c.gw.write(&wire.Frame{Channel: c.ep.num, Msg: m})
}

// Done is closed once the worker side of the channel has finished and every
// received message has been dispatched.
func (c *Channel) Done() <-chan struct{} {
	return c.drained
}

// Close sends the end-of-channel sentinel. The worker module finishes its
// work and closes its side; use WaitClose to wait for that.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.gw.write(&wire.Frame{Channel: c.ep.num, Close: true})
		if err == nil {
			c.log.Debug("channel close sent")
		}
	})
	return err
}

// WaitClose waits up to timeout for the worker side to close. It returns
// false on timeout.
func (c *Channel) WaitClose(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.drained:
		return true
	case <-t.C:
		return false
	}
}
