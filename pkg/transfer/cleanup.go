package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// Cleaner protects remote paths from deletion while they are in use.
type Cleaner interface {
	Lock(ctx context.Context, paths ...string) error
	Unlock(ctx context.Context, paths ...string) error
	Flush(ctx context.Context) error
	Close(timeout time.Duration) bool
}

// CleanupClient talks to a remote cleanup agent. Unlocked paths are deleted
// remotely once nothing beneath them is locked, and the agent removes its root
// when the channel closes.
type CleanupClient struct {
	ch      *channel.Channel
	reg     *channel.Register
	counter *channel.Counter
	log     *plog.Logger
}

var _ Cleaner = (*CleanupClient)(nil)

// StartCleanupClient starts a cleanup channel rooted at remotePath.
func StartCleanupClient(ctx context.Context, gw *channel.Gateway, remotePath string, log *plog.Logger, opts ...channel.Option) (*CleanupClient, error) {
	opts = append([]channel.Option{channel.WithLogger(log)}, opts...)
	ch, err := channel.Start(ctx, gw, worker.ModuleCleanup, &wire.Msg{Type: wire.StartCleanupChannel, RemotePath: remotePath}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start cleanup channel: %w", err)
	}
	return NewCleanupClient(ch, log), nil
}

// NewCleanupClient wraps a started cleanup channel.
func NewCleanupClient(ch *channel.Channel, log *plog.Logger) *CleanupClient {
	reg := channel.NewRegister(ch.Done(), nil)
	ch.Callbacks().Add(reg.Dispatch)
	return &CleanupClient{ch: ch, reg: reg, counter: channel.NewCounter("cleanup"), log: plog.OrDiscard(log)}
}

// RemotePath returns the root the agent will delete on close.
func (c *CleanupClient) RemotePath() string {
	return c.ch.RemotePath()
}

func (c *CleanupClient) call(ctx context.Context, m *wire.Msg) error {
	m.ID = c.counter.Next()
	if _, err := c.reg.Call(ctx, c.ch, m); err != nil {
		return fmt.Errorf("cleanup %s failed: %w", m.Type, err)
	}
	return nil
}

// Lock marks paths as in use.
func (c *CleanupClient) Lock(ctx context.Context, paths ...string) error {
	return c.call(ctx, &wire.Msg{Type: wire.Lock, RemotePaths: paths})
}

// Unlock releases paths, making them eligible for deletion.
func (c *CleanupClient) Unlock(ctx context.Context, paths ...string) error {
	return c.call(ctx, &wire.Msg{Type: wire.Unlock, RemotePaths: paths})
}

// Flush waits until the agent's deletion queue is empty.
func (c *CleanupClient) Flush(ctx context.Context) error {
	return c.call(ctx, &wire.Msg{Type: wire.Flush})
}

// Close closes the channel, which deletes the remote root, and waits up to
// timeout.
func (c *CleanupClient) Close(timeout time.Duration) bool {
	if err := c.ch.Close(); err != nil {
		c.log.Debug("cleanup channel close", "error", err)
	}
	return c.ch.WaitClose(timeout)
}

// NullCleanupClient accepts every request and deletes nothing. It is used when
// remote cleanup is disabled for debugging.
type NullCleanupClient struct{}

var _ Cleaner = NullCleanupClient{}

func (NullCleanupClient) Lock(context.Context, ...string) error   { return nil }
func (NullCleanupClient) Unlock(context.Context, ...string) error { return nil }
func (NullCleanupClient) Flush(context.Context) error             { return nil }
func (NullCleanupClient) Close(time.Duration) bool                { return true }
