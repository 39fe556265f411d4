// Package transfer holds the client side of the file-transfer and cleanup
// channels.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// UploadHandler decides where each uploaded path goes and is told when the
// upload ends.
type UploadHandler interface {
	// RemotePath maps a path relative to the local root (using the local
	// separator, "." for the root itself) to a remote path.
	RemotePath(rel string) (string, error)
	Finish(err error)
}

// UploadTo is an UploadHandler placing the local tree under RemoteRoot. A
// relative RemoteRoot is resolved against the channel root by the worker.
type UploadTo struct {
	RemoteRoot string
}

func (u UploadTo) RemotePath(rel string) (string, error) {
	root := u.RemoteRoot
	if root == "" {
		root = "."
	}
	return path.Join(root, filepath.ToSlash(rel)), nil
}

func (UploadTo) Finish(error) {}

// UploadClient uploads directory trees over a pool of upload channels.
type UploadClient struct {
	mc      *channel.MultiChannel
	log     *plog.Logger
	counter *channel.Counter
	sent    atomic.Uint64
}

// StartUploadClient starts n upload channels rooted at remotePath. An empty
// remotePath makes the worker create a scratch directory.
func StartUploadClient(ctx context.Context, gw *channel.Gateway, n int, remotePath string, log *plog.Logger, opts ...channel.Option) (*UploadClient, error) {
	opts = append([]channel.Option{channel.WithLogger(log)}, opts...)
	mc, err := channel.StartMulti(ctx, gw, worker.ModuleUpload, n, func(id string) *wire.Msg {
		return &wire.Msg{Type: wire.StartUploadChannel, ChannelID: id, RemotePath: remotePath}
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start upload channels: %w", err)
	}
	return NewUploadClient(mc, log), nil
}

// NewUploadClient wraps started upload channels.
func NewUploadClient(mc *channel.MultiChannel, log *plog.Logger) *UploadClient {
	return &UploadClient{mc: mc, log: plog.OrDiscard(log), counter: channel.NewCounter("")}
}

// RemotePath returns the remote root of the upload channels.
func (c *UploadClient) RemotePath() string {
	return c.mc.RemotePath()
}

// Channels returns the underlying pool.
func (c *UploadClient) Channels() *channel.MultiChannel {
	return c.mc
}

// BytesSent returns the number of file bytes uploaded so far.
func (c *UploadClient) BytesSent() uint64 {
	return c.sent.Load()
}

// Close closes the upload channels and waits up to timeout.
func (c *UploadClient) Close(timeout time.Duration) bool {
	_ = c.mc.Close()
	return c.mc.WaitClose(timeout)
}

// Upload copies the tree at localRoot to the worker, one directory level at a
// time. A nil handler uploads to the channel root. ctx cancellation yields
// perr.ErrUploadCancelled.
func (c *UploadClient) Upload(ctx context.Context, localRoot string, h UploadHandler) (err error) {
	if h == nil {
		h = UploadTo{}
	}
	defer func() {
		h.Finish(err)
	}()

	reg := channel.NewRegister(c.mc.Done(), nil)
	remove := c.mc.Callbacks().Add(reg.Dispatch)
	defer remove()

	u := &directoryUpload{client: c, reg: reg, handler: h, root: localRoot}
	return u.run(ctx)
}

type directoryUpload struct {
	client  *UploadClient
	reg     *channel.Register
	handler UploadHandler
	root    string
}

type pendingRequest struct {
	id   string
	slot <-chan *wire.Msg
	msg  *wire.Msg
}

func (u *directoryUpload) run(ctx context.Context) error {
	queue := []string{"."}
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return perr.ErrUploadCancelled
		}
		rel := queue[0]
		queue = queue[1:]

		dir := filepath.Join(u.root, rel)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		remote, err := u.handler.RemotePath(rel)
		if err != nil {
			return err
		}

		// The level root must exist before its children are created.
		root, err := u.send(&wire.Msg{Type: wire.Mkdirs, RemotePath: remote, Mode: wire.ModeFromFS(info.Mode())})
		if err != nil {
			return err
		}
		if err := u.wait(ctx, []pendingRequest{root}); err != nil {
			return err
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}

		var level []pendingRequest
		for _, e := range entries {
			childRel := filepath.Join(rel, e.Name())
			childPath := filepath.Join(u.root, childRel)
			childInfo, err := os.Stat(childPath)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", childPath, err)
			}
			childRemote, err := u.handler.RemotePath(childRel)
			if err != nil {
				return err
			}

			var m *wire.Msg
			switch {
			case childInfo.IsDir():
				m = &wire.Msg{Type: wire.Mkdir, RemotePath: childRemote, Mode: wire.ModeFromFS(childInfo.Mode())}
				queue = append(queue, childRel)
			case childInfo.Mode().IsRegular():
				data, err := os.ReadFile(childPath)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", childPath, err)
				}
				m = &wire.Msg{Type: wire.Upload, RemotePath: childRemote, FileData: data, Mode: wire.ModeFromFS(childInfo.Mode())}
			default:
				u.client.log.Debug("skipping special file", "path", childPath)
				continue
			}

			p, err := u.send(m)
			if err != nil {
				u.forget(level)
				return err
			}
			level = append(level, p)
		}
		if err := u.wait(ctx, level); err != nil {
			return err
		}
	}
	return nil
}

func (u *directoryUpload) send(m *wire.Msg) (pendingRequest, error) {
	m.ID = u.client.counter.Next()
	slot := u.reg.Expect(m.ID)
	if err := u.client.mc.Send(m); err != nil {
		u.reg.Forget(m.ID)
		return pendingRequest{}, fmt.Errorf("failed to send %s: %w", m.Type, err)
	}
	return pendingRequest{id: m.ID, slot: slot, msg: m}, nil
}

// wait drains the wait-set. The first ERROR reply fails the upload.
func (u *directoryUpload) wait(ctx context.Context, reqs []pendingRequest) error {
	for i, p := range reqs {
		reply, err := u.reg.Wait(ctx, p.id, p.slot)
		if err != nil {
			u.forget(reqs[i+1:])
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return perr.ErrUploadCancelled
			}
			return err
		}
		if err := reply.Err(); err != nil {
			u.forget(reqs[i+1:])
			return fmt.Errorf("upload of %s failed: %w", p.msg.RemotePath, err)
		}
		if p.msg.Type == wire.Upload {
			u.client.sent.Add(uint64(len(p.msg.FileData)))
		}
	}
	return nil
}

func (u *directoryUpload) forget(reqs []pendingRequest) {
	for _, p := range reqs {
		u.reg.Forget(p.id)
	}
}
