package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

// DownloadHandler decides where each downloaded path goes and is told when
// the download ends.
type DownloadHandler interface {
	// LocalPath maps a path relative to the remote root ("." for the root)
	// to a local path.
	LocalPath(rel string) (string, error)
	Finish(err error)
}

// DownloadTo is a DownloadHandler mirroring the remote tree into LocalRoot,
// which must already exist.
type DownloadTo struct {
	LocalRoot string
}

func (d DownloadTo) LocalPath(rel string) (string, error) {
	return filepath.Join(d.LocalRoot, filepath.FromSlash(rel)), nil
}

func (DownloadTo) Finish(error) {}

// DownloadClient downloads directory trees over a pool of download channels.
type DownloadClient struct {
	mc       *channel.MultiChannel
	log      *plog.Logger
	received atomic.Uint64
}

// StartDownloadClient starts n download channels rooted at remotePath, which
// must exist.
func StartDownloadClient(ctx context.Context, gw *channel.Gateway, n int, remotePath string, log *plog.Logger, opts ...channel.Option) (*DownloadClient, error) {
	opts = append([]channel.Option{channel.WithLogger(log)}, opts...)
	mc, err := channel.StartMulti(ctx, gw, worker.ModuleDownload, n, func(id string) *wire.Msg {
		return &wire.Msg{Type: wire.StartDownloadChannel, ChannelID: id, RemotePath: remotePath}
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start download channels: %w", err)
	}
	return NewDownloadClient(mc, log), nil
}

// NewDownloadClient wraps started download channels.
func NewDownloadClient(mc *channel.MultiChannel, log *plog.Logger) *DownloadClient {
	return &DownloadClient{mc: mc, log: plog.OrDiscard(log)}
}

// RemotePath returns the remote root of the download channels.
func (c *DownloadClient) RemotePath() string {
	return c.mc.RemotePath()
}

// Channels returns the underlying pool.
func (c *DownloadClient) Channels() *channel.MultiChannel {
	return c.mc
}

// BytesReceived returns the number of file bytes downloaded so far.
func (c *DownloadClient) BytesReceived() uint64 {
	return c.received.Load()
}

// Close closes the download channels and waits up to timeout.
func (c *DownloadClient) Close(timeout time.Duration) bool {
	_ = c.mc.Close()
	return c.mc.WaitClose(timeout)
}

// Download mirrors the remote tree at remotePath through h. Unlistable
// directories and unreadable files are skipped with a warning; any other
// error ends the download. ctx cancellation yields
// perr.ErrDownloadCancelled.
func (c *DownloadClient) Download(ctx context.Context, remotePath string, h DownloadHandler) (err error) {
	defer func() {
		h.Finish(err)
	}()

	d := &directoryDownload{
		client:      c,
		handler:     h,
		counter:     channel.NewCounter(""),
		replies:     make(chan *wire.Msg, 64),
		done:        make(chan struct{}),
		outstanding: make(map[string]request),
	}
	remove := c.mc.Callbacks().Add(d.accept)
	defer remove()
	defer close(d.done)

	return d.run(ctx, remotePath)
}

type request struct {
	msgType wire.Type
	rel     string
}

type dirMode struct {
	path string
	mode fs.FileMode
}

type directoryDownload struct {
	client      *DownloadClient
	handler     DownloadHandler
	counter     *channel.Counter
	replies     chan *wire.Msg
	done        chan struct{}
	outstanding map[string]request
	absRoot     string
	dirModes    []dirMode
}

// accept forwards replies belonging to this download to the run loop.
func (d *directoryDownload) accept(m *wire.Msg) bool {
	if !d.counter.Owns(m.ID) {
		return false
	}
	select {
	case d.replies <- m:
	case <-d.done:
	}
	return true
}

func (d *directoryDownload) send(m *wire.Msg, rel string) error {
	m.ID = d.counter.Next()
	d.outstanding[m.ID] = request{msgType: m.Type, rel: rel}
	if err := d.client.mc.Send(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Type, err)
	}
	return nil
}

func (d *directoryDownload) run(ctx context.Context, remotePath string) error {
	if ctx.Err() != nil {
		return perr.ErrDownloadCancelled
	}
	if err := d.send(&wire.Msg{Type: wire.List, RemotePath: remotePath}, "."); err != nil {
		return err
	}

	for len(d.outstanding) > 0 {
		var m *wire.Msg
		select {
		case m = <-d.replies:
		case <-ctx.Done():
			return perr.ErrDownloadCancelled
		case <-d.client.mc.Done():
			return fmt.Errorf("download of %s interrupted: %w", remotePath, perr.ErrChannelClosed)
		}

		req, ok := d.outstanding[m.ID]
		if !ok {
			continue
		}
		delete(d.outstanding, m.ID)

		if err := d.handle(m, req); err != nil {
			return err
		}
	}

	// Directory modes are applied last so read-only directories can still be
	// filled.
	for i := len(d.dirModes) - 1; i >= 0; i-- {
		if err := os.Chmod(d.dirModes[i].path, d.dirModes[i].mode); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", d.dirModes[i].path, err)
		}
	}
	return nil
}

func (d *directoryDownload) handle(m *wire.Msg, req request) error {
	switch m.Type {
	case wire.Error:
		if m.IsError(perr.CategoryOS, perr.CodeListDir) || m.IsError(perr.CategoryIO, perr.CodeFileOpen) {
			d.client.log.Warn("skipping unreadable remote path", "remote_path", m.RemotePath, "reason", m.Reason)
			return nil
		}
		return fmt.Errorf("download of %s failed: %w", req.rel, m.Err())

	case wire.List:
		if req.rel == "." {
			d.absRoot = m.RemotePath
		}
		for _, f := range m.Files {
			rel, err := d.relative(f.RemotePath)
			if err != nil {
				return err
			}
			local, err := d.handler.LocalPath(rel)
			if err != nil {
				return err
			}
			if f.Type == wire.FileTypeDir {
				if err := os.Mkdir(local, 0o700); err != nil && !os.IsExist(err) {
					return fmt.Errorf("failed to create %s: %w", local, err)
				}
				d.dirModes = append(d.dirModes, dirMode{path: local, mode: wire.FSMode(f.Mode)})
				if err := d.send(&wire.Msg{Type: wire.List, RemotePath: f.RemotePath}, rel); err != nil {
					return err
				}
				continue
			}
			if err := d.send(&wire.Msg{Type: wire.DownloadFile, RemotePath: f.RemotePath}, rel); err != nil {
				return err
			}
		}
		return nil

	case wire.DownloadFile:
		local, err := d.handler.LocalPath(req.rel)
		if err != nil {
			return err
		}
		if err := os.WriteFile(local, m.FileData, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", local, err)
		}
		if err := os.Chmod(local, wire.FSMode(m.Mode)); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", local, err)
		}
		d.client.received.Add(uint64(len(m.FileData)))
		return nil
	}
	return perr.Newf(perr.CategoryMsg, perr.CodeUnexpectedMsg, "unexpected reply %s during download", m.Type)
}

// relative converts an absolute remote path from a LIST reply to a path
// relative to the download root.
func (d *directoryDownload) relative(remote string) (string, error) {
	rel, err := filepath.Rel(d.absRoot, remote)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", perr.Newf(perr.CategoryPath, perr.CodeNotChild, "%s is not under %s", remote, d.absRoot)
	}
	return rel, nil
}
