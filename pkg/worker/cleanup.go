package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/locktree"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// deleter removes paths on a single background goroutine.
type deleter struct {
	log     *plog.Logger
	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	busy    bool
	closed  bool
	done    chan struct{}
}

func newDeleter(log *plog.Logger) *deleter {
	d := &deleter{log: log, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *deleter) loop() {
	defer close(d.done)
	d.mu.Lock()
	for {
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		p := d.pending[0]
		d.pending = d.pending[1:]
		d.busy = true
		d.mu.Unlock()

		if err := os.RemoveAll(p); err != nil {
			d.log.Debug("could not remove path", "path", p, "error", err)
		} else {
			d.log.Debug("removed", "path", p)
		}

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
	}
}

func (d *deleter) enqueue(paths ...string) {
	d.mu.Lock()
	d.pending = append(d.pending, paths...)
	d.mu.Unlock()
	d.cond.Broadcast()
}

// flush blocks until every queued path has been removed.
func (d *deleter) flush() {
	d.mu.Lock()
	for len(d.pending) > 0 || d.busy {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// finish drains the queue and stops the goroutine.
func (d *deleter) finish() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	<-d.done
}

// serveCleanup implements the cleanup channel: LOCK, UNLOCK and FLUSH over a
// lock tree rooted at an existing directory. The root itself is removed when
// the channel closes.
func serveCleanup(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.StartCleanupChannel)
	if !ok {
		return nil
	}
	id := start.ChannelID

	if start.RemotePath == "" {
		return conn.Send(missingKey(id, start, "remote_path"))
	}
	root, err := filepath.Abs(start.RemotePath)
	if err == nil {
		root, err = filepath.EvalSymlinks(root)
	}
	if err != nil {
		reply := wire.NewError(id, perr.CategoryIO, perr.CodeFileDoesNotExist, fmt.Sprintf("remote path %q does not exist", start.RemotePath))
		reply.RemotePath = start.RemotePath
		return conn.Send(reply)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		reply := wire.NewError(id, perr.CategoryIO, perr.CodeRemoteIsNotDirectory, fmt.Sprintf("remote path %q is not a directory", root))
		reply.RemotePath = root
		return conn.Send(reply)
	}

	if err := conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: id, RemotePath: root}); err != nil {
		return err
	}

	tree := locktree.New(root)
	del := newDeleter(conn.Log())
	defer func() {
		del.finish()
		if err := os.RemoveAll(root); err != nil {
			conn.Log().Warn("could not remove cleanup root", "root", root, "error", err)
		}
	}()

	for {
		m, ok := conn.Receive(ctx)
		if !ok {
			return nil
		}
		if err := conn.Send(handleCleanup(id, tree, del, m)); err != nil {
			return err
		}
	}
}

func handleCleanup(id string, tree *locktree.Tree, del *deleter, m *wire.Msg) *wire.Msg {
	if m.Type == wire.KeepAlive {
		return echo(id, m)
	}
	if m.ID == "" {
		return missingKey(id, m, "id")
	}

	switch m.Type {
	case wire.Lock, wire.Unlock:
		paths := m.Paths()
		if len(paths) == 0 {
			return missingKey(id, m, "remote_path")
		}
		for _, p := range paths {
			var err error
			if m.Type == wire.Lock {
				err = tree.Lock(p)
			} else {
				err = tree.Unlock(p)
			}
			if reply := lockTreeError(id, m, err); reply != nil {
				return reply
			}
		}

		replyType := wire.Locked
		if m.Type == wire.Unlock {
			replyType = wire.Unlocked
			if eligible := tree.Collect(); len(eligible) > 0 {
				del.enqueue(eligible...)
			}
		}
		return &wire.Msg{Type: replyType, ChannelID: id, ID: m.ID, RemotePath: m.RemotePath, RemotePaths: m.RemotePaths}

	case wire.Flush:
		del.flush()
		return &wire.Msg{Type: wire.Flushed, ChannelID: id, ID: m.ID}
	}
	return unknownType(id, m)
}

func lockTreeError(id string, m *wire.Msg, err error) *wire.Msg {
	if err == nil {
		return nil
	}
	var unknown *locktree.UnknownPathError
	if errors.As(err, &unknown) {
		return errorFor(id, m, perr.CategoryPath, perr.CodeUnknownPath, err.Error())
	}
	return errorFor(id, m, perr.CategoryPath, perr.CodeNotChild, err.Error())
}
