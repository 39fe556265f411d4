package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// serveMkTemp creates a scratch directory under remote_path (or the system
// temp directory) and reports it in READY.
func serveMkTemp(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.MkTemp)
	if !ok {
		return nil
	}
	dir, err := os.MkdirTemp(start.RemotePath, "pprofit_")
	if err != nil {
		return conn.Send(wire.NewError(start.ChannelID, perr.CategoryIO, perr.CodeMkTempDir, fmt.Sprintf("could not create temporary directory: %v", err)))
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: start.ChannelID, RemotePath: dir})
}

// serveCheck reports whether remote_path is a readable and writable
// directory.
func serveCheck(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.Check)
	if !ok {
		return nil
	}
	id := start.ChannelID
	info, err := os.Stat(start.RemotePath)
	if err != nil || !info.IsDir() {
		reply := wire.NewError(id, perr.CategoryIO, perr.CodeFileDoesNotExist, fmt.Sprintf("remote path %q does not exist or is not a directory", start.RemotePath))
		reply.RemotePath = start.RemotePath
		return conn.Send(reply)
	}

	reply := &wire.Msg{Type: wire.Ready, ChannelID: id, RemotePath: start.RemotePath}
	if _, err := os.ReadDir(start.RemotePath); err == nil {
		reply.Readable = true
	}
	reply.Writable = checkWritable(start.RemotePath) == nil
	return conn.Send(reply)
}
