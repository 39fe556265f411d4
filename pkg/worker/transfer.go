package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
)

// serveUpload implements the upload channel: MKDIR, MKDIRS and UPLOAD under
// a root that is created when missing.
func serveUpload(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.StartUploadChannel)
	if !ok {
		return nil
	}
	id := start.ChannelID

	root, errReply := prepareUploadRoot(start.RemotePath)
	if errReply != nil {
		errReply.ChannelID = id
		return conn.Send(errReply)
	}
	if err := conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: id, RemotePath: root}); err != nil {
		return err
	}
	conn.Log().Debug("upload channel ready", "root", root)

	for {
		m, ok := conn.Receive(ctx)
		if !ok {
			return nil
		}
		if err := conn.Send(handleUpload(id, root, m)); err != nil {
			return err
		}
	}
}

func prepareUploadRoot(remotePath string) (string, *wire.Msg) {
	if remotePath == "" {
		dir, err := os.MkdirTemp("", "pprofit_")
		if err != nil {
			return "", wire.NewError("", perr.CategoryIO, perr.CodeMkTempDir, fmt.Sprintf("could not create temporary directory: %v", err))
		}
		return dir, checkWritable(dir)
	}

	root, err := filepath.Abs(remotePath)
	if err != nil {
		return "", wire.NewError("", perr.CategoryIO, perr.CodeFileDoesNotExist, err.Error())
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	info, err := os.Stat(root)
	switch {
	case err == nil && !info.IsDir():
		return "", wire.NewError("", perr.CategoryIO, perr.CodeRemoteIsNotDirectory, fmt.Sprintf("remote path %q is not a directory", root))
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		parent := filepath.Dir(root)
		if _, statErr := os.Stat(parent); statErr != nil {
			return "", wire.NewError("", perr.CategoryIO, perr.CodeRemoteDoesNotExist, fmt.Sprintf("parent of remote path %q does not exist", root))
		}
		if err := os.Mkdir(root, 0o777); err != nil {
			return "", wire.NewError("", perr.CategoryIO, perr.CodeMkdirFailed, fmt.Sprintf("could not create remote path %q: %v", root, err))
		}
	default:
		return "", wire.NewError("", perr.CategoryIO, perr.CodeFileDoesNotExist, err.Error())
	}
	return root, checkWritable(root)
}

func checkWritable(dir string) *wire.Msg {
	f, err := os.CreateTemp(dir, ".pprofit_probe_")
	if err != nil {
		return wire.NewError("", perr.CategoryIO, perr.CodePermissionDenied, fmt.Sprintf("remote path %q is not writable", dir))
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func handleUpload(id, root string, m *wire.Msg) *wire.Msg {
	if m.Type == wire.KeepAlive {
		return echo(id, m)
	}
	if m.ID == "" {
		return missingKey(id, m, "id")
	}

	switch m.Type {
	case wire.Upload, wire.Mkdir, wire.Mkdirs:
	default:
		return unknownType(id, m)
	}

	p, ok := childPath(root, m.RemotePath)
	if !ok {
		return notChild(id, m, root)
	}

	switch m.Type {
	case wire.Upload:
		if err := writeFile(p, m.FileData, m.Mode); err != nil {
			return errorFor(id, m, perr.CategoryIO, perr.CodeWrite, err.Error())
		}
		return &wire.Msg{Type: wire.Uploaded, ChannelID: id, ID: m.ID, RemotePath: p}

	case wire.Mkdir:
		mode := fs.FileMode(0o777)
		if m.Mode != 0 {
			mode = wire.FSMode(m.Mode)
		}
		if err := os.Mkdir(p, mode); err != nil {
			return errorFor(id, m, perr.CategoryIO, perr.CodeOSError, err.Error())
		}
		if m.Mode != 0 {
			if err := os.Chmod(p, mode); err != nil {
				return errorFor(id, m, perr.CategoryIO, perr.CodeOSError, err.Error())
			}
		}
		return &wire.Msg{Type: wire.Mkdir, ChannelID: id, ID: m.ID, RemotePath: p}

	default: // Mkdirs
		reply := &wire.Msg{Type: wire.Mkdirs, ChannelID: id, ID: m.ID, RemotePath: p}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			reply.PathAlreadyExists = true
			return reply
		}
		mode := fs.FileMode(0o777)
		if m.Mode != 0 {
			mode = wire.FSMode(m.Mode)
		}
		if err := os.MkdirAll(p, mode); err != nil {
			return errorFor(id, m, perr.CategoryIO, perr.CodeOSError, err.Error())
		}
		if m.Mode != 0 {
			if err := os.Chmod(p, mode); err != nil {
				return errorFor(id, m, perr.CategoryIO, perr.CodeOSError, err.Error())
			}
		}
		return reply
	}
}

func writeFile(p string, data []byte, mode uint32) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o666); err != nil {
		return err
	}
	if mode != 0 {
		return os.Chmod(p, wire.FSMode(mode))
	}
	return nil
}

// serveDownload implements the download channel: LIST and DOWNLOAD_FILE under
// an existing root.
func serveDownload(ctx context.Context, conn *Conn) error {
	start, ok := expectStart(ctx, conn, wire.StartDownloadChannel)
	if !ok {
		return nil
	}
	id := start.ChannelID

	if start.RemotePath == "" {
		reply := missingKey(id, start, "remote_path")
		return conn.Send(reply)
	}
	root := filepath.Clean(start.RemotePath)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		reply := wire.NewError(id, perr.CategoryIO, perr.CodeFileDoesNotExist, fmt.Sprintf("remote path %q does not exist or is not a directory", root))
		reply.RemotePath = root
		return conn.Send(reply)
	}
	if err := conn.Send(&wire.Msg{Type: wire.Ready, ChannelID: id, RemotePath: root}); err != nil {
		return err
	}
	conn.Log().Debug("download channel ready", "root", root)

	for {
		m, ok := conn.Receive(ctx)
		if !ok {
			return nil
		}
		if err := conn.Send(handleDownload(id, root, m)); err != nil {
			return err
		}
	}
}

func handleDownload(id, root string, m *wire.Msg) *wire.Msg {
	if m.Type == wire.KeepAlive {
		return echo(id, m)
	}
	if m.Type != wire.List && m.Type != wire.DownloadFile {
		return unknownType(id, m)
	}
	if m.ID == "" {
		return missingKey(id, m, "id")
	}
	if m.RemotePath == "" {
		return missingKey(id, m, "remote_path")
	}

	p, ok := childPath(root, m.RemotePath)
	if !ok {
		return notChild(id, m, root)
	}

	if m.Type == wire.List {
		entries, err := os.ReadDir(p)
		if err != nil {
			reply := errorFor(id, m, perr.CategoryOS, perr.CodeListDir, fmt.Sprintf("could not list %q", p))
			reply.ExcMsg = err.Error()
			return reply
		}
		files := make([]wire.FileEntry, 0, len(entries))
		for _, e := range entries {
			full := filepath.Join(p, e.Name())
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			ft := wire.FileTypeFile
			if info.IsDir() {
				ft = wire.FileTypeDir
			}
			files = append(files, wire.FileEntry{RemotePath: full, Type: ft, Mode: wire.ModeFromFS(info.Mode())})
		}
		return &wire.Msg{Type: wire.List, ChannelID: id, ID: m.ID, RemotePath: p, Files: files}
	}

	info, err := os.Stat(p)
	switch {
	case err != nil && errors.Is(err, fs.ErrNotExist):
		return errorFor(id, m, perr.CategoryIO, perr.CodeFileDoesNotExist, fmt.Sprintf("file %q does not exist", p))
	case err != nil:
		return errorFor(id, m, perr.CategoryIO, perr.CodeFileOpen, err.Error())
	case info.IsDir():
		return errorFor(id, m, perr.CategoryIO, perr.CodeIsDir, fmt.Sprintf("%q is a directory", p))
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return errorFor(id, m, perr.CategoryIO, perr.CodeFileOpen, err.Error())
	}
	return &wire.Msg{
		Type:       wire.DownloadFile,
		ChannelID:  id,
		ID:         m.ID,
		RemotePath: p,
		FileData:   data,
		Mode:       wire.ModeFromFS(info.Mode()),
	}
}
