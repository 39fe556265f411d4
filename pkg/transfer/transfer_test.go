package transfer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/transfer"
)

func newGateway(t *testing.T) *channel.Gateway {
	t.Helper()
	gw := gateway.InProcess()
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "job_files", "output"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job_files", "runjob"), []byte("#!/bin/bash\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job_files", "output", "result"), []byte("42\n"), 0o600))
	require.NoError(t, os.Chmod(filepath.Join(root, "empty"), 0o750))
}

func assertSameFile(t *testing.T, want, got string) {
	t.Helper()
	wantData, err := os.ReadFile(want)
	require.NoError(t, err)
	gotData, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, wantData, gotData, got)

	wantInfo, err := os.Stat(want)
	require.NoError(t, err)
	gotInfo, err := os.Stat(got)
	require.NoError(t, err)
	assert.Equal(t, wantInfo.Mode().Perm(), gotInfo.Mode().Perm(), got)
}

type recordingHandler struct {
	transfer.UploadTo
	finished bool
	err      error
}

func (h *recordingHandler) Finish(err error) {
	h.finished = true
	h.err = err
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	local := t.TempDir()
	writeTree(t, local)
	remote := t.TempDir()

	up, err := transfer.StartUploadClient(ctx, gw, 4, remote, nil)
	require.NoError(t, err)
	defer up.Close(time.Second)
	assert.Len(t, up.Channels().Channels(), 4)

	h := &recordingHandler{UploadTo: transfer.UploadTo{RemoteRoot: "batch/0"}}
	require.NoError(t, up.Upload(ctx, local, h))
	assert.True(t, h.finished)
	assert.NoError(t, h.err)
	assert.EqualValues(t, len("top")+len("#!/bin/bash\necho hi\n")+len("42\n"), up.BytesSent())

	uploaded := filepath.Join(remote, "batch", "0")
	assertSameFile(t, filepath.Join(local, "top.txt"), filepath.Join(uploaded, "top.txt"))
	assertSameFile(t, filepath.Join(local, "job_files", "runjob"), filepath.Join(uploaded, "job_files", "runjob"))
	assertSameFile(t, filepath.Join(local, "job_files", "output", "result"), filepath.Join(uploaded, "job_files", "output", "result"))
	assert.DirExists(t, filepath.Join(uploaded, "empty"))

	down, err := transfer.StartDownloadClient(ctx, gw, 2, uploaded, nil)
	require.NoError(t, err)
	defer down.Close(time.Second)

	out := t.TempDir()
	require.NoError(t, down.Download(ctx, down.RemotePath(), transfer.DownloadTo{LocalRoot: out}))
	assertSameFile(t, filepath.Join(local, "top.txt"), filepath.Join(out, "top.txt"))
	assertSameFile(t, filepath.Join(local, "job_files", "runjob"), filepath.Join(out, "job_files", "runjob"))
	assertSameFile(t, filepath.Join(local, "job_files", "output", "result"), filepath.Join(out, "job_files", "output", "result"))

	info, err := os.Stat(filepath.Join(out, "empty"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
	assert.EqualValues(t, up.BytesSent(), down.BytesReceived())
}

func TestDownloadSubdirectory(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	remote := t.TempDir()
	writeTree(t, remote)

	down, err := transfer.StartDownloadClient(ctx, gw, 1, remote, nil)
	require.NoError(t, err)
	defer down.Close(time.Second)

	out := t.TempDir()
	require.NoError(t, down.Download(ctx, "job_files", transfer.DownloadTo{LocalRoot: out}))
	assert.FileExists(t, filepath.Join(out, "runjob"))
	assert.FileExists(t, filepath.Join(out, "output", "result"))
	assert.NoFileExists(t, filepath.Join(out, "top.txt"))
}

func TestDownloadMissingRemote(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	_, err := transfer.StartDownloadClient(ctx, gw, 1, filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.CodeFileDoesNotExist))
}

func TestUploadOutsideRoot(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	local := t.TempDir()
	writeTree(t, local)

	up, err := transfer.StartUploadClient(ctx, gw, 2, t.TempDir(), nil)
	require.NoError(t, err)
	defer up.Close(time.Second)

	h := &recordingHandler{UploadTo: transfer.UploadTo{RemoteRoot: "../escape"}}
	err = up.Upload(ctx, local, h)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CategoryPath, perr.CodeNotChild))
	assert.True(t, h.finished)
	assert.Equal(t, err, h.err)
}

// rejectFile sends one file outside the channel root.
type rejectFile struct {
	transfer.UploadTo
	name string
}

func (h rejectFile) RemotePath(rel string) (string, error) {
	if rel == h.name {
		return "../escape/" + rel, nil
	}
	return h.UploadTo.RemotePath(rel)
}

func TestUploadCountsAcknowledgedBytes(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	local := t.TempDir()
	writeTree(t, local)

	up, err := transfer.StartUploadClient(ctx, gw, 1, t.TempDir(), nil)
	require.NoError(t, err)
	defer up.Close(time.Second)

	err = up.Upload(ctx, local, rejectFile{name: "top.txt"})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CategoryPath, perr.CodeNotChild))
	assert.Zero(t, up.BytesSent(), "rejected files must not be counted")
}

func TestUploadScratchRoot(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	up, err := transfer.StartUploadClient(ctx, gw, 1, "", nil)
	require.NoError(t, err)
	defer up.Close(time.Second)

	root := up.RemotePath()
	require.NotEmpty(t, root)
	t.Cleanup(func() { _ = os.RemoveAll(root) })
	assert.DirExists(t, root)
}

func TestUploadCancelled(t *testing.T) {
	gw := newGateway(t)
	local := t.TempDir()
	writeTree(t, local)

	up, err := transfer.StartUploadClient(testContext(t), gw, 1, t.TempDir(), nil)
	require.NoError(t, err)
	defer up.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = up.Upload(ctx, local, nil)
	assert.ErrorIs(t, err, perr.ErrUploadCancelled)
	assert.Zero(t, up.BytesSent())
}

func TestCleanupLockDance(t *testing.T) {
	ctx := testContext(t)
	gw := newGateway(t)

	root := t.TempDir()
	for _, d := range []string{"two/three/four", "two/five", "one"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	c, err := transfer.StartCleanupClient(ctx, gw, root, nil)
	require.NoError(t, err)

	require.NoError(t, c.Lock(ctx, "two/three/four"))
	require.NoError(t, c.Lock(ctx, "two"))
	require.NoError(t, c.Lock(ctx, "two/three"))
	require.NoError(t, c.Lock(ctx, "two/five"))

	require.NoError(t, c.Unlock(ctx, "two/three/four"))
	require.NoError(t, c.Flush(ctx))
	assert.NoDirExists(t, filepath.Join(root, "two", "three", "four"))
	assert.DirExists(t, filepath.Join(root, "two", "three"))

	require.NoError(t, c.Unlock(ctx, "two", "two/three"))
	require.NoError(t, c.Flush(ctx))
	assert.NoDirExists(t, filepath.Join(root, "two", "three"))
	assert.DirExists(t, filepath.Join(root, "two", "five"))
	assert.DirExists(t, filepath.Join(root, "one"))

	require.NoError(t, c.Unlock(ctx, "two/five"))
	require.NoError(t, c.Flush(ctx))
	assert.NoDirExists(t, filepath.Join(root, "two"))
	assert.DirExists(t, filepath.Join(root, "one"))

	err = c.Lock(ctx, "/etc")
	assert.True(t, perr.Is(err, perr.CategoryPath, perr.CodeNotChild))

	err = c.Unlock(ctx, "never/locked")
	assert.True(t, perr.IsCode(err, perr.CodeUnknownPath))

	assert.True(t, c.Close(5*time.Second))
	assert.NoDirExists(t, root)
}

func TestNullCleanupClient(t *testing.T) {
	var c transfer.Cleaner = transfer.NullCleanupClient{}
	ctx := context.Background()
	assert.NoError(t, c.Lock(ctx, "a"))
	assert.NoError(t, c.Unlock(ctx, "a"))
	assert.NoError(t, c.Flush(ctx))
	assert.True(t, c.Close(0))
}
