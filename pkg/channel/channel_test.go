package channel_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/wire"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/worker"
)

func newGateway(t *testing.T, opts ...gateway.Option) *channel.Gateway {
	t.Helper()
	gw := gateway.InProcess(opts...)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func TestHandshakeReady(t *testing.T) {
	gw := newGateway(t)
	root := t.TempDir()

	ch, err := channel.Start(context.Background(), gw, worker.ModuleUpload,
		&wire.Msg{Type: wire.StartUploadChannel, ChannelID: "upload-1", RemotePath: root})
	require.NoError(t, err)

	assert.Equal(t, "upload-1", ch.ID())
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved, ch.RemotePath())

	require.NoError(t, ch.Close())
	assert.True(t, ch.WaitClose(5*time.Second))
}

func TestHandshakeError(t *testing.T) {
	gw := newGateway(t)

	_, err := channel.Start(context.Background(), gw, worker.ModuleDownload,
		&wire.Msg{Type: wire.StartDownloadChannel, RemotePath: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CategoryIO, perr.CodeFileDoesNotExist))
}

func TestHandshakeUnexpectedMessage(t *testing.T) {
	gw := newGateway(t)

	_, err := channel.Start(context.Background(), gw, worker.ModuleUpload,
		&wire.Msg{Type: wire.StartDownloadChannel, RemotePath: t.TempDir()})
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.CodeUnexpectedMsg))
}

func TestHandshakeTimeout(t *testing.T) {
	silent := func(ctx context.Context, conn *worker.Conn) error {
		for {
			if _, ok := conn.Receive(ctx); !ok {
				return nil
			}
		}
	}
	gw := newGateway(t, gateway.WithWorkerOptions(worker.WithModule("silent", silent)))

	_, err := channel.Start(context.Background(), gw, "silent",
		&wire.Msg{Type: wire.StartChannel}, channel.WithHandshakeTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, perr.ErrHandshakeTimeout)
}

func TestHandshakeTimeoutReleasesRoute(t *testing.T) {
	release := make(chan struct{})
	stuck := func(context.Context, *worker.Conn) error {
		<-release
		return nil
	}
	gw := newGateway(t, gateway.WithWorkerOptions(worker.WithModule("stuck", stuck)))
	t.Cleanup(func() { close(release) })

	for range 3 {
		_, err := channel.Start(context.Background(), gw, "stuck",
			&wire.Msg{Type: wire.StartChannel}, channel.WithHandshakeTimeout(20*time.Millisecond))
		require.ErrorIs(t, err, perr.ErrHandshakeTimeout)
	}
	assert.Zero(t, gw.Channels())
}

func TestHandshakeErrorReleasesRoute(t *testing.T) {
	gw := newGateway(t)

	_, err := channel.Start(context.Background(), gw, worker.ModuleDownload,
		&wire.Msg{Type: wire.StartDownloadChannel, RemotePath: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.Zero(t, gw.Channels())
}

func TestRegisterRoundTrip(t *testing.T) {
	gw := newGateway(t)
	root := t.TempDir()

	ch, err := channel.Start(context.Background(), gw, worker.ModuleUpload,
		&wire.Msg{Type: wire.StartUploadChannel, RemotePath: root})
	require.NoError(t, err)

	reg := channel.NewRegister(ch.Done(), nil)
	ch.Callbacks().Add(reg.Dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := reg.Call(ctx, ch, &wire.Msg{Type: wire.Mkdirs, ID: "tx-1", RemotePath: "a/b"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", reply.ID)
	assert.Equal(t, wire.Mkdirs, reply.Type)
	assert.DirExists(t, filepath.Join(root, "a", "b"))

	// Reply to an id nobody waits for is ignored.
	assert.False(t, reg.Dispatch(&wire.Msg{Type: wire.Mkdir, ID: "nobody"}))

	_, err = reg.Call(ctx, ch, &wire.Msg{Type: wire.Mkdir, ID: "tx-2", RemotePath: "/etc/passwd"})
	assert.True(t, perr.Is(err, perr.CategoryPath, perr.CodeNotChild))
	assert.Zero(t, reg.Pending())
}

func TestMultiChannelRoundRobinAndBroadcast(t *testing.T) {
	gw := newGateway(t)
	root := t.TempDir()

	mc, err := channel.StartMulti(context.Background(), gw, worker.ModuleUpload, 3, func(id string) *wire.Msg {
		return &wire.Msg{Type: wire.StartUploadChannel, ChannelID: id, RemotePath: root}
	})
	require.NoError(t, err)
	defer mc.Close()

	seen := map[string]bool{}
	for range 6 {
		seen[mc.Next().ID()] = true
	}
	assert.Len(t, seen, 3)
	first := mc.Next()
	mc.Next()
	mc.Next()
	assert.Same(t, first, mc.Next(), "iteration is cyclic")

	var mu sync.Mutex
	echoes := map[string]bool{}
	got := make(chan struct{}, 3)
	mc.Callbacks().Add(func(m *wire.Msg) bool {
		if m.Type != wire.KeepAlive {
			return false
		}
		mu.Lock()
		echoes[m.ChannelID] = true
		mu.Unlock()
		got <- struct{}{}
		return true
	})

	require.NoError(t, mc.Broadcast(&wire.Msg{Type: wire.KeepAlive, ID: "ping"}))
	for range 3 {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for keep-alive echo")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range mc.Channels() {
		assert.True(t, echoes[ch.ID()], "no echo from %s", ch.ID())
	}
}

func TestKeepAlive(t *testing.T) {
	gw := newGateway(t)

	ch, err := channel.Start(context.Background(), gw, worker.ModuleUpload,
		&wire.Msg{Type: wire.StartUploadChannel, RemotePath: t.TempDir()})
	require.NoError(t, err)

	echoes := make(chan string, 100)
	ch.Callbacks().Add(func(m *wire.Msg) bool {
		if m.Type == wire.KeepAlive {
			echoes <- m.ID
			return true
		}
		return false
	})

	ka := channel.StartKeepAlive(ch, ch.ID(), 10*time.Millisecond)
	for i := range 2 {
		select {
		case id := <-echoes:
			assert.Equal(t, fmt.Sprintf("keepalive_%d", i), id)
		case <-time.After(5 * time.Second):
			t.Fatal("no keep-alive echo")
		}
	}
	ka.Stop()

	disabled := channel.StartKeepAlive(ch, ch.ID(), 0)
	disabled.Stop()
}

func TestSendAfterGatewayClose(t *testing.T) {
	gw := gateway.InProcess()

	ch, err := channel.Start(context.Background(), gw, worker.ModuleUpload,
		&wire.Msg{Type: wire.StartUploadChannel, RemotePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, gw.Close())
	<-ch.Done()

	err = ch.Send(&wire.Msg{Type: wire.Mkdir, ID: "x", RemotePath: "x"})
	assert.True(t, errors.Is(err, perr.ErrChannelClosed) || errors.Is(err, perr.ErrGatewayClosed))

	_, err = channel.Start(context.Background(), gw, worker.ModuleUpload, &wire.Msg{Type: wire.StartUploadChannel})
	assert.ErrorIs(t, err, perr.ErrGatewayClosed)
}
