package runclient_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runclient"
)

func startPool(t *testing.T, n int) *runclient.Pool {
	t.Helper()
	gw := gateway.InProcess()
	t.Cleanup(func() { _ = gw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := runclient.StartPool(ctx, gw, n, runclient.Options{HardkillTimeout: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(5 * time.Second) })
	return p
}

func jobDir(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runjob"), []byte(script), 0o755))
	return dir
}

func waitDone(t *testing.T, h *runclient.JobHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf("job %s did not finish", h.ID())
	}
}

func TestRunManyJobs(t *testing.T) {
	p := startPool(t, 3)
	assert.Equal(t, 3, p.Len())

	var mu sync.Mutex
	var outcomes []error
	var handles []*runclient.JobHandle
	var dirs []string
	for i := range 12 {
		dir := jobDir(t, fmt.Sprintf("echo %d > out\nexit %d\n", i, i%2))
		dirs = append(dirs, dir)
		h, err := p.RunCommand(dir, func(err error) {
			mu.Lock()
			outcomes = append(outcomes, err)
			mu.Unlock()
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for i, h := range handles {
		waitDone(t, h)
		assert.NoError(t, h.Err())
		code, ok := h.ReturnCode()
		require.True(t, ok)
		assert.Equal(t, i%2, code)

		out, err := os.ReadFile(filepath.Join(dirs[i], "out"))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d\n", i), string(out))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, outcomes, 12)
}

func TestRunMissingRunjob(t *testing.T) {
	p := startPool(t, 1)

	h, err := p.RunCommand(t.TempDir(), nil)
	require.NoError(t, err)
	waitDone(t, h)
	var startErr *runclient.StartError
	require.ErrorAs(t, h.Err(), &startErr)
	assert.True(t, strings.HasPrefix(h.Err().Error(), "PATH_ERROR"), h.Err().Error())

	// The channel is free again afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, p.Run(ctx, jobDir(t, "exit 0\n")))
}

func TestKillRunningAndPending(t *testing.T) {
	p := startPool(t, 1)

	running, err := p.RunCommand(jobDir(t, "sleep 30\n"), nil)
	require.NoError(t, err)
	pending, err := p.RunCommand(jobDir(t, "exit 0\n"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return running.PID() > 0 }, 10*time.Second, 10*time.Millisecond)

	done, err := pending.Kill()
	require.NoError(t, err)
	<-done
	assert.ErrorIs(t, pending.Err(), perr.ErrJobKilled)
	assert.Zero(t, pending.PID())

	done, err = running.Kill()
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("running job was not killed")
	}
	assert.True(t, runclient.IsKilled(running.Err()))

	_, err = running.Kill()
	assert.ErrorIs(t, err, perr.ErrJobAlreadyFinished)
}

func TestRunCancelled(t *testing.T) {
	p := startPool(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, jobDir(t, "sleep 30\n"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
