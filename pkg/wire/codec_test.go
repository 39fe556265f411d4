package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	rc := -9
	frames := []*Frame{
		{Channel: 1, Open: "upload", Msg: &Msg{Type: StartUploadChannel, ChannelID: "abc"}},
		{Channel: 1, Msg: &Msg{Type: Upload, ID: "t-1", RemotePath: "a/b", FileData: []byte{0, 1, 2}, Mode: 0o755}},
		{Channel: 2, Msg: &Msg{Type: JobEnd, JobID: "j", ReturnCode: &rc, Killed: true}},
		{Channel: 1, Close: true},
	}
	for _, f := range frames {
		require.NoError(t, enc.Encode(f))
	}

	dec := NewDecoder(&buf)
	for _, want := range frames {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.Decode()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestErrorEnvelope(t *testing.T) {
	m := NewError("chan", perr.CategoryPath, perr.CodeNotChild, "path is not under root")
	assert.True(t, m.IsError(perr.CategoryPath, perr.CodeNotChild))
	assert.False(t, m.IsError(perr.CategoryIO, perr.CodeNotChild))

	err := m.Err()
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.CategoryPath, perr.CodeNotChild))
	assert.Contains(t, err.Error(), "path is not under root")

	assert.NoError(t, (&Msg{Type: Ready}).Err())
}

func TestPaths(t *testing.T) {
	assert.Equal(t, []string{"a"}, (&Msg{RemotePath: "a"}).Paths())
	assert.Equal(t, []string{"a", "b"}, (&Msg{RemotePath: "x", RemotePaths: []string{"a", "b"}}).Paths())
	assert.Nil(t, (&Msg{}).Paths())
}

func TestQueueOrderAndClose(t *testing.T) {
	q := NewQueue()
	q.Push(&Msg{Type: Mkdir, ID: "1"})
	q.Push(&Msg{Type: Upload, ID: "2"})
	q.Close()
	q.Push(&Msg{Type: Upload, ID: "3"})

	ctx := context.Background()
	m, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "1", m.ID)
	m, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "2", m.ID)
	_, ok = q.Pop(ctx)
	assert.False(t, ok)
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestModeConversion(t *testing.T) {
	assert.Equal(t, uint32(0o755), ModeFromFS(0o755))
	assert.Equal(t, uint32(0o4711), ModeFromFS(0o711|fs.ModeSetuid))
	assert.Equal(t, fs.FileMode(0o1777)&fs.ModePerm|fs.ModeSticky, FSMode(0o1777))
	assert.Equal(t, fs.FileMode(0o640), FSMode(ModeFromFS(0o640)))
}
