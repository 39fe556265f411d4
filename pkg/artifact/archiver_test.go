package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/gateway"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]Meta
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte), meta: make(map[string]Meta)}
}

func (m *memoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string, meta Meta) (*Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.meta[key] = meta
	return &Artifact{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (m *memoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	return "mem://" + key, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Artifact
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, &Artifact{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) Remove(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memoryStore) EnsureBucket(context.Context) error {
	return nil
}

func TestArchiveDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "STATUS"), []byte("0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "out.txt"), []byte("hello"), 0o644))

	store := newMemoryStore()
	a := NewArchiver(store, nil)
	require.NoError(t, a.Archive(context.Background(), "local", "Batch-1", "0", dir))

	list, err := store.List(context.Background(), JobPrefix("local", "Batch-1", "0"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "local/Batch-1/0/STATUS", list[0].Key)
	assert.Equal(t, "local/Batch-1/0/sub/out.txt", list[1].Key)
	assert.Equal(t, "Batch-1", store.meta["local/Batch-1/0/STATUS"].Batch)

	// A second archive under the same prefix replaces the first.
	require.NoError(t, os.Remove(filepath.Join(dir, "sub", "out.txt")))
	require.NoError(t, a.Archive(context.Background(), "local", "Batch-1", "0", dir))
	list, err = store.List(context.Background(), JobPrefix("local", "Batch-1", "0"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "STATUS", list[0].Rel(JobPrefix("local", "Batch-1", "0")))
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	for key, body := range map[string]string{
		"local/Batch-2/0/out":         "zero",
		"local/Batch-2/1/sub/out.txt": "one",
		"local/Batch-20/0/out":        "other batch",
	} {
		_, err := store.Put(ctx, key, strings.NewReader(body), int64(len(body)), "text/plain", Meta{})
		require.NoError(t, err)
	}

	dir := t.TempDir()
	n, err := Fetch(ctx, store, BatchPrefix("local", "Batch-2"), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, "1", "sub", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	_, err = os.Stat(filepath.Join(dir, "0", "out"))
	assert.NoError(t, err)

	_, err = Fetch(ctx, store, BatchPrefix("local", "Batch-9"), t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunnerArchivesSuccessfulJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store := newMemoryStore()
	r, err := runner.NewLocal(ctx, "local", 2,
		runner.WithGateway(gateway.InProcess()),
		runner.WithArchiver(NewArchiver(store, nil)),
	)
	require.NoError(t, err)
	defer r.Close()

	var jobs []*runner.Job
	for _, body := range []string{"echo ok > out\n", ""} {
		dir := t.TempDir()
		files := filepath.Join(dir, "job_files")
		require.NoError(t, os.MkdirAll(files, 0o755))
		if body != "" {
			require.NoError(t, os.WriteFile(filepath.Join(files, "runjob"), []byte(body), 0o755))
		}
		jobs = append(jobs, &runner.Job{Name: "job", SourcePath: dir})
	}
	b, err := r.RunBatch(jobs)
	require.NoError(t, err)
	require.NoError(t, b.Wait(ctx))

	ok, err := store.List(ctx, JobPrefix("local", b.Name(), "0"))
	require.NoError(t, err)
	var keys []string
	for _, a := range ok {
		keys = append(keys, a.Key)
	}
	assert.Contains(t, keys, JobPrefix("local", b.Name(), "0")+"out")

	failed, err := store.List(ctx, JobPrefix("local", b.Name(), "1"))
	require.NoError(t, err)
	assert.Empty(t, failed)
}
