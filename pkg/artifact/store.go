// Package artifact archives job output to S3-compatible storage.
//
// Objects are keyed <runner>/<batch>/<job index>/<path within output>, so a
// batch or a single job can be listed, fetched or replaced by prefix.
package artifact

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// Meta identifies the job an archived file belongs to. It is stored as
// object metadata.
type Meta struct {
	Runner string
	Batch  string
	Job    string
}

func (m Meta) userMetadata() map[string]string {
	return map[string]string{"runner": m.Runner, "batch": m.Batch, "job": m.Job}
}

// Artifact is one archived output file.
type Artifact struct {
	Key         string
	Size        int64
	ContentType string
	Modified    time.Time
}

// Rel returns the key relative to prefix, the file's path within the job
// output directory when prefix is a JobPrefix.
func (a *Artifact) Rel(prefix string) string {
	return strings.TrimPrefix(a.Key, prefix)
}

// Store holds archived output.
type Store interface {
	// Put stores size bytes from r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, meta Meta) (*Artifact, error)
	// Open returns the content of key, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Presign returns a time-limited download URL for key.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
	// List returns every artifact under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Artifact, error)
	// Remove deletes every artifact under prefix.
	Remove(ctx context.Context, prefix string) error
	// EnsureBucket creates the bucket when it does not exist.
	EnsureBucket(ctx context.Context) error
}

// BatchPrefix returns the prefix holding every archived job of a batch.
func BatchPrefix(runner, batch string) string {
	return path.Join(runner, batch) + "/"
}

// JobPrefix returns the prefix holding one job's output.
func JobPrefix(runner, batch, job string) string {
	return path.Join(runner, batch, job) + "/"
}
