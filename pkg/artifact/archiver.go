package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

// Archiver copies each successful job's output directory into a Store under
// JobPrefix(runner, batch, job). Output already archived under the same
// prefix, left by an earlier runner instance reusing the batch name, is
// replaced.
type Archiver struct {
	store Store
	log   *plog.Logger
}

var _ runner.Archiver = (*Archiver)(nil)

func NewArchiver(store Store, log *plog.Logger) *Archiver {
	return &Archiver{store: store, log: plog.OrDiscard(log)}
}

func (a *Archiver) Archive(ctx context.Context, runnerName, batch, job, localDir string) error {
	prefix := JobPrefix(runnerName, batch, job)
	meta := Meta{Runner: runnerName, Batch: batch, Job: job}

	if err := a.store.Remove(ctx, prefix); err != nil {
		return fmt.Errorf("failed to clear %s: %w", prefix, err)
	}

	var files int
	var size int64
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		n, err := a.put(ctx, p, prefix+filepath.ToSlash(rel), meta)
		if err != nil {
			return err
		}
		files++
		size += n
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", localDir, err)
	}
	a.log.Debug("archived job output", "prefix", prefix, "files", files, "bytes", size)
	return nil
}

func (a *Archiver) put(ctx context.Context, file, key string, meta Meta) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := a.store.Put(ctx, key, f, info.Size(), contentType, meta); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
