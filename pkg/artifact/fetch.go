package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Fetch copies every artifact under prefix into dir, recreating the key
// structure below prefix. It returns the number of files written.
func Fetch(ctx context.Context, store Store, prefix, dir string) (int, error) {
	list, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("%w: nothing archived under %s", ErrNotFound, prefix)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	for i, a := range list {
		dest := filepath.Join(root, filepath.FromSlash(a.Rel(prefix)))
		if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
			return i, fmt.Errorf("artifact %s escapes %s", a.Key, dir)
		}
		if err := fetchOne(ctx, store, a.Key, dest); err != nil {
			return i, fmt.Errorf("failed to fetch %s: %w", a.Key, err)
		}
	}
	return len(list), nil
}

func fetchOne(ctx context.Context, store Store, key, dest string) error {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
