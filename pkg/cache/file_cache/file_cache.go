package file_cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/pmkol/imgcache/pkg/cache"
)

// FileCache stores each key as one file under Dir. Writes go to a
// temporary file that is renamed into place, so a crash leaves either
// the old or the new blob, never a torn one.
type FileCache struct {
	dir string
}

var _ cache.Backend = (*FileCache)(nil)

// NewFileCache creates dir if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if len(dir) == 0 {
		return nil, errors.New("empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir, %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// path maps key to a fixed-length file name so arbitrary keys are safe
// on any filesystem.
func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, strconv.FormatUint(xxhash.Sum64String(key), 16)+".snap")
}

func (c *FileCache) Load(_ context.Context, key string) ([]byte, bool, error) {
	b, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (c *FileCache) Save(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(blob)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, c.path(key))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s, %w", key, err)
	}
	return nil
}

func (c *FileCache) Delete(_ context.Context, key string) error {
	err := os.Remove(c.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *FileCache) Close() error {
	return nil
}
