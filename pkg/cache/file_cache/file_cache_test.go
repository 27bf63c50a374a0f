package file_cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileCache(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "snap")
	c, err := NewFileCache(dir)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Load(ctx, "imgcache/snapshot")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Save(ctx, "imgcache/snapshot", []byte("v1")))
	require.NoError(t, c.Save(ctx, "imgcache/snapshot", []byte("v2")))
	b, ok, err := c.Load(ctx, "imgcache/snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(b))

	// no temp files left behind
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, ents, 1)

	require.NoError(t, c.Delete(ctx, "imgcache/snapshot"))
	require.NoError(t, c.Delete(ctx, "imgcache/snapshot"))
	_, ok, err = c.Load(ctx, "imgcache/snapshot")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileCache_errors(t *testing.T) {
	_, err := NewFileCache("")
	require.Error(t, err)

	c, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Save(ctx, "k", nil), context.Canceled)
}
