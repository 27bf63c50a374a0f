package sqlite_cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqliteCache(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := NewSqliteCache(ctx, path)
	require.NoError(t, err)

	_, ok, err := c.Load(ctx, "snap")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "snap", []byte{1, 2, 3}))
	require.NoError(t, c.Save(ctx, "snap", []byte{4}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// survives reopening
	c, err = NewSqliteCache(ctx, path)
	require.NoError(t, err)
	defer c.Close()
	b, ok, err := c.Load(ctx, "snap")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{4}, b)

	require.NoError(t, c.Delete(ctx, "snap"))
	_, ok, err = c.Load(ctx, "snap")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSqliteCache_memory(t *testing.T) {
	ctx := context.Background()
	c, err := NewSqliteCache(ctx, "")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Save(ctx, "k", nil))
	b, ok, err := c.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, b)
}
