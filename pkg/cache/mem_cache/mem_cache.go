package mem_cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pmkol/imgcache/pkg/cache"
)

// MemCache keeps blobs in process memory. It does not survive restarts
// and exists for tests and for running without durable storage.
type MemCache struct {
	closed uint32
	mu     sync.RWMutex
	m      map[string][]byte
}

var _ cache.Backend = (*MemCache)(nil)

func NewMemCache() *MemCache {
	return &MemCache{m: make(map[string][]byte)}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return nil
}

func (c *MemCache) Load(_ context.Context, key string) ([]byte, bool, error) {
	if c.isClosed() {
		return nil, false, cache.ErrClosed
	}
	c.mu.RLock()
	b, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

func (c *MemCache) Save(_ context.Context, key string, blob []byte) error {
	if c.isClosed() {
		return cache.ErrClosed
	}
	// Copy so the backend owns its memory.
	buf := clone(blob)
	c.mu.Lock()
	c.m[key] = buf
	c.mu.Unlock()
	return nil
}

func (c *MemCache) Delete(_ context.Context, key string) error {
	if c.isClosed() {
		return cache.ErrClosed
	}
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
	return nil
}

func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
