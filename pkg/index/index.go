// Package index is the in-memory table of cache entries. It is not safe
// for concurrent use; the owning service serialises access.
package index

import (
	"fmt"
	"time"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/snapshot"
)

type Index struct {
	m map[asset.Key]*asset.Entry
}

func New() *Index {
	return &Index{m: make(map[asset.Key]*asset.Entry)}
}

func (x *Index) Lookup(key asset.Key) (asset.Entry, bool) {
	e, ok := x.m[key]
	if !ok {
		return asset.Entry{}, false
	}
	return *e, true
}

// Record creates the entry for key or refreshes it. A refresh updates
// LastAccessedAt and size and never lowers the priority.
func (x *Index) Record(key asset.Key, size int64, p asset.Priority, now time.Time) asset.Entry {
	if size < 0 {
		size = 0
	}
	if e, ok := x.m[key]; ok {
		e.Size = size
		if p > e.Priority {
			e.Priority = p
		}
		touch(e, now)
		return *e
	}
	e := &asset.Entry{
		Key:            key,
		CreatedAt:      now,
		LastAccessedAt: now,
		Priority:       p,
		Size:           size,
	}
	x.m[key] = e
	return *e
}

// Touch refreshes LastAccessedAt. It reports whether key is present.
func (x *Index) Touch(key asset.Key, now time.Time) bool {
	e, ok := x.m[key]
	if ok {
		touch(e, now)
	}
	return ok
}

// Remove deletes keys and returns how many were present.
func (x *Index) Remove(keys ...asset.Key) (removed int) {
	for _, k := range keys {
		if _, ok := x.m[k]; ok {
			delete(x.m, k)
			removed++
		}
	}
	return removed
}

func (x *Index) Len() int {
	return len(x.m)
}

// Entries returns a copy of every entry in unspecified order.
func (x *Index) Entries() []asset.Entry {
	out := make([]asset.Entry, 0, len(x.m))
	for _, e := range x.m {
		out = append(out, *e)
	}
	return out
}

func (x *Index) Reset() {
	clear(x.m)
}

// Snapshot serialises the index together with stats.
func (x *Index) Snapshot(stats asset.Stats, now time.Time) ([]byte, error) {
	s := &snapshot.Snapshot{
		Entries: make([]snapshot.Pair, 0, len(x.m)),
		Stats:   stats,
		SavedAt: now,
	}
	for k, e := range x.m {
		s.Entries = append(s.Entries, snapshot.Pair{Key: k, Entry: *e})
	}
	return snapshot.Encode(s)
}

// Restore replaces the index with the content of b. On any error the
// index is left empty and zero stats are returned; the error is only
// informational.
func (x *Index) Restore(b []byte) (asset.Stats, error) {
	x.Reset()
	s, err := snapshot.Decode(b)
	if err != nil {
		return asset.Stats{}, err
	}

	for _, p := range s.Entries {
		e := p.Entry
		e.Key = p.Key
		if err := e.Key.Validate(); err != nil || !e.Priority.Valid() {
			x.Reset()
			return asset.Stats{}, fmt.Errorf("%w: invalid entry %q", snapshot.ErrCorrupt, p.Key.URL)
		}
		if e.LastAccessedAt.Before(e.CreatedAt) {
			e.LastAccessedAt = e.CreatedAt
		}
		if e.Size < 0 {
			e.Size = 0
		}
		x.m[e.Key] = &e
	}
	return s.Stats, nil
}

func touch(e *asset.Entry, now time.Time) {
	if now.After(e.LastAccessedAt) {
		e.LastAccessedAt = now
	}
}
