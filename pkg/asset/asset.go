// Package asset holds the value types shared by every layer of the image
// cache: priorities, composite keys, index entries and counters.
package asset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidInput reports a structurally malformed request. It is the only
// error class returned synchronously by the cache.
var ErrInvalidInput = errors.New("invalid input")

// Priority is a closed enum. Use Valid before indexing into tables.
type Priority uint8

const (
	Low Priority = iota
	Normal
	High

	numPriorities
)

// PriorityParams is the per-priority policy.
type PriorityParams struct {
	// Concurrency is the wave size used when the caller does not set one.
	Concurrency int
	// Staleness bounds how long an entry may go unaccessed. Zero means
	// only the global max age applies.
	Staleness time.Duration
}

var priorityTable = [numPriorities]PriorityParams{
	Low:    {Concurrency: 8, Staleness: 30 * 24 * time.Hour},
	Normal: {Concurrency: 5},
	High:   {Concurrency: 3},
}

var priorityNames = [numPriorities]string{
	Low:    "low",
	Normal: "normal",
	High:   "high",
}

func (p Priority) Valid() bool {
	return p < numPriorities
}

// Params returns the policy of p. p must be valid.
func (p Priority) Params() PriorityParams {
	return priorityTable[p]
}

func (p Priority) String() string {
	if !p.Valid() {
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, p)
	}
	return []byte(priorityNames[p]), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Transform identifies an upstream-prepared variant of an image.
// The zero value is the original asset.
type Transform struct {
	Width  int    `msgpack:"w,omitempty" json:"width,omitempty"`
	Height int    `msgpack:"h,omitempty" json:"height,omitempty"`
	Format string `msgpack:"f,omitempty" json:"format,omitempty"`
}

func (t Transform) IsZero() bool {
	return t == Transform{}
}

// Key is the cache key. It is comparable and used directly as a map key.
type Key struct {
	URL       string    `msgpack:"u" json:"url"`
	Transform Transform `msgpack:"t" json:"transform,omitempty"`
}

func URLKey(url string) Key {
	return Key{URL: url}
}

// Validate reports whether k may enter the cache.
func (k Key) Validate() error {
	if len(strings.TrimSpace(k.URL)) == 0 {
		return fmt.Errorf("%w: empty url", ErrInvalidInput)
	}
	if k.Transform.Width < 0 || k.Transform.Height < 0 {
		return fmt.Errorf("%w: negative transform size for %s", ErrInvalidInput, k.URL)
	}
	return nil
}

// String is meant for logs. Two different keys never share a String.
func (k Key) String() string {
	if k.Transform.IsZero() {
		return k.URL
	}
	return fmt.Sprintf("%s#%dx%d,%s", k.URL, k.Transform.Width, k.Transform.Height, k.Transform.Format)
}

// Less orders keys for deterministic tie-breaking.
func (k Key) Less(o Key) bool {
	if k.URL != o.URL {
		return k.URL < o.URL
	}
	if k.Transform.Width != o.Transform.Width {
		return k.Transform.Width < o.Transform.Width
	}
	if k.Transform.Height != o.Transform.Height {
		return k.Transform.Height < o.Transform.Height
	}
	return k.Transform.Format < o.Transform.Format
}

// Entry is the persisted metadata of a fetched asset.
// LastAccessedAt is never before CreatedAt.
type Entry struct {
	Key            Key       `msgpack:"k" json:"key"`
	CreatedAt      time.Time `msgpack:"c" json:"created_at"`
	LastAccessedAt time.Time `msgpack:"a" json:"last_accessed_at"`
	Priority       Priority  `msgpack:"p" json:"priority"`
	Size           int64     `msgpack:"s" json:"size"`
}

// Age returns how long e has gone unaccessed at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastAccessedAt)
}

// Stats are the monotonic counters of a cache.
type Stats struct {
	TotalPreloaded uint64    `msgpack:"tp" json:"total_preloaded"`
	CacheHits      uint64    `msgpack:"h" json:"cache_hits"`
	CacheMisses    uint64    `msgpack:"m" json:"cache_misses"`
	Evictions      uint64    `msgpack:"e" json:"evictions"`
	LastCleanupAt  time.Time `msgpack:"lc" json:"last_cleanup_at"`
}
