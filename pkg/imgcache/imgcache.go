// Package imgcache is the image preloading cache.
//
// A Service owns four structures: the index of fetched images, the
// memory window of decoded images, the queue of in-flight fetches and
// the counters. Index and window are guarded by one mutex; the queue
// belongs to the scheduler and the counters are atomic.
package imgcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/cache"
	"github.com/pmkol/imgcache/pkg/clock"
	"github.com/pmkol/imgcache/pkg/eviction"
	"github.com/pmkol/imgcache/pkg/fetcher"
	"github.com/pmkol/imgcache/pkg/index"
	"github.com/pmkol/imgcache/pkg/lru"
	"github.com/pmkol/imgcache/pkg/scheduler"
	"github.com/pmkol/imgcache/pkg/stats"
	"github.com/pmkol/imgcache/pkg/utils"
)

const (
	defaultMemoryCapacity  = 256
	defaultStoreKey        = "imgcache/snapshot"
	defaultStoreTimeout    = 5 * time.Second
	defaultCleanupInterval = 24 * time.Hour
	defaultFlushInterval   = time.Minute
	missFetchTimeout       = 30 * time.Second
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Fetcher cannot be nil.
	Fetcher fetcher.Fetcher

	// Backend holds the snapshot. A nil Backend disables persistence.
	Backend cache.Backend

	// StoreKey is the backend key of the snapshot.
	// Default is "imgcache/snapshot".
	StoreKey string

	// StoreTimeout bounds one backend call. Default is 5s.
	StoreTimeout time.Duration

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Policy is the eviction policy. A zero Policy means
	// eviction.DefaultPolicy().
	Policy eviction.Policy

	// MemoryCapacity is the number of decoded images kept in memory.
	// Default is 256.
	MemoryCapacity int

	// MemoryTarget is the window size left by a memory-only maintenance
	// pass. Default is half of MemoryCapacity.
	MemoryTarget int

	// CleanupInterval is the period of the full maintenance pass started
	// by Start. Default is 24h. Negative disables it.
	CleanupInterval time.Duration

	// HygieneInterval is the period of the memory-only pass started by
	// Start. Zero disables it.
	HygieneInterval time.Duration

	// FlushInterval is the period of the snapshot flush started by
	// Start. Default is 1m. Negative disables it.
	FlushInterval time.Duration

	// WavePause is passed to the scheduler.
	WavePause time.Duration

	// FetchOnMiss makes a lookup miss start a background preload of the
	// missing key.
	FetchOnMiss bool

	// Logger is the *zap.Logger for this Service.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Fetcher == nil {
		return fmt.Errorf("%w: nil fetcher", ErrInvalidInput)
	}
	if opts.MemoryCapacity < 0 || opts.MemoryTarget < 0 {
		return fmt.Errorf("%w: negative memory capacity", ErrInvalidInput)
	}
	utils.SetDefaultNum(&opts.MemoryCapacity, defaultMemoryCapacity)
	utils.SetDefaultNum(&opts.MemoryTarget, opts.MemoryCapacity/2)
	if opts.MemoryTarget > opts.MemoryCapacity {
		opts.MemoryTarget = opts.MemoryCapacity
	}
	utils.SetDefaultString(&opts.StoreKey, defaultStoreKey)
	utils.SetDefaultNum(&opts.StoreTimeout, defaultStoreTimeout)
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Policy == (eviction.Policy{}) {
		opts.Policy = eviction.DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Service struct {
	opts   Opts
	logger *zap.Logger
	clock  clock.Clock
	stats  *stats.Collector
	sched  *scheduler.Scheduler

	mu     sync.Mutex
	index  *index.Index
	window *lru.LRU[asset.Key, *resident]

	dirty   atomic.Bool
	flushMu sync.Mutex
	missSF  singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	bgMu      sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// resident is a decoded image held by the memory window.
type resident struct {
	h    *fetcher.Handle
	prio asset.Priority
	size int64
}

// evictFirst orders window elements that share the oldest recency.
func evictFirst(a, b *resident) int {
	if a.prio != b.prio {
		if a.prio < b.prio {
			return -1
		}
		return 1
	}
	switch {
	case a.size < b.size:
		return -1
	case a.size > b.size:
		return 1
	}
	return 0
}

func New(opts Opts) (*Service, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	s := &Service{
		opts:   opts,
		logger: opts.Logger,
		clock:  opts.Clock,
		stats:  stats.New(),
		index:  index.New(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.window = lru.NewLRU[asset.Key, *resident](opts.MemoryCapacity, s.onWindowEvict, evictFirst)

	sched, err := scheduler.New(scheduler.Opts{
		Fetcher:   opts.Fetcher,
		Resident:  s.isResident,
		OnSuccess: s.store,
		WavePause: opts.WavePause,
		Logger:    opts.Logger.Named("scheduler"),
	})
	if err != nil {
		return nil, err
	}
	s.sched = sched
	return s, nil
}

// Stats returns the counters. It is also a prometheus.Collector.
func (s *Service) Stats() *stats.Collector {
	return s.stats
}

// onWindowEvict runs with s.mu held.
func (s *Service) onWindowEvict(key asset.Key, _ *resident) {
	s.stats.RecordEviction(1)
	s.logger.Debug("memory window evicted", zap.Stringer("key", key))
}

func (s *Service) isResident(key asset.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Contains(key)
}

// store is the scheduler success callback. It drops results claimed
// before the last ClearAll.
func (s *Service) store(key asset.Key, p asset.Priority, h *fetcher.Handle, gen uint64) bool {
	now := s.clock.Now()
	size := h.Size
	if size < 0 {
		size = 0
	}

	s.mu.Lock()
	if s.sched.Generation() != gen {
		s.mu.Unlock()
		return false
	}
	e := s.index.Record(key, size, p, now)
	s.window.Add(key, &resident{h: h, prio: e.Priority, size: e.Size}, now)
	s.mu.Unlock()

	s.stats.RecordPreloaded(1)
	s.dirty.Store(true)
	return true
}

// ScheduleOpts tunes one Schedule call.
type ScheduleOpts = scheduler.ScheduleOpts

// Result of one Schedule call.
type Result = scheduler.Result

// Schedule preloads urls without transforms. See ScheduleKeys.
func (s *Service) Schedule(ctx context.Context, urls []string, p asset.Priority, opts ScheduleOpts) (Result, error) {
	if urls == nil {
		return Result{}, fmt.Errorf("%w: nil url list", ErrInvalidInput)
	}
	keys := make([]asset.Key, len(urls))
	for i, u := range urls {
		keys[i] = asset.URLKey(u)
	}
	return s.ScheduleKeys(ctx, keys, p, opts)
}

// ScheduleKeys fetches every key that is neither resident nor already
// being fetched, and blocks until all of them were attempted. Partial
// failure is reported in Result only; the returned error is non-nil
// only for invalid input. Every batch is followed by a full eviction
// pass and, if anything changed, an asynchronous flush.
func (s *Service) ScheduleKeys(ctx context.Context, keys []asset.Key, p asset.Priority, opts ScheduleOpts) (Result, error) {
	res, err := s.sched.Schedule(ctx, keys, p, opts)
	if err != nil {
		return res, err
	}
	removed := s.evict()
	if removed > 0 {
		s.logger.Debug("evicted after batch", zap.Int("removed", removed))
	}
	if res.Succeeded > 0 || removed > 0 {
		s.flushAsync()
	}
	return res, nil
}

// Lookup reports whether url is resident in memory. See LookupKey.
func (s *Service) Lookup(url string) bool {
	_, ok := s.LookupKey(asset.URLKey(url))
	return ok
}

// LookupKey returns the index entry of key if its image is resident in
// memory, and marks it most recently used. Every call counts as a hit
// or a miss. A key known to the index but not resident is a miss.
func (s *Service) LookupKey(key asset.Key) (asset.Entry, bool) {
	if key.Validate() != nil {
		s.stats.RecordMiss()
		return asset.Entry{}, false
	}

	now := s.clock.Now()
	s.mu.Lock()
	hit := s.window.Touch(key, now)
	var e asset.Entry
	if hit {
		s.index.Touch(key, now)
		e, hit = s.index.Lookup(key)
	}
	s.mu.Unlock()

	if hit {
		s.stats.RecordHit()
		s.dirty.Store(true)
		return e, true
	}
	s.stats.RecordMiss()
	if s.opts.FetchOnMiss {
		s.prefetch(key)
	}
	return asset.Entry{}, false
}

// prefetch loads key in the background at normal priority. Concurrent
// misses of the same key share one preload.
func (s *Service) prefetch(key asset.Key) {
	sfKey := key.String()
	s.goBackground(func() {
		_, _, _ = s.missSF.Do(sfKey, func() (any, error) {
			defer s.missSF.Forget(sfKey)
			ctx, cancel := context.WithTimeout(s.ctx, missFetchTimeout)
			defer cancel()
			if _, err := s.ScheduleKeys(ctx, []asset.Key{key}, asset.Normal, ScheduleOpts{}); err != nil {
				s.logger.Warn("miss prefetch rejected", zap.Stringer("key", key), zap.Error(err))
			}
			return nil, nil
		})
	})
}

// goBackground runs f in a goroutine that Close waits for. It does
// nothing once Close was called.
func (s *Service) goBackground(f func()) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

// Handle returns the decoded image of key if it is resident. It does
// not change recency or counters.
func (s *Service) Handle(key asset.Key) (*fetcher.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.window.Peek(key)
	if !ok {
		return nil, false
	}
	return r.h, true
}

// Entries returns a copy of the index.
func (s *Service) Entries() []asset.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Entries()
}

// Resident returns the keys of the memory window, most recently used
// first.
func (s *Service) Resident() []asset.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Keys()
}

// GetStats returns a snapshot of the counters.
func (s *Service) GetStats() asset.Stats {
	return s.stats.Snapshot()
}

// ClearAll drops the snapshot, the memory window, the index and the
// fetch queue. Counters are kept. Fetches still in flight finish but
// their results are discarded.
func (s *Service) ClearAll(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	s.sched.Reset()
	s.window.Reset()
	s.index.Reset()
	s.mu.Unlock()
	s.dirty.Store(false)

	if s.opts.Backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.opts.Backend.Delete(ctx, s.opts.StoreKey); err != nil {
		// The next flush overwrites the stale snapshot.
		s.dirty.Store(true)
		s.logger.Warn("failed to delete snapshot", zap.Error(err))
	}
	s.logger.Info("cache cleared")
}

// Start runs the periodic maintenance and flush loops until Close.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.loop(s.opts.CleanupInterval, func() {
			if _, err := s.RunMaintenance(s.ctx, ModeFull); err != nil {
				s.logger.Warn("maintenance failed", zap.Error(err))
			}
		})
		s.loop(s.opts.HygieneInterval, func() {
			_, _ = s.RunMaintenance(s.ctx, ModeMemoryOnly)
		})
		s.loop(s.opts.FlushInterval, func() {
			if !s.dirty.Load() {
				return
			}
			if err := s.Flush(s.ctx); err != nil {
				s.logger.Warn("periodic flush failed", zap.Error(err))
			}
		})
	})
}

func (s *Service) loop(interval time.Duration, f func()) {
	if interval <= 0 {
		return
	}
	s.goBackground(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				f()
			}
		}
	})
}

// Close stops the background loops, waits for background work and
// writes a final snapshot. The returned error is informational.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.bgMu.Lock()
		s.closed = true
		s.bgMu.Unlock()
		s.cancel()
		s.wg.Wait()
		if s.dirty.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
			defer cancel()
			err = s.Flush(ctx)
		}
	})
	return err
}
