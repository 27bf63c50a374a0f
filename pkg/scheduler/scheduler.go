// Package scheduler drives batched image preloads.
//
// A batch is deduplicated, filtered against resident and in-flight keys,
// then fetched in sequential waves. Every fetch in a wave settles on its
// own; a failure never cancels its siblings. Waves are separated by a
// short pause so that large batches do not saturate the network stack.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/fetcher"
	"github.com/pmkol/imgcache/pkg/pool"
)

const defaultWavePause = 50 * time.Millisecond

var (
	nopLogger   = zap.NewNop()
	errNoHandle = errors.New("fetcher returned no handle")
)

type Opts struct {
	// Fetcher cannot be nil.
	Fetcher fetcher.Fetcher

	// Resident reports whether key is already in memory. Resident keys
	// are skipped. Optional.
	Resident func(key asset.Key) bool

	// OnSuccess is called for every successful fetch before the key
	// leaves the queue. gen is the Generation the key was claimed in.
	// Returning false discards the result and counts it as failed.
	// Optional.
	OnSuccess func(key asset.Key, p asset.Priority, h *fetcher.Handle, gen uint64) bool

	// WavePause is the pause between waves. Default is 50ms.
	// A negative value disables the pause.
	WavePause time.Duration

	// Logger is the *zap.Logger for this Scheduler.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Fetcher == nil {
		return fmt.Errorf("%w: nil fetcher", asset.ErrInvalidInput)
	}
	if opts.WavePause == 0 {
		opts.WavePause = defaultWavePause
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// ScheduleOpts tunes one batch.
type ScheduleOpts struct {
	// MaxConcurrency is the wave size. Zero uses the priority default.
	MaxConcurrency int

	// FetchTimeout bounds each fetch. Zero means no extra bound.
	FetchTimeout time.Duration
}

// Result counts the outcome of a batch. Skipped keys were duplicates,
// already resident, or already being fetched.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type Scheduler struct {
	opts Opts

	gen atomic.Uint64

	mu    sync.Mutex
	queue map[asset.Key]uint64 // key -> generation of the claim
}

func New(opts Opts) (*Scheduler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Scheduler{
		opts:  opts,
		queue: make(map[asset.Key]uint64),
	}, nil
}

type claim struct {
	key asset.Key
	gen uint64
}

// Schedule fetches keys and blocks until every admitted key was attempted.
// It returns an error only for structurally invalid input; individual
// fetch failures are counted in Result.Failed.
func (s *Scheduler) Schedule(ctx context.Context, keys []asset.Key, p asset.Priority, opts ScheduleOpts) (Result, error) {
	if err := validate(keys, p, opts); err != nil {
		return Result{}, err
	}

	uniq := Dedupe(keys)
	claims := s.claim(uniq)
	res := Result{Skipped: len(keys) - len(claims)}
	if len(claims) == 0 {
		return res, nil
	}

	waveSize := opts.MaxConcurrency
	if waveSize == 0 {
		waveSize = p.Params().Concurrency
	}

	var succeeded, failed atomic.Int32
	for start := 0; start < len(claims); start += waveSize {
		if start > 0 {
			if err := pool.Sleep(ctx, s.opts.WavePause); err != nil {
				// Never launched; release them so a later batch can retry.
				rest := claims[start:]
				for _, c := range rest {
					s.release(c)
				}
				failed.Add(int32(len(rest)))
				s.opts.Logger.Warn("batch interrupted",
					zap.Int("not_attempted", len(rest)),
					zap.Error(err))
				break
			}
		}

		wave := claims[start:min(start+waveSize, len(claims))]
		var g errgroup.Group
		for _, c := range wave {
			g.Go(func() error {
				if s.fetchOne(ctx, c, p, opts.FetchTimeout) {
					succeeded.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	res.Succeeded = int(succeeded.Load())
	res.Failed = int(failed.Load())
	s.opts.Logger.Debug("batch done",
		zap.Stringer("priority", p),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func validate(keys []asset.Key, p asset.Priority, opts ScheduleOpts) error {
	if keys == nil {
		return fmt.Errorf("%w: nil key list", asset.ErrInvalidInput)
	}
	if !p.Valid() {
		return fmt.Errorf("%w: %s", asset.ErrInvalidInput, p)
	}
	if opts.MaxConcurrency < 0 {
		return fmt.Errorf("%w: negative max concurrency %d", asset.ErrInvalidInput, opts.MaxConcurrency)
	}
	if opts.FetchTimeout < 0 {
		return fmt.Errorf("%w: negative fetch timeout %s", asset.ErrInvalidInput, opts.FetchTimeout)
	}
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Dedupe drops repeated keys, keeping the first occurrence order.
func Dedupe(keys []asset.Key) []asset.Key {
	seen := make(map[asset.Key]struct{}, len(keys))
	out := make([]asset.Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// claim moves keys that are neither queued nor resident into the queue.
// The queue is checked before residency: a settled key is added to the
// memory window before it leaves the queue, so no key slips between the
// two checks. Entries left by an older generation do not count as queued.
func (s *Scheduler) claim(keys []asset.Key) []claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.gen.Load()
	out := make([]claim, 0, len(keys))
	for _, k := range keys {
		if g, queued := s.queue[k]; queued && g == gen {
			continue
		}
		if s.opts.Resident != nil && s.opts.Resident(k) {
			continue
		}
		s.queue[k] = gen
		out = append(out, claim{key: k, gen: gen})
	}
	return out
}

// release removes c from the queue unless a newer claim took its place.
func (s *Scheduler) release(c claim) {
	s.mu.Lock()
	if gen, ok := s.queue[c.key]; ok && gen == c.gen {
		delete(s.queue, c.key)
	}
	s.mu.Unlock()
}

// Generation is bumped by every Reset.
func (s *Scheduler) Generation() uint64 {
	return s.gen.Load()
}

// fetchOne runs a single fetch and reports success. The key always
// leaves the queue, even if the fetcher panics.
func (s *Scheduler) fetchOne(ctx context.Context, c claim, p asset.Priority, timeout time.Duration) (ok bool) {
	defer s.release(c)
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("fetcher panic", zap.Stringer("key", c.key), zap.Any("panic", r))
			ok = false
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h, err := s.opts.Fetcher.Fetch(ctx, c.key)
	if err == nil && h == nil {
		err = errNoHandle
	}
	if err != nil {
		s.opts.Logger.Warn("preload failed", zap.Stringer("key", c.key), zap.Error(err))
		return false
	}

	if s.Generation() != c.gen ||
		(s.opts.OnSuccess != nil && !s.opts.OnSuccess(c.key, p, h, c.gen)) {
		s.opts.Logger.Debug("preload result discarded after reset", zap.Stringer("key", c.key))
		return false
	}
	return true
}

// Pending reports whether key is being fetched in the current generation.
func (s *Scheduler) Pending(key asset.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.queue[key]
	return ok && gen == s.gen.Load()
}

// Len returns the number of keys being fetched in the current generation.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.gen.Load()
	n := 0
	for _, g := range s.queue {
		if g == gen {
			n++
		}
	}
	return n
}

// Reset starts a new generation. Fetches already in flight still run,
// but their results are discarded and they no longer block new claims.
// Reset takes no lock, so it may be called from under the caller's own
// lock.
func (s *Scheduler) Reset() {
	s.gen.Add(1)
}

