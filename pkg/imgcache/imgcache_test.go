package imgcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/cache/mem_cache"
	"github.com/pmkol/imgcache/pkg/clock"
	"github.com/pmkol/imgcache/pkg/fetcher"
	"github.com/pmkol/imgcache/pkg/snapshot"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newCountingFetcher(fail ...string) *countingFetcher {
	f := &countingFetcher{calls: map[string]int{}, fail: map[string]bool{}}
	for _, u := range fail {
		f.fail[u] = true
	}
	return f
}

func (f *countingFetcher) Fetch(_ context.Context, key asset.Key) (*fetcher.Handle, error) {
	f.mu.Lock()
	f.calls[key.URL]++
	f.mu.Unlock()
	if f.fail[key.URL] {
		return nil, &FetchError{URL: key.URL, Status: 404}
	}
	return &fetcher.Handle{Key: key, Size: int64(len(key.URL)), Data: []byte(key.URL)}, nil
}

func (f *countingFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *countingFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type failingBackend struct{}

var errSaveFailed = errors.New("disk full")

func (failingBackend) Load(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (failingBackend) Save(context.Context, string, []byte) error { return errSaveFailed }
func (failingBackend) Delete(context.Context, string) error { return errSaveFailed }
func (failingBackend) Close() error { return nil }

type unreadableBackend struct{ failingBackend }

var errLoadFailed = errors.New("connection refused")

func (unreadableBackend) Load(context.Context, string) ([]byte, bool, error) {
	return nil, false, errLoadFailed
}

func newService(t *testing.T, opts Opts) *Service {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewFake(t0)
	}
	if opts.WavePause == 0 {
		opts.WavePause = -1
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func keysOf(urls ...string) []asset.Key {
	out := make([]asset.Key, len(urls))
	for i, u := range urls {
		out[i] = asset.URLKey(u)
	}
	return out
}

// assertSameEntries compares entries by key; decoded times carry a
// different location.
func assertSameEntries(t *testing.T, want, got []asset.Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	byKey := make(map[asset.Key]asset.Entry, len(got))
	for _, e := range got {
		byKey[e.Key] = e
	}
	for _, w := range want {
		g, ok := byKey[w.Key]
		require.True(t, ok, w.Key.String())
		assert.Equal(t, w.Priority, g.Priority)
		assert.Equal(t, w.Size, g.Size)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt))
		assert.True(t, w.LastAccessedAt.Equal(g.LastAccessedAt))
	}
}

func TestNew_invalidOpts(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(Opts{Fetcher: newCountingFetcher(), MemoryCapacity: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_duplicatesFetchedOnce(t *testing.T) {
	f := newCountingFetcher()
	s := newService(t, Opts{Fetcher: f})

	res, err := s.Schedule(context.Background(), []string{"a", "b", "a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, f.total())
	assert.ElementsMatch(t, keysOf("a", "b"), s.Resident())
	assert.EqualValues(t, 2, s.GetStats().TotalPreloaded)
}

func TestService_rescheduleCachedIsNoop(t *testing.T) {
	f := newCountingFetcher()
	s := newService(t, Opts{Fetcher: f})
	ctx := context.Background()

	_, err := s.Schedule(ctx, []string{"a"}, asset.High, ScheduleOpts{})
	require.NoError(t, err)
	before := s.GetStats().TotalPreloaded

	res, err := s.Schedule(ctx, []string{"a"}, asset.High, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, 1, f.count("a"))
	assert.Equal(t, before, s.GetStats().TotalPreloaded)
}

func TestService_fetchFailure(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher("x")})

	res, err := s.Schedule(context.Background(), []string{"x"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, s.Lookup("x"))
	assert.Empty(t, s.Entries())

	st := s.GetStats()
	assert.EqualValues(t, 0, st.TotalPreloaded)
	assert.EqualValues(t, 1, st.CacheMisses)
}

func TestService_invalidInput(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher()})
	ctx := context.Background()

	_, err := s.Schedule(ctx, nil, asset.Normal, ScheduleOpts{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Schedule(ctx, []string{"a"}, asset.Priority(9), ScheduleOpts{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.RunMaintenance(ctx, Mode(9))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_lookup(t *testing.T) {
	clk := clock.NewFake(t0)
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Clock: clk})
	_, err := s.Schedule(context.Background(), []string{"a"}, asset.Low, ScheduleOpts{})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	e, ok := s.LookupKey(asset.URLKey("a"))
	require.True(t, ok)
	assert.Equal(t, t0, e.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), e.LastAccessedAt)
	assert.Equal(t, asset.Low, e.Priority)
	assert.False(t, s.Lookup("b"))
	assert.False(t, s.Lookup(""))

	h, ok := s.Handle(asset.URLKey("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("a"), h.Data)

	st := s.GetStats()
	assert.EqualValues(t, 1, st.CacheHits)
	assert.EqualValues(t, 2, st.CacheMisses)
}

func TestService_windowCapacity(t *testing.T) {
	clk := clock.NewFake(t0)
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Clock: clk, MemoryCapacity: 2})
	ctx := context.Background()

	for _, u := range []string{"a", "b"} {
		_, err := s.Schedule(ctx, []string{u}, asset.Normal, ScheduleOpts{})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	require.True(t, s.Lookup("a"))
	clk.Advance(time.Second)

	_, err := s.Schedule(ctx, []string{"c"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, keysOf("c", "a"), s.Resident())
	assert.EqualValues(t, 1, s.GetStats().Evictions)

	// The index keeps metadata of images dropped from memory.
	assert.Len(t, s.Entries(), 3)
	assert.False(t, s.Lookup("b"))
}

func TestService_windowTiebreakWithFrozenClock(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher(), MemoryCapacity: 2})
	ctx := context.Background()

	_, err := s.Schedule(ctx, []string{"high-long-url"}, asset.High, ScheduleOpts{})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, []string{"low"}, asset.Low, ScheduleOpts{})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, []string{"n"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)

	assert.ElementsMatch(t, keysOf("high-long-url", "n"), s.Resident())
}

func TestService_touchedKeySurvivesFrozenClock(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher(), MemoryCapacity: 2})
	ctx := context.Background()

	for _, u := range []string{"a", "b"} {
		_, err := s.Schedule(ctx, []string{u}, asset.Normal, ScheduleOpts{})
		require.NoError(t, err)
	}
	require.True(t, s.Lookup("a"))
	_, err := s.Schedule(ctx, []string{"c"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)

	assert.Equal(t, keysOf("c", "a"), s.Resident())
}

func TestService_maintenanceFull(t *testing.T) {
	clk := clock.NewFake(t0)
	backend := mem_cache.NewMemCache()
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Clock: clk, Backend: backend})
	ctx := context.Background()

	_, err := s.Schedule(ctx, []string{"old"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	clk.Advance(7*24*time.Hour - time.Minute)
	_, err = s.Schedule(ctx, []string{"new"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	n, err := s.RunMaintenance(ctx, ModeFull)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.Lookup("old"))
	assert.True(t, s.Lookup("new"))

	st := s.GetStats()
	assert.EqualValues(t, 1, st.Evictions)
	assert.WithinDuration(t, clk.Now(), st.LastCleanupAt, 0)
}

func TestService_maintenanceMemoryOnly(t *testing.T) {
	clk := clock.NewFake(t0)
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Clock: clk, MemoryCapacity: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Schedule(ctx, []string{fmt.Sprint(i)}, asset.Normal, ScheduleOpts{})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	n, err := s.RunMaintenance(ctx, ModeMemoryOnly)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, keysOf("3", "2"), s.Resident())
	assert.Len(t, s.Entries(), 4)
	assert.EqualValues(t, 2, s.GetStats().Evictions)
}

func TestService_restoreRoundTrip(t *testing.T) {
	clk := clock.NewFake(t0)
	backend := mem_cache.NewMemCache()
	ctx := context.Background()

	s1, err := New(Opts{Fetcher: newCountingFetcher(), Clock: clk, Backend: backend, WavePause: -1})
	require.NoError(t, err)
	_, err = s1.Schedule(ctx, []string{"a", "b"}, asset.High, ScheduleOpts{})
	require.NoError(t, err)
	require.True(t, s1.Lookup("a"))
	require.NoError(t, s1.Close())
	want := s1.Entries()

	f := newCountingFetcher()
	s2 := newService(t, Opts{Fetcher: f, Clock: clk, Backend: backend})
	require.NoError(t, s2.Restore(ctx))
	assertSameEntries(t, want, s2.Entries())
	assert.Empty(t, s2.Resident(), "memory window starts empty")

	st := s2.GetStats()
	assert.EqualValues(t, 2, st.TotalPreloaded)
	assert.EqualValues(t, 1, st.CacheHits)

	// Known but not resident images are fetched again.
	res, err := s2.Schedule(ctx, []string{"a"}, asset.High, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.count("a"))
}

func TestService_restoreVersionMismatch(t *testing.T) {
	backend := mem_cache.NewMemCache()
	ctx := context.Background()
	blob, err := snapshot.EncodeVersion(&snapshot.Snapshot{
		Entries: []snapshot.Pair{{
			Key:   asset.URLKey("a"),
			Entry: asset.Entry{CreatedAt: t0, LastAccessedAt: t0, Priority: asset.Normal},
		}},
		Stats: asset.Stats{CacheHits: 5},
	}, snapshot.Version-1)
	require.NoError(t, err)
	require.NoError(t, backend.Save(ctx, defaultStoreKey, blob))

	s := newService(t, Opts{Fetcher: newCountingFetcher(), Backend: backend})
	err = s.Restore(ctx)
	assert.ErrorIs(t, err, ErrPersistenceRead)
	assert.ErrorIs(t, err, snapshot.ErrVersion)
	assert.Empty(t, s.Entries())
	assert.Equal(t, asset.Stats{}, s.GetStats())

	res, err := s.Schedule(ctx, []string{"a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestService_restoreMissingSnapshot(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Backend: mem_cache.NewMemCache()})
	assert.NoError(t, s.Restore(context.Background()))
	assert.Empty(t, s.Entries())
}

func TestService_restoreLoadFailureLeavesEmpty(t *testing.T) {
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Backend: unreadableBackend{}})
	ctx := context.Background()
	_, err := s.Schedule(ctx, []string{"a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)

	err = s.Restore(ctx)
	assert.ErrorIs(t, err, ErrPersistenceRead)
	assert.ErrorIs(t, err, errLoadFailed)
	assert.Empty(t, s.Entries())
	assert.Empty(t, s.Resident())
	assert.Zero(t, s.GetStats().TotalPreloaded)
}

func TestService_saveFailureIsInvisible(t *testing.T) {
	f := newCountingFetcher()
	s := newService(t, Opts{Fetcher: f, Backend: failingBackend{}})
	ctx := context.Background()

	res, err := s.Schedule(ctx, []string{"a", "b", "a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, f.total())
	assert.True(t, s.Lookup("a"))
	assert.ElementsMatch(t, keysOf("a", "b"), s.Resident())

	err = s.Flush(ctx)
	assert.ErrorIs(t, err, ErrPersistenceWrite)
	assert.ErrorIs(t, err, errSaveFailed)

	s.ClearAll(ctx)
	assert.Empty(t, s.Entries())
}

func TestService_clearAll(t *testing.T) {
	backend := mem_cache.NewMemCache()
	f := newCountingFetcher()
	s := newService(t, Opts{Fetcher: f, Backend: backend})
	ctx := context.Background()

	_, err := s.Schedule(ctx, []string{"a", "b"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 1, backend.Len())

	s.ClearAll(ctx)
	assert.Zero(t, backend.Len())
	assert.Empty(t, s.Entries())
	assert.Empty(t, s.Resident())
	assert.EqualValues(t, 2, s.GetStats().TotalPreloaded, "counters survive a clear")

	_, err = s.Schedule(ctx, []string{"a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("a"))
}

// gateClock blocks the first Now call after arm until open is closed.
type gateClock struct {
	clock.Clock
	armed   atomic.Bool
	entered chan struct{}
	open    chan struct{}
}

func (c *gateClock) Now() time.Time {
	if c.armed.CompareAndSwap(true, false) {
		close(c.entered)
		<-c.open
	}
	return c.Clock.Now()
}

func TestService_clearAllDiscardsSettlingFetch(t *testing.T) {
	clk := &gateClock{Clock: clock.NewFake(t0), entered: make(chan struct{}), open: make(chan struct{})}
	s := newService(t, Opts{Fetcher: newCountingFetcher(), Clock: clk})
	ctx := context.Background()

	clk.armed.Store(true)
	done := make(chan Result)
	go func() {
		res, _ := s.Schedule(ctx, []string{"x"}, asset.Normal, ScheduleOpts{})
		done <- res
	}()

	// The fetch has succeeded and is about to be stored.
	<-clk.entered
	s.ClearAll(ctx)
	close(clk.open)

	assert.Equal(t, Result{Failed: 1}, <-done)
	assert.Empty(t, s.Resident())
	assert.Empty(t, s.Entries())
	assert.Zero(t, s.GetStats().TotalPreloaded)

	res, err := s.Schedule(ctx, []string{"x"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1}, res)
}

func TestService_fetchOnMiss(t *testing.T) {
	f := newCountingFetcher()
	s := newService(t, Opts{Fetcher: f, FetchOnMiss: true})

	assert.False(t, s.Lookup("a"))
	assert.Eventually(t, func() bool {
		_, ok := s.Handle(asset.URLKey("a"))
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Lookup("a"))
	assert.Equal(t, 1, f.count("a"))
}

func TestService_closeFlushes(t *testing.T) {
	backend := mem_cache.NewMemCache()
	s, err := New(Opts{Fetcher: newCountingFetcher(), Backend: backend, Clock: clock.NewFake(t0), WavePause: -1})
	require.NoError(t, err)
	s.Start()

	_, err = s.Schedule(context.Background(), []string{"a"}, asset.Normal, ScheduleOpts{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	blob, ok, err := backend.Load(context.Background(), defaultStoreKey)
	require.NoError(t, err)
	require.True(t, ok)
	snap, err := snapshot.Decode(blob)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, asset.URLKey("a"), snap.Entries[0].Key)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("memory")
	require.NoError(t, err)
	assert.Equal(t, ModeMemoryOnly, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)
	_, err = ParseMode("everything")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
