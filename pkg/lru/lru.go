// Package lru implements the memory window: a bounded, recency ordered
// set of resident entries.
//
// Recency is a timestamp supplied by the caller. When several elements
// share the oldest timestamp the victim is chosen by the Tiebreak
// function and then by use order, so eviction is deterministic even
// with a coarse or frozen clock.
package lru

import (
	"fmt"
	"time"

	"github.com/pmkol/imgcache/pkg/list"
)

// Tiebreak returns a negative number when a should be evicted before b.
type Tiebreak[V any] func(a, b V) int

type LRU[K comparable, V any] struct {
	maxSize  int
	onEvict  func(key K, v V)
	tiebreak Tiebreak[V]
	seq      uint64

	l *list.List[kv[K, V]]
	m map[K]*list.Elem[kv[K, V]]
}

type kv[K comparable, V any] struct {
	key K
	v   V
	at  time.Time
	seq uint64 // bumped on every Add and touch
}

// NewLRU returns a window holding at most maxSize elements.
// onEvict is called for elements dropped because the window is full or
// truncated, not for explicit Del. Both onEvict and tiebreak may be nil.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V), tiebreak Tiebreak[V]) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize:  maxSize,
		onEvict:  onEvict,
		tiebreak: tiebreak,
		l:        list.New[kv[K, V]](),
		m:        make(map[K]*list.Elem[kv[K, V]], maxSize),
	}
}

// Add inserts or updates key and marks it most recently used at now.
// It returns the keys evicted to make room.
func (q *LRU[K, V]) Add(key K, v V, now time.Time) (evicted []K) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.touchElem(e, now)
		return nil
	}

	for q.l.Len() >= q.maxSize {
		k, _ := q.evictOne()
		evicted = append(evicted, k)
	}

	q.seq++
	e := list.NewElem(kv[K, V]{key: key, v: v, at: now, seq: q.seq})
	q.m[key] = e
	q.l.PushBack(e)
	return evicted
}

// Touch marks key most recently used. It reports whether key is present.
func (q *LRU[K, V]) Touch(key K, now time.Time) bool {
	e, ok := q.m[key]
	if !ok {
		return false
	}
	q.touchElem(e, now)
	return true
}

// Get is Touch that also returns the value.
func (q *LRU[K, V]) Get(key K, now time.Time) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.touchElem(e, now)
	return e.Value.v, true
}

// Peek returns the value without changing recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Contains(key K) bool {
	_, ok := q.m[key]
	return ok
}

// Del removes key without calling onEvict.
func (q *LRU[K, V]) Del(key K) (v V, ok bool) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.l.PopElem(e)
	delete(q.m, key)
	return e.Value.v, true
}

// Truncate evicts elements until at most n remain and returns their keys.
func (q *LRU[K, V]) Truncate(n int) (evicted []K) {
	if n < 0 {
		n = 0
	}
	for q.l.Len() > n {
		k, _ := q.evictOne()
		evicted = append(evicted, k)
	}
	return evicted
}

// Clean removes every element for which f returns true. onEvict is not called.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.l.PopElem(e)
			delete(q.m, e.Value.key)
			removed++
		}
		e = next
	}
	return
}

// Keys returns keys from most to least recently used.
func (q *LRU[K, V]) Keys() []K {
	out := make([]K, 0, q.l.Len())
	for e := q.l.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.key)
	}
	return out
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) Cap() int {
	return q.maxSize
}

// Reset drops everything without calling onEvict.
func (q *LRU[K, V]) Reset() {
	q.l.Reset()
	clear(q.m)
}

// touchElem moves e to the back. List position, not the timestamp, is
// the recency order; timestamps only group ties at the front.
func (q *LRU[K, V]) touchElem(e *list.Elem[kv[K, V]], now time.Time) {
	q.seq++
	e.Value.at = now
	e.Value.seq = q.seq
	q.l.MoveToBack(e)
}

// victim returns the element to evict: among the front run sharing the
// oldest timestamp, the one the tiebreak ranks first, then the least
// recently used.
func (q *LRU[K, V]) victim() *list.Elem[kv[K, V]] {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	best := front
	for e := front.Next(); e != nil && e.Value.at.Equal(front.Value.at); e = e.Next() {
		if q.before(e, best) {
			best = e
		}
	}
	return best
}

func (q *LRU[K, V]) before(a, b *list.Elem[kv[K, V]]) bool {
	if q.tiebreak != nil {
		if c := q.tiebreak(a.Value.v, b.Value.v); c != 0 {
			return c < 0
		}
	}
	return a.Value.seq < b.Value.seq
}

func (q *LRU[K, V]) evictOne() (key K, ok bool) {
	e := q.victim()
	if e == nil {
		return
	}
	q.l.PopElem(e)
	delete(q.m, e.Value.key)
	if q.onEvict != nil {
		q.onEvict(e.Value.key, e.Value.v)
	}
	return e.Value.key, true
}
