// Package eviction decides which index entries to drop.
//
// A full pass applies, in order:
//
//  1. age: entries unaccessed for longer than MaxAge
//  2. staleness: entries unaccessed for longer than their priority's
//     staleness bound, capped at MaxAge
//  3. count: oldest entries by LastAccessedAt until at most MaxEntries remain
//
// Age comparisons are strict: an entry aged exactly MaxAge is kept.
package eviction

import (
	"cmp"
	"slices"
	"time"

	"github.com/pmkol/imgcache/pkg/asset"
)

const (
	DefaultMaxAge            = 7 * 24 * time.Hour
	DefaultLowPriorityMaxAge = 30 * 24 * time.Hour
	DefaultMaxEntries        = 1000
)

// Reason tells why an entry was chosen.
type Reason uint8

const (
	ReasonAge Reason = iota
	ReasonStale
	ReasonCount
)

func (r Reason) String() string {
	switch r {
	case ReasonAge:
		return "age"
	case ReasonStale:
		return "stale"
	case ReasonCount:
		return "count"
	}
	return "unknown"
}

type Victim struct {
	Key    asset.Key
	Reason Reason
}

type Policy struct {
	// MaxAge <= 0 disables the age rule.
	MaxAge time.Duration
	// LowPriorityMaxAge overrides the low priority staleness bound.
	// <= 0 uses the priority table.
	LowPriorityMaxAge time.Duration
	// MaxEntries <= 0 disables the count rule.
	MaxEntries int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAge:            DefaultMaxAge,
		LowPriorityMaxAge: DefaultLowPriorityMaxAge,
		MaxEntries:        DefaultMaxEntries,
	}
}

// staleness returns the bound for p, or 0 if p has none.
// When both the priority bound and MaxAge apply the smaller one wins.
func (p *Policy) staleness(prio asset.Priority) time.Duration {
	bound := prio.Params().Staleness
	if prio == asset.Low && p.LowPriorityMaxAge > 0 {
		bound = p.LowPriorityMaxAge
	}
	if bound > 0 && p.MaxAge > 0 && p.MaxAge < bound {
		bound = p.MaxAge
	}
	return bound
}

// Plan returns the entries to evict at now, in the order the rules
// selected them. entries is not modified.
func (p *Policy) Plan(entries []asset.Entry, now time.Time) []Victim {
	var victims []Victim
	survivors := make([]asset.Entry, 0, len(entries))

	for _, e := range entries {
		age := e.Age(now)
		switch {
		case p.MaxAge > 0 && age > p.MaxAge:
			victims = append(victims, Victim{Key: e.Key, Reason: ReasonAge})
		case p.isStale(e, age):
			victims = append(victims, Victim{Key: e.Key, Reason: ReasonStale})
		default:
			survivors = append(survivors, e)
		}
	}

	if p.MaxEntries > 0 && len(survivors) > p.MaxEntries {
		slices.SortFunc(survivors, oldestFirst)
		for _, e := range survivors[:len(survivors)-p.MaxEntries] {
			victims = append(victims, Victim{Key: e.Key, Reason: ReasonCount})
		}
	}
	return victims
}

func (p *Policy) isStale(e asset.Entry, age time.Duration) bool {
	if !e.Priority.Valid() {
		return false
	}
	bound := p.staleness(e.Priority)
	return bound > 0 && age > bound
}

// oldestFirst orders by LastAccessedAt, then lower priority, then
// smaller size, then key.
func oldestFirst(a, b asset.Entry) int {
	if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Size, b.Size); c != 0 {
		return c
	}
	switch {
	case a.Key.Less(b.Key):
		return -1
	case b.Key.Less(a.Key):
		return 1
	}
	return 0
}

// Keys flattens victims.
func Keys(victims []Victim) []asset.Key {
	out := make([]asset.Key, len(victims))
	for i, v := range victims {
		out[i] = v.Key
	}
	return out
}

// Expired returns the keys among entries that the age and staleness
// rules would remove, without applying the count rule. The memory-only
// maintenance pass uses it to release resident bytes of entries a full
// pass is about to drop anyway.
func (p *Policy) Expired(entries []asset.Entry, now time.Time) []asset.Key {
	var out []asset.Key
	for _, e := range entries {
		age := e.Age(now)
		if (p.MaxAge > 0 && age > p.MaxAge) || p.isStale(e, age) {
			out = append(out, e.Key)
		}
	}
	return out
}
