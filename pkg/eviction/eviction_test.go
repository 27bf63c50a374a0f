package eviction

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/imgcache/pkg/asset"
)

var now = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func entry(url string, p asset.Priority, age time.Duration) asset.Entry {
	at := now.Add(-age)
	return asset.Entry{Key: asset.URLKey(url), CreatedAt: at, LastAccessedAt: at, Priority: p}
}

func TestPlan_maxAgeBoundary(t *testing.T) {
	p := DefaultPolicy()
	entries := []asset.Entry{
		entry("younger", asset.High, p.MaxAge-time.Nanosecond),
		entry("exact", asset.High, p.MaxAge),
		entry("older", asset.High, p.MaxAge+time.Nanosecond),
		entry("younger-s", asset.Normal, p.MaxAge-time.Second),
		entry("older-s", asset.Normal, p.MaxAge+time.Second),
	}
	victims := p.Plan(entries, now)
	require.Len(t, victims, 2)
	assert.Equal(t, []asset.Key{asset.URLKey("older"), asset.URLKey("older-s")}, Keys(victims))
	for _, v := range victims {
		assert.Equal(t, ReasonAge, v.Reason)
	}
}

func TestPlan_lowPriorityStaleness(t *testing.T) {
	// MaxAge disabled so only the staleness rule applies.
	p := Policy{LowPriorityMaxAge: 30 * 24 * time.Hour}
	victims := p.Plan([]asset.Entry{
		entry("low-old", asset.Low, 31*24*time.Hour),
		entry("low-young", asset.Low, 29*24*time.Hour),
		entry("normal-old", asset.Normal, 90*24*time.Hour),
	}, now)
	require.Len(t, victims, 1)
	assert.Equal(t, asset.URLKey("low-old"), victims[0].Key)
	assert.Equal(t, ReasonStale, victims[0].Reason)
}

func TestPlan_stalenessCappedByMaxAge(t *testing.T) {
	p := Policy{MaxAge: 10 * 24 * time.Hour, LowPriorityMaxAge: 30 * 24 * time.Hour}
	assert.Equal(t, 10*24*time.Hour, p.staleness(asset.Low))
	assert.Zero(t, p.staleness(asset.High))

	p = Policy{MaxAge: 60 * 24 * time.Hour}
	assert.Equal(t, 30*24*time.Hour, p.staleness(asset.Low), "priority table default")

	victims := p.Plan([]asset.Entry{
		entry("low", asset.Low, 40*24*time.Hour),
		entry("normal", asset.Normal, 40*24*time.Hour),
	}, now)
	assert.Equal(t, []asset.Key{asset.URLKey("low")}, Keys(victims))
}

func TestPlan_countCap(t *testing.T) {
	p := Policy{MaxEntries: 3}
	var entries []asset.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(fmt.Sprint(i), asset.Normal, time.Duration(i)*time.Minute))
	}
	victims := p.Plan(entries, now)
	require.Len(t, victims, 3)
	// the three least recently accessed, oldest first
	assert.Equal(t, []asset.Key{asset.URLKey("5"), asset.URLKey("4"), asset.URLKey("3")}, Keys(victims))
	for _, v := range victims {
		assert.Equal(t, ReasonCount, v.Reason)
	}
}

func TestPlan_countCapAfterAge(t *testing.T) {
	p := Policy{MaxAge: time.Hour, MaxEntries: 2}
	victims := p.Plan([]asset.Entry{
		entry("expired", asset.High, 2*time.Hour),
		entry("a", asset.High, 3*time.Minute),
		entry("b", asset.High, 2*time.Minute),
		entry("c", asset.High, time.Minute),
	}, now)
	assert.Equal(t, []asset.Key{asset.URLKey("expired"), asset.URLKey("a")}, Keys(victims))
}

func TestPlan_countTiebreak(t *testing.T) {
	p := Policy{MaxEntries: 1}
	a := entry("a", asset.High, time.Minute)
	b := entry("b", asset.Low, time.Minute)
	c := entry("c", asset.Low, time.Minute)
	c.Size = 10
	victims := p.Plan([]asset.Entry{a, c, b}, now)
	assert.Equal(t, []asset.Key{asset.URLKey("b"), asset.URLKey("c")}, Keys(victims))
}

func TestPlan_nothingToDo(t *testing.T) {
	p := DefaultPolicy()
	assert.Empty(t, p.Plan(nil, now))
	assert.Empty(t, p.Plan([]asset.Entry{entry("a", asset.Low, time.Hour)}, now))
}

func TestExpired(t *testing.T) {
	p := DefaultPolicy()
	p.MaxEntries = 1
	keys := p.Expired([]asset.Entry{
		entry("fresh", asset.Normal, time.Hour),
		entry("fresh2", asset.Normal, time.Hour),
		entry("old", asset.Normal, 8*24*time.Hour),
	}, now)
	assert.Equal(t, []asset.Key{asset.URLKey("old")}, keys)
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "age", ReasonAge.String())
	assert.Equal(t, "stale", ReasonStale.String())
	assert.Equal(t, "count", ReasonCount.String())
	assert.Equal(t, "unknown", Reason(9).String())
}
