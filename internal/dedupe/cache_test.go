// ABOUTME: Tests for the dedupe window used to drop replayed downstream events.
// ABOUTME: Validates TTL expiry, size-bounded eviction, sweeping, and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestCache_FirstSightingIsNew(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.Seen("evt-1"))
	assert.True(t, c.Seen("evt-1"))
	assert.False(t, c.Seen("evt-2"))
}

func TestCache_ExpiredKeyIsNewAgain(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("evt-1")
	clock.Advance(2 * time.Minute)

	assert.False(t, c.Seen("evt-1"))
	assert.True(t, c.Seen("evt-1"))
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)
	defer c.Close()

	for i := range 3 {
		c.Seen(fmt.Sprintf("evt-%d", i))
		clock.Advance(time.Second)
	}
	c.Seen("evt-3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("evt-0"), "oldest key should have been evicted")
}

func TestCache_SweepStopsAtFirstLiveEntry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)
	defer c.Close()

	c.Seen("old-1")
	c.Seen("old-2")
	clock.Advance(90 * time.Second)
	c.Seen("fresh")

	c.sweep()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("fresh"))
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentSeenReportsOneWinner(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same-key") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}
