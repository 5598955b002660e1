// ABOUTME: Thread-safe TTL window of recently seen keys.
// ABOUTME: Used by the upstream link to drop replayed downstream events.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// the oldest key is forgotten first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	byAge   *list.List // *entry values, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop    chan struct{}
	stopped bool
}

// New creates a Cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		byAge:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen records key and reports whether it was already present and unexpired.
// Check and record happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: refresh in place
		e.seenAt = now
		c.byAge.MoveToBack(el)
		return false
	}

	for len(c.index) >= c.maxSize {
		c.dropOldestLocked()
	}
	c.index[key] = c.byAge.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) dropOldestLocked() {
	front := c.byAge.Front()
	if front == nil {
		return
	}
	c.byAge.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

// sweep forgets expired keys. Entries are ordered by age, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.byAge.Front(); el != nil; el = c.byAge.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.dropOldestLocked()
	}
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		close(c.stop)
		c.stopped = true
	}
}
