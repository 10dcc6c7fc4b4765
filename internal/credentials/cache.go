// ABOUTME: In-memory plaintext cache for credential values keyed by credential ID
// ABOUTME: Kept until expiry by default; an optional size bound evicts oldest first

package credentials

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a plaintext value and its position in insertion order.
type cacheEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
	element   *list.Element
}

// secretCache holds plaintext values. It is never persisted. A maxSize of
// zero or less disables eviction.
type secretCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // credential IDs, oldest at front
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

func newSecretCache(maxSize int, sweep time.Duration, now func() time.Time) *secretCache {
	c := &secretCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	if sweep > 0 {
		go c.cleanup(sweep)
	}
	return c
}

// put stores value for id, replacing any previous value.
func (c *secretCache) put(id, value string, expiresAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if expiresAt != nil {
		exp = *expiresAt
	}

	if entry, ok := c.entries[id]; ok {
		entry.value = value
		entry.expiresAt = exp
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.entries[id] = &cacheEntry{value: value, expiresAt: exp, element: elem}
}

// get returns the plaintext for id if present and unexpired.
func (c *secretCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.removeLocked(id, entry)
		return "", false
	}
	return entry.value, true
}

// remove evicts id.
func (c *secretCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		c.removeLocked(id, entry)
	}
}

func (c *secretCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked deletes an entry. Must hold mu.
func (c *secretCache) removeLocked(id string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, id)
}

// evictOldest removes the oldest entry. Must hold mu.
func (c *secretCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, id)
}

func (c *secretCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired entries.
func (c *secretCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, entry := range c.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			c.removeLocked(id, entry)
			n++
		}
	}
	return n
}

// close stops the sweeper and drops every plaintext. Safe to call twice.
func (c *secretCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	c.entries = make(map[string]*cacheEntry)
	c.order.Init()
}
