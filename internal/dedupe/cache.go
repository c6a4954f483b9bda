// ABOUTME: TTL-bounded cache of recently seen message ids.
// ABOUTME: Clients use it to collapse duplicate deliveries from multi-homed fan-out.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers message ids for a TTL window, bounded in size. Insertion
// order is kept in a linked list so capacity eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest id at front
	ttl     time.Duration
	maxSize int

	done   chan struct{}
	closed bool
}

// New creates a cache that forgets ids after ttl and holds at most maxSize
// entries. A background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen atomically records the id and reports whether it was already present
// within the TTL window. The check and the mark happen under one lock, so
// two connections delivering the same message race to exactly one false.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[id]; ok && time.Since(e.seenAt) < c.ttl {
		e.seenAt = time.Now()
		c.order.MoveToBack(e.elem)
		return true
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.ids[id] = &entry{seenAt: time.Now(), elem: c.order.PushBack(id)}
	return false
}

// Len returns the number of remembered ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
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

// sweep drops every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.ids {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.ids, id)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
