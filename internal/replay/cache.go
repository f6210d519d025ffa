// Package replay enforces message freshness and single use.
//
// Every accepted nonce is remembered per sender in a bounded FIFO window; a
// nonce already in the window is a replay. Timestamps outside the tolerance
// are refused before the cache is consulted, so a replay must land inside
// both the time window and the nonce window to be detected here. The
// UNIQUE(agent_id, nonce) constraint in the event store catches anything
// that falls out of the cache.
package replay

import (
	"container/list"
	"sync"
)

// DefaultCacheSize is the number of nonces remembered per sender
const DefaultCacheSize = 1000

// Cache is a per-sender bounded set of recently seen nonces
type Cache struct {
	capacity int

	mu      sync.RWMutex
	senders map[string]*senderNonces
}

// senderNonces is the nonce window of a single sender
type senderNonces struct {
	mu    sync.Mutex
	set   map[string]*list.Element
	order *list.List // oldest at the front
}

// NewCache creates a nonce cache holding up to capacity nonces per sender
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		senders:  make(map[string]*senderNonces),
	}
}

// Capacity returns the per-sender window size
func (c *Cache) Capacity() int {
	return c.capacity
}

// entry returns the window for sender, creating it on first use
func (c *Cache) entry(sender string) *senderNonces {
	c.mu.RLock()
	e, ok := c.senders[sender]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.senders[sender]; ok {
		return e
	}
	e = &senderNonces{
		set:   make(map[string]*list.Element),
		order: list.New(),
	}
	c.senders[sender] = e
	return e
}

// Seen reports whether nonce is in sender's window
func (c *Cache) Seen(sender, nonce string) bool {
	c.mu.RLock()
	e, ok := c.senders[sender]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, seen := e.set[nonce]
	return seen
}

// Record adds nonce to sender's window. Recording a nonce that is already
// present does not move it.
func (c *Cache) Record(sender, nonce string) {
	e := c.entry(sender)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addLocked(nonce, c.capacity)
}

// CheckAndRecord records nonce and returns true if it was not already in
// sender's window. The check and insert are a single step, so two
// concurrent callers with the same nonce cannot both succeed.
func (c *Cache) CheckAndRecord(sender, nonce string) bool {
	e := c.entry(sender)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.set[nonce]; seen {
		return false
	}
	e.addLocked(nonce, c.capacity)
	return true
}

// Warm seeds sender's window with persisted nonces, oldest first
func (c *Cache) Warm(sender string, nonces []string) {
	if len(nonces) == 0 {
		return
	}
	e := c.entry(sender)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range nonces {
		e.addLocked(n, c.capacity)
	}
}

// Len returns the number of nonces currently held for sender
func (c *Cache) Len(sender string) int {
	c.mu.RLock()
	e, ok := c.senders[sender]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}

// Senders returns the number of senders with a window
func (c *Cache) Senders() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.senders)
}

// addLocked must be called with e.mu held
func (e *senderNonces) addLocked(nonce string, capacity int) {
	if _, ok := e.set[nonce]; ok {
		return
	}
	for e.order.Len() >= capacity {
		oldest := e.order.Front()
		delete(e.set, oldest.Value.(string))
		e.order.Remove(oldest)
	}
	e.set[nonce] = e.order.PushBack(nonce)
}
