// Package dedup provides the bounded key set the bus uses to suppress
// duplicate messages. It remembers dedup keys, never message content, and
// holds at most a fixed number of keys: inserting past capacity evicts the
// least-recently-touched key. Nothing survives a process restart.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the retention window when no capacity is configured.
const DefaultCapacity = 10000

// Cache is a goroutine-safe LRU set of dedup keys.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, struct{}]
}

// New creates a cache holding at most capacity keys. Non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only errors on non-positive size, which is excluded above.
	l, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: l}
}

// TryAdd records key if it has not been seen within the retention window.
// Returns true when the key was absent and is now recorded; false when the
// key was already present, in which case its recency is refreshed and the
// caller must suppress the message.
//
// The check and the insert happen under one lock so two goroutines racing
// on the same key cannot both be told the key was absent.
func (c *Cache) TryAdd(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.lru.Get(key); seen {
		return false
	}
	c.lru.Add(key, struct{}{})
	return true
}

// Len reports the number of keys currently retained.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge forgets every key.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
