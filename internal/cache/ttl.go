package cache

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
	epoch   uint64
}

// TTL 是带过期时间与代际失效的并发安全缓存。Invalidate 递增代际，
// 之前写入的条目随即全部失效。
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	epoch   uint64
	entries map[string]ttlEntry[V]
}

// NewTTL 创建缓存，ttl 非正数时缓存永不命中。
func NewTTL[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	o := buildOptions(opts)
	return &TTL[V]{ttl: ttl, now: o.now, entries: make(map[string]ttlEntry[V])}
}

// Get 返回未过期且属于当前代际的条目。
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	if c.ttl <= 0 {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if entry.epoch != c.epoch || !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return zero, false
	}
	return entry.value, true
}

// Set 写入条目。
func (c *TTL[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl), epoch: c.epoch}
	c.mu.Unlock()
}

// Invalidate 让当前所有条目失效并返回新的代际。
func (c *TTL[V]) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries = make(map[string]ttlEntry[V])
	return c.epoch
}

// Epoch 返回当前代际。
func (c *TTL[V]) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Len 返回缓存中的条目数（包含尚未清理的过期条目）。
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
