package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// BucketedCache is a sharded, in-process TTL cache: the same lazy-expiry and
// periodic-sweep design as MemoryCache, spread over a fixed number of
// independently-locked shards so that one hot key's writer doesn't block
// reads for every other key sharing a single mutex.
//
// Use this instead of MemoryCache when the gateway expects enough concurrent
// cache traffic that a single RWMutex would become a bottleneck (large
// router fleets, high-QPS UnifiedApi traffic).
type BucketedCache struct {
	shards []*memShard
	done   chan struct{}
}

type memShard struct {
	mu    sync.RWMutex
	items map[string]memItem
}

// NewBucketedCache creates a BucketedCache with the given shard count and
// starts its background cleanup loop. shardCount <= 0 defaults to 16.
func NewBucketedCache(ctx context.Context, shardCount int) *BucketedCache {
	if shardCount <= 0 {
		shardCount = 16
	}
	c := &BucketedCache{
		shards: make([]*memShard, shardCount),
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &memShard{items: make(map[string]memItem)}
	}
	go c.cleanup(ctx)
	return c
}

func (c *BucketedCache) shardFor(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get implements Cache.
func (c *BucketedCache) Get(_ context.Context, key string) ([]byte, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set implements Cache.
func (c *BucketedCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *BucketedCache) Delete(_ context.Context, key string) error {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the total number of entries across all shards (including
// entries that may have expired but not yet been swept).
func (c *BucketedCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the background cleanup goroutine.
func (c *BucketedCache) Close() {
	close(c.done)
}

func (c *BucketedCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *BucketedCache) evictExpired() {
	now := time.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if now.After(v.expiresAt) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}
