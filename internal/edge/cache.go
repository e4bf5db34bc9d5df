package edge

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheShards = 16

// Target is the routable deployment of a project.
type Target struct {
	ProjectID    string
	SubDomain    string
	DeploymentID string
}

// Cache maps subdomains to targets for a bounded time. Concurrent misses for one key
// share a single fill; keys live in independently locked shards.
type Cache struct {
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time
	group       singleflight.Group
	shards      [cacheShards]cacheShard
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	gens    map[string]uint64
	// fills counts Get calls waiting on a fill per key.
	fills map[string]int
}

type cacheEntry struct {
	target  Target
	err     error
	expires time.Time
}

// NewCache returns a cache. A non-positive ttl disables caching; negativeTTL
// bounds how long lookup misses (unknown project, nothing READY) are remembered.
func NewCache(ttl, negativeTTL time.Duration) *Cache {
	c := &Cache{ttl: ttl, negativeTTL: negativeTTL, now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]cacheEntry)
		c.shards[i].gens = make(map[string]uint64)
		c.shards[i].fills = make(map[string]int)
	}
	return c
}

func (c *Cache) shard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%cacheShards]
}

// Get returns the cached target for key or calls fill once per concurrent miss.
func (c *Cache) Get(ctx context.Context, key string, fill func(context.Context) (Target, error)) (Target, bool, error) {
	if c == nil || c.ttl <= 0 {
		t, err := fill(ctx)
		return t, false, err
	}
	s := c.shard(key)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && c.now().Before(e.expires) {
		s.mu.Unlock()
		return e.target, true, e.err
	}
	gen := s.gens[key]
	s.fills[key]++
	s.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		t, err := fill(context.WithoutCancel(ctx))
		c.store(key, gen, t, err)
		return t, err
	})
	s.mu.Lock()
	if s.fills[key]--; s.fills[key] <= 0 {
		delete(s.fills, key)
	}
	s.mu.Unlock()
	t, _ := v.(Target)
	return t, false, err
}

func (c *Cache) store(key string, gen uint64, t Target, err error) {
	ttl := c.ttl
	if err != nil {
		if !errors.Is(err, ErrProjectNotFound) && !errors.Is(err, ErrNoReadyDeployment) {
			return
		}
		ttl = c.negativeTTL
	}
	if ttl <= 0 {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[key] != gen {
		// invalidated while the fill was running
		return
	}
	s.entries[key] = cacheEntry{target: t, err: err, expires: c.now().Add(ttl)}
}

// Invalidate drops key so the next request performs a fresh lookup.
func (c *Cache) Invalidate(key string) {
	if c == nil {
		return
	}
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.gens[key]++
	s.mu.Unlock()
	c.group.Forget(key)
}

// InvalidateAll drops every entry, as after a gap in invalidation notices.
func (c *Cache) InvalidateAll() {
	if c == nil {
		return
	}
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k := range s.entries {
			s.gens[k]++
			delete(s.entries, k)
		}
		for k := range s.fills {
			s.gens[k]++
			c.group.Forget(k)
		}
		s.mu.Unlock()
	}
}

// Len reports the number of cached entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes expired entries and the generations of keys with nothing cached
// or filling.
func (c *Cache) Sweep() {
	now := c.now()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expires) {
				delete(s.entries, k)
			}
		}
		for k := range s.gens {
			_, cached := s.entries[k]
			if !cached && s.fills[k] == 0 {
				delete(s.gens, k)
			}
		}
		s.mu.Unlock()
	}
}

// RunSweeper sweeps on interval until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
