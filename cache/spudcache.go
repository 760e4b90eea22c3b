package cache

import (
	"sync"
	"time"
)

// spudcache is a plain map cache. Unlike bigcache it honours per-entry
// expiry exactly and needs no background cleaner.
type spudcache struct {
	cache      map[string]Entry
	config     CacheConfig
	cacheMutex sync.RWMutex
}

func newSpudcache(config CacheConfig) *spudcache {
	return &spudcache{
		cache:  map[string]Entry{},
		config: config,
	}
}

func (c *spudcache) CacheReply(key string, entry Entry) error {
	if entry.Reply == "" {
		return nil
	}

	if entry.Expires.IsZero() {
		entry.Expires = time.Now().Add(c.config.TTL)
	}

	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	c.cache[key] = entry

	return nil
}

func (c *spudcache) GetReply(key string) (*Entry, error) {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	entry, ok := c.cache[key]
	if !ok {
		c.config.Metrics.ObserveCacheLookup(lookupMiss)
		return nil, nil
	}

	if entry.Expired(time.Now()) {
		delete(c.cache, key)
		c.config.Metrics.ObserveCacheLookup(lookupExpired)
		return nil, nil
	}

	c.config.Metrics.ObserveCacheLookup(lookupHit)
	entry.RequestCount++
	c.cache[key] = entry

	return &entry, nil
}

func (c *spudcache) Persist(path string) error {
	c.cacheMutex.RLock()
	entries := make(map[string]Entry, len(c.cache))
	now := time.Now()
	for key, entry := range c.cache {
		if !entry.Expired(now) {
			entries[key] = entry
		}
	}
	c.cacheMutex.RUnlock()

	return writeSnapshot(path, entries)
}

func (c *spudcache) Load(path string) error {
	entries, err := readSnapshot(path)
	if err != nil {
		return err
	}

	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	for key, entry := range entries {
		c.cache[key] = entry
	}

	return nil
}
