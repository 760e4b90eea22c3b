package cache

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

type inMemoryCache struct {
	cache  *bigcache.BigCache
	config CacheConfig
}

func newInMemoryCache(config CacheConfig) (*inMemoryCache, error) {
	bigConfig := bigcache.DefaultConfig(config.TTL)
	bigConfig.Verbose = false

	cache, err := bigcache.New(context.Background(), bigConfig)
	if err != nil {
		return nil, err
	}

	return &inMemoryCache{cache: cache, config: config}, nil
}

func (c *inMemoryCache) CacheReply(key string, entry Entry) error {
	if entry.Reply == "" {
		return nil
	}

	if entry.Expires.IsZero() {
		entry.Expires = time.Now().Add(c.config.TTL)
	}

	value, err := marshalEntry(entry)
	if err != nil {
		return err
	}

	return c.cache.Set(key, value)
}

func (c *inMemoryCache) GetReply(key string) (*Entry, error) {
	raw, err := c.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		c.config.Metrics.ObserveCacheLookup(lookupMiss)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry, err := unmarshalEntry(raw)
	if err != nil {
		return nil, err
	}

	if entry.Expired(time.Now()) {
		_ = c.cache.Delete(key)
		c.config.Metrics.ObserveCacheLookup(lookupExpired)
		return nil, nil
	}

	c.config.Metrics.ObserveCacheLookup(lookupHit)
	entry.RequestCount++
	if marshalled, err := marshalEntry(*entry); err == nil {
		_ = c.cache.Set(key, marshalled)
	}

	c.config.Logger.Debug("reply served from cache", "key", key, "requests", entry.RequestCount)
	return entry, nil
}

func (c *inMemoryCache) Persist(path string) error {
	entries := map[string]Entry{}
	now := time.Now()

	it := c.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		entry, err := unmarshalEntry(info.Value())
		if err != nil || entry.Expired(now) {
			continue
		}
		entries[info.Key()] = *entry
	}

	return writeSnapshot(path, entries)
}

func (c *inMemoryCache) Load(path string) error {
	entries, err := readSnapshot(path)
	if err != nil {
		return err
	}

	for key, entry := range entries {
		if err := c.CacheReply(key, entry); err != nil {
			return err
		}
	}

	c.config.Logger.Debug("loaded cached replies", "path", path, "count", len(entries))
	return nil
}
