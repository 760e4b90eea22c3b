package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thenaterhood/dnschat/metrics"
)

const (
	BackendBigcache = "bigcache"
	BackendMap      = "map"
	DefaultTTL      = 5 * time.Minute

	lookupHit     = "hit"
	lookupMiss    = "miss"
	lookupExpired = "expired"
)

type CacheConfig struct {
	Enable bool
	// Backend is "bigcache" (default) or "map".
	Backend string
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics metrics.MetricsInterface
}

// Entry is a cached reply.
type Entry struct {
	Reply        string    `json:"reply"`
	Method       string    `json:"method"`
	Expires      time.Time `json:"expires"`
	RequestCount int       `json:"request_count"`
}

func (e Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && e.Expires.Before(now)
}

// Cache stores replies by query key. GetReply returns nil, nil on a miss.
type Cache interface {
	CacheReply(key string, entry Entry) error
	GetReply(key string) (*Entry, error)
	Persist(path string) error
	Load(path string) error
}

func GetCache(config CacheConfig) (Cache, error) {
	if !config.Enable {
		return &DummyCache{}, nil
	}

	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DummyMetrics{}
	}

	switch config.Backend {
	case "", BackendBigcache:
		cache, err := newInMemoryCache(config)
		if err != nil {
			return &DummyCache{}, err
		}
		return cache, nil
	case BackendMap:
		return newSpudcache(config), nil
	}

	return &DummyCache{}, fmt.Errorf("unknown cache backend %q", config.Backend)
}

func marshalEntry(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// writeSnapshot writes entries to path, replacing it atomically.
func writeSnapshot(path string, entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dnschat-cache-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// readSnapshot returns the unexpired entries stored at path. A missing
// file is an empty snapshot.
func readSnapshot(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt cache file %s: %w", path, err)
	}

	now := time.Now()
	for key, entry := range entries {
		if entry.Expired(now) {
			delete(entries, key)
		}
	}

	return entries, nil
}
