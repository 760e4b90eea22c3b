package daemon

import (
	"context"
	"time"

	"github.com/thenaterhood/dnschat/app"
)

const DefaultPersistInterval = 30 * time.Second

// PersistentCache keeps the reply cache on disk between runs.
type PersistentCache struct {
	config   app.AppConfig
	state    *app.AppState
	interval time.Duration
}

func NewPersistentCache(config app.AppConfig, state *app.AppState) *PersistentCache {
	return &PersistentCache{
		config:   config,
		state:    state,
		interval: DefaultPersistInterval,
	}
}

// Start loads the cache file, then persists the cache every interval.
// The returned function stops the loop and writes the cache a final
// time before returning.
func (c *PersistentCache) Start() context.CancelFunc {
	if c.config.PersistentCacheFile == "" {
		return func() {}
	}

	if err := c.state.Cache.Load(c.config.PersistentCacheFile); err != nil {
		c.state.Log.Warn("failed to load cache", "path", c.config.PersistentCacheFile, "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		c.state.Log.Debug("persistent cache started", "path", c.config.PersistentCacheFile)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.persist()
				c.state.Log.Debug("persistent cache stopped")
				return
			case <-ticker.C:
				c.persist()
			}
		}
	}()

	return func() {
		cancel()
		<-stopped
	}
}

func (c *PersistentCache) persist() {
	c.state.Log.Debug("persisting cache to disk", "path", c.config.PersistentCacheFile)
	if err := c.state.Cache.Persist(c.config.PersistentCacheFile); err != nil {
		c.state.Log.Warn("failed to persist cache", "path", c.config.PersistentCacheFile, "err", err)
	}
}
