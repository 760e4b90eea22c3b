package daemon

import (
	"github.com/thenaterhood/dnschat/app"
	"github.com/thenaterhood/dnschat/cache"
	"github.com/thenaterhood/dnschat/models"
)

const pipelineBuffer = 300

// ExchangePipeline consumes finished exchanges off the query path:
// successful replies go to the reply cache and every attempt log is
// summarized in the debug log.
type ExchangePipeline struct {
	quit    chan struct{}
	stopped chan struct{}
	config  app.AppConfig
	state   *app.AppState
}

func NewExchangePipeline(config app.AppConfig, state *app.AppState) *ExchangePipeline {
	return &ExchangePipeline{
		config:  config,
		state:   state,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Stop ends the pipeline after it has handled every exchange already
// queued.
func (c *ExchangePipeline) Stop() {
	close(c.quit)
	<-c.stopped
}

func (c *ExchangePipeline) Start() error {
	channel := make(chan models.Exchange, pipelineBuffer)
	c.state.Pipeline = &channel

	go func() {
		defer close(c.stopped)
		c.state.Log.Debug("exchange pipeline started")

		for {
			select {
			case exchange := <-channel:
				c.handle(exchange)
			case <-c.quit:
				for {
					select {
					case exchange := <-channel:
						c.handle(exchange)
					default:
						c.state.Log.Debug("exchange pipeline stopped")
						return
					}
				}
			}
		}
	}()

	return nil
}

func (c *ExchangePipeline) handle(exchange models.Exchange) {
	if exchange.Query == nil {
		return
	}

	for _, attempt := range exchange.Attempts {
		c.state.Log.Debug(
			"method attempt",
			"fqdn", exchange.Query.Fqdn,
			"method", attempt.Method,
			"outcome", attempt.Outcome,
			"kind", attempt.ErrorKind,
			"duration_ms", attempt.DurationMs(),
		)
	}

	if !c.config.IsCacheable(exchange) {
		c.state.Log.Debug("skipping cache for reply", "fqdn", exchange.Query.Fqdn, "server", exchange.Query.Server.String())
		return
	}

	c.state.Log.Debug("caching reply", "fqdn", exchange.Query.Fqdn, "method", exchange.Method)
	err := c.state.Cache.CacheReply(exchange.Query.DedupKey(), cache.Entry{
		Reply:  exchange.Reply,
		Method: exchange.Method,
	})
	if err != nil {
		c.state.Log.Warn(
			"failed to cache reply",
			"fqdn", exchange.Query.Fqdn,
			"err", err,
		)
	}
}
