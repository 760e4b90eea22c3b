package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/thenaterhood/dnschat/cache"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"github.com/thenaterhood/dnschat/resolver"
)

type AppState struct {
	Cache    cache.Cache
	Config   *AppConfig
	Engine   *resolver.Engine
	Pipeline *chan models.Exchange
	Log      *slog.Logger
	Metrics  metrics.MetricsInterface
}

// SendOptions are the per-query transport switches.
type SendOptions struct {
	EnableMock                  bool
	AllowExperimentalTransports bool
}

// ResolverConfig is the transport configuration for this app config.
func (cfg AppConfig) ResolverConfig(log *slog.Logger, metrics metrics.MetricsInterface) resolver.DnsResolverConfig {
	return resolver.DnsResolverConfig{
		Logger:     log,
		Metrics:    metrics,
		ResolvConf: cfg.ResolvConf,
	}
}

// NewAppState wires an engine over transports. A nil cache disables
// reply caching.
func NewAppState(config *AppConfig, log *slog.Logger, appMetrics metrics.MetricsInterface, replyCache cache.Cache, transports map[resolver.Method]resolver.Transport) *AppState {
	if replyCache == nil {
		replyCache = &cache.DummyCache{}
	}
	if log == nil {
		log = slog.Default()
	}
	if appMetrics == nil {
		appMetrics = metrics.DummyMetrics{}
	}

	engine := resolver.NewEngine(resolver.EngineConfig{
		Logger:        log,
		Metrics:       appMetrics,
		Transports:    transports,
		MethodTimeout: config.MethodTimeout(),
		MaxConcurrent: config.MaxConcurrentQueries,
	})

	return &AppState{
		Cache:   replyCache,
		Config:  config,
		Engine:  engine,
		Log:     log,
		Metrics: appMetrics,
	}
}

// SendQuery sends message to server and returns the reassembled reply.
// An empty server means the configured default. The attempt log covers
// every method tried, also when the query fails.
func (appState *AppState) SendQuery(ctx context.Context, message string, server string, opts SendOptions) (string, []models.MethodAttempt, error) {
	timer := appState.Metrics.GetQueryTimer()
	defer appState.Metrics.ObserveTimer(timer)

	label, err := appState.Config.Sanitizer().Sanitize(message)
	if err != nil {
		appState.Metrics.IncQueriesFailed()
		return "", nil, err
	}

	serverConfig, err := appState.Config.ResolveServer(server)
	if err != nil {
		appState.Log.Warn("refusing query to server", "server", server, "err", err)
		appState.Metrics.IncQueriesFailed()
		return "", nil, err
	}

	query, err := models.Compose(label, serverConfig)
	if err != nil {
		appState.Metrics.IncQueriesFailed()
		return "", nil, err
	}

	if entry, err := appState.Cache.GetReply(query.DedupKey()); err != nil {
		appState.Log.Warn("failed to read reply cache", "key", query.DedupKey(), "err", err)
	} else if entry != nil {
		appState.Log.Debug("answering from reply cache", "server", serverConfig.String(), "fqdn", query.Fqdn)
		appState.Metrics.IncQueriesAnsweredFromCache()
		appState.Metrics.IncQueriesAnswered()
		return entry.Reply, nil, nil
	}

	result, err := appState.Engine.Send(ctx, query, resolver.MethodOrderOptions{
		EnableMock:                  opts.EnableMock,
		AllowExperimentalTransports: opts.AllowExperimentalTransports,
	})

	exchange := models.Exchange{Query: query, Err: err}
	if result != nil {
		exchange.Reply = result.Reply
		exchange.Method = result.Method.String()
		exchange.Attempts = result.Attempts
	} else {
		var allFailed *models.AllMethodsFailedError
		if errors.As(err, &allFailed) {
			exchange.Attempts = allFailed.Attempts
		}
	}

	appState.publish(exchange)

	if err != nil {
		appState.Log.Error("query failed", "server", serverConfig.String(), "fqdn", query.Fqdn, "err", err)
		appState.Metrics.IncQueriesFailed()
		return "", exchange.Attempts, err
	}

	appState.Metrics.IncQueriesAnswered()
	return exchange.Reply, exchange.Attempts, nil
}

func (appState *AppState) publish(exchange models.Exchange) {
	if appState.Pipeline == nil {
		return
	}

	select {
	case *appState.Pipeline <- exchange:
	default:
		appState.Log.Warn("result pipeline full, dropping exchange", "fqdn", exchange.Query.Fqdn)
	}
}

// Close cancels every query in flight. The state cannot be reused.
func (appState *AppState) Close() {
	appState.Engine.Close()
}
