package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusMetrics struct {
	queriesAnswered          prometheus.Counter
	queriesAnsweredFromCache prometheus.Counter
	queriesFailed            prometheus.Counter
	queriesDeduplicated      prometheus.Counter
	cacheLookups             *prometheus.CounterVec
	methodAttempts           *prometheus.CounterVec
	methodDuration           *prometheus.HistogramVec
	queryResponseTime        *prometheus.HistogramVec

	registry *prometheus.Registry
	config   MetricsConfig
}

func (ms PrometheusMetrics) IncQueriesAnswered() {
	ms.queriesAnswered.Inc()
}

func (ms PrometheusMetrics) IncQueriesAnsweredFromCache() {
	ms.queriesAnsweredFromCache.Inc()
}

func (ms PrometheusMetrics) IncQueriesFailed() {
	ms.queriesFailed.Inc()
}

func (ms PrometheusMetrics) IncQueriesDeduplicated() {
	ms.queriesDeduplicated.Inc()
}

func (ms PrometheusMetrics) ObserveCacheLookup(result string) {
	ms.cacheLookups.WithLabelValues(result).Inc()
}

func (ms PrometheusMetrics) ObserveMethodAttempt(method string, outcome string, duration time.Duration) {
	ms.methodAttempts.WithLabelValues(method, outcome).Inc()
	ms.methodDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func (ms PrometheusMetrics) GetQueryTimer() *prometheus.Timer {
	return prometheus.NewTimer(ms.queryResponseTime.WithLabelValues("query"))
}

func (ms PrometheusMetrics) GetForwardTimer(method string) *prometheus.Timer {
	return prometheus.NewTimer(ms.queryResponseTime.WithLabelValues("forward_" + method))
}

func (ms PrometheusMetrics) ObserveTimer(timer *prometheus.Timer) {
	if timer != nil {
		timer.ObserveDuration()
	}
}

// Handler serves this instance's registry.
func (ms PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(ms.registry, promhttp.HandlerOpts{})
}

func (s PrometheusMetrics) Start() error {
	if !s.config.Enable {
		return nil
	}

	addr := s.config.Address
	if addr == "" {
		addr = DefaultAddress
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	go func() {
		s.config.Logger.Info("starting prometheus metrics", "addr", addr, "endpoint", "/metrics")
		err := http.ListenAndServe(addr, mux)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("metrics server stopped", "err", err)
		}
	}()

	return nil
}

func newPrometheus(config MetricsConfig) PrometheusMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return PrometheusMetrics{
		queriesAnswered: factory.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_answered",
			Help: "The total number of queries answered since last start",
		}),
		queriesAnsweredFromCache: factory.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_answered_from_cache",
			Help: "The total number of queries answered from the reply cache since last start",
		}),
		queriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_failed",
			Help: "The number of queries where every transport method failed",
		}),
		queriesDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dnschat_queries_deduplicated",
			Help: "The number of queries that joined an identical query already in flight",
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dnschat_cache_lookups",
			Help: "Reply cache lookups by result",
		}, []string{"result"}),
		methodAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dnschat_method_attempts",
			Help: "Transport method attempts by method and outcome",
		}, []string{"method", "outcome"}),
		methodDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dnschat_method_attempt_duration_seconds",
			Help: "Duration of transport method attempts",
		}, []string{"method", "outcome"}),
		queryResponseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "duration_seconds",
			Help:      "Response time of queries",
			Namespace: "dnschat",
		}, []string{"action"}),
		registry: registry,
		config:   config,
	}
}
