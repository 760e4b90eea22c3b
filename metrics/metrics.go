package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultAddress = ":2112"

type MetricsConfig struct {
	Enable bool
	Logger *slog.Logger
	// Address the /metrics endpoint listens on. Defaults to :2112.
	Address string
}

type MetricsInterface interface {
	IncQueriesAnswered()
	IncQueriesAnsweredFromCache()
	IncQueriesFailed()
	IncQueriesDeduplicated()
	// ObserveCacheLookup counts a reply cache lookup by result: hit, miss
	// or expired.
	ObserveCacheLookup(result string)
	ObserveMethodAttempt(method string, outcome string, duration time.Duration)
	GetQueryTimer() *prometheus.Timer
	GetForwardTimer(method string) *prometheus.Timer
	ObserveTimer(*prometheus.Timer)
	Start() error
}

func GetMetrics(config MetricsConfig) MetricsInterface {
	if config.Enable {
		return newPrometheus(config)
	}
	return DummyMetrics{}
}
