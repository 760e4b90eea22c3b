package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type DummyMetrics struct{}

func (ds DummyMetrics) IncQueriesAnswered()                                      {}
func (ds DummyMetrics) IncQueriesAnsweredFromCache()                             {}
func (ds DummyMetrics) IncQueriesFailed()                                        {}
func (ds DummyMetrics) IncQueriesDeduplicated()                                  {}
func (ds DummyMetrics) ObserveCacheLookup(_ string)                              {}
func (ds DummyMetrics) ObserveMethodAttempt(_ string, _ string, _ time.Duration) {}
func (ds DummyMetrics) GetQueryTimer() *prometheus.Timer                         { return nil }
func (ds DummyMetrics) GetForwardTimer(_ string) *prometheus.Timer               { return nil }
func (ds DummyMetrics) Start() error                                             { return nil }
func (ds DummyMetrics) ObserveTimer(_ *prometheus.Timer)                         {}
