package metrics

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(slog.LevelDebug),
	}))
}

func TestGetMetricsDisabled(t *testing.T) {
	m := GetMetrics(MetricsConfig{Enable: false, Logger: getTestLogger()})
	_, ok := m.(DummyMetrics)
	require.True(t, ok)

	// The dummy must tolerate every call.
	m.IncQueriesAnswered()
	m.ObserveMethodAttempt("udp", "success", time.Millisecond)
	m.ObserveTimer(m.GetQueryTimer())
	require.NoError(t, m.Start())
}

func TestPrometheusMetricsCount(t *testing.T) {
	// Two instances must not collide on registration.
	_ = GetMetrics(MetricsConfig{Enable: true, Logger: getTestLogger()})
	m := GetMetrics(MetricsConfig{Enable: true, Logger: getTestLogger()}).(PrometheusMetrics)

	m.IncQueriesAnswered()
	m.IncQueriesAnswered()
	m.IncQueriesFailed()
	m.IncQueriesDeduplicated()
	m.ObserveCacheLookup("hit")
	m.ObserveCacheLookup("miss")
	m.ObserveCacheLookup("miss")
	m.ObserveMethodAttempt("native", "failure", 20*time.Millisecond)
	m.ObserveMethodAttempt("udp", "success", 5*time.Millisecond)
	m.ObserveTimer(m.GetForwardTimer("udp"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, line := range []string{
		"dnschat_queries_answered 2",
		"dnschat_queries_failed 1",
		"dnschat_queries_deduplicated 1",
		`dnschat_cache_lookups{result="hit"} 1`,
		`dnschat_cache_lookups{result="miss"} 2`,
		`dnschat_method_attempts{method="native",outcome="failure"} 1`,
		`dnschat_method_attempts{method="udp",outcome="success"} 1`,
	} {
		require.True(t, strings.Contains(body, line), "missing %q in %s", line, body)
	}
}
