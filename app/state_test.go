package app

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thenaterhood/dnschat/cache"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"github.com/thenaterhood/dnschat/resolver"
	"github.com/thenaterhood/dnschat/server"
)

// unreachableResolver stands in for a system resolver that cannot reach
// the llm zone.
type unreachableResolver struct{}

func (unreachableResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
}

func (unreachableResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func getTestState(t *testing.T, config *AppConfig) *AppState {
	t.Helper()
	require.NoError(t, config.prepare())

	logger := getTestLogger()
	replyCache, err := cache.GetCache(config.CacheConfig(logger, metrics.DummyMetrics{}))
	require.NoError(t, err)

	resolverConfig := config.ResolverConfig(logger, metrics.DummyMetrics{})
	resolverConfig.Resolver = unreachableResolver{}
	resolverConfig.RetryBackoff = time.Millisecond

	state := NewAppState(config, logger, metrics.DummyMetrics{}, replyCache, resolver.GetTransports(resolverConfig))
	t.Cleanup(state.Close)
	return state
}

func startTxtServer(t *testing.T) int {
	t.Helper()
	txtServer := server.NewTxtServer(server.TxtServerConfig{
		Addr:   "127.0.0.1:0",
		Zone:   models.DefaultZone,
		Logger: getTestLogger(),
	})
	require.NoError(t, txtServer.Start())
	t.Cleanup(func() { txtServer.Shutdown() })

	_, portStr, err := net.SplitHostPort(txtServer.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestSendQueryWithMock(t *testing.T) {
	config := GetDefaultConfig()
	state := getTestState(t, &config)

	reply, attempts, err := state.SendQuery(context.Background(), "Hello, World!", "", SendOptions{EnableMock: true})
	require.NoError(t, err)
	assert.Equal(t, "This is a mock response to: hello world", reply)

	require.Len(t, attempts, 2)
	assert.Equal(t, "native", attempts[0].Method)
	assert.Equal(t, models.OutcomeFailure, attempts[0].Outcome)
	assert.Equal(t, "mock", attempts[1].Method)
	assert.Equal(t, models.OutcomeSuccess, attempts[1].Outcome)
}

func TestSendQueryOverLocalServer(t *testing.T) {
	config := GetDefaultConfig()
	config.AllowedServers = []string{"127.0.0.1"}
	config.DefaultServer = "127.0.0.1"
	config.DnsPort = startTxtServer(t)
	state := getTestState(t, &config)

	reply, attempts, err := state.SendQuery(context.Background(), "what is dns", "127.0.0.1", SendOptions{AllowExperimentalTransports: true})
	require.NoError(t, err)
	assert.Equal(t, "You asked: what is dns", reply)
	require.Len(t, attempts, 2)
	assert.Equal(t, "udp", attempts[1].Method)
}

func TestSendQueryFailsWhenEveryMethodFails(t *testing.T) {
	config := GetDefaultConfig()
	state := getTestState(t, &config)

	_, attempts, err := state.SendQuery(context.Background(), "hello", "ch.at", SendOptions{})
	require.Error(t, err)
	assert.Equal(t, models.KindAllMethodsFailed, models.KindOf(err))
	assert.Len(t, attempts, 1)
	assert.Equal(t, "Could not reach ch.at after trying 1 transport methods", models.UserMessage(err, "ch.at"))
}

func TestSendQueryRejectsBadInput(t *testing.T) {
	config := GetDefaultConfig()
	state := getTestState(t, &config)

	_, _, err := state.SendQuery(context.Background(), "   ", "", SendOptions{EnableMock: true})
	assert.Equal(t, models.KindSanitization, models.KindOf(err))

	_, _, err = state.SendQuery(context.Background(), strings.Repeat("a", 121), "", SendOptions{EnableMock: true})
	assert.Equal(t, models.KindSanitization, models.KindOf(err))

	_, _, err = state.SendQuery(context.Background(), "hello", "evil.example", SendOptions{EnableMock: true})
	require.ErrorIs(t, err, models.ErrServerNotAllowed)
}

func TestSendQueryHonoursMaxLabelLength(t *testing.T) {
	config := GetDefaultConfig()
	config.MaxLabelLength = 10
	state := getTestState(t, &config)

	_, _, err := state.SendQuery(context.Background(), "this message is too long", "", SendOptions{EnableMock: true})
	var sanitizationErr *models.SanitizationError
	require.ErrorAs(t, err, &sanitizationErr)
	assert.Equal(t, models.LabelTooLong, sanitizationErr.Reason)
}

func TestSendQueryUsesReplyCache(t *testing.T) {
	config := GetDefaultConfig()
	config.CacheReplies = true
	config.CacheBackend = cache.BackendMap
	state := getTestState(t, &config)

	serverConfig, err := config.ResolveServer("")
	require.NoError(t, err)
	q, err := models.Compose("hello", serverConfig)
	require.NoError(t, err)
	require.NoError(t, state.Cache.CacheReply(q.DedupKey(), cache.Entry{Reply: "cached hello", Method: "udp"}))

	reply, attempts, err := state.SendQuery(context.Background(), "Hello", "", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cached hello", reply)
	assert.Empty(t, attempts)
	assert.Zero(t, state.Engine.Executions())
}

func TestSendQueryPublishesExchanges(t *testing.T) {
	config := GetDefaultConfig()
	state := getTestState(t, &config)

	pipeline := make(chan models.Exchange, 1)
	state.Pipeline = &pipeline

	_, _, err := state.SendQuery(context.Background(), "hello", "", SendOptions{EnableMock: true})
	require.NoError(t, err)

	select {
	case exchange := <-pipeline:
		assert.True(t, exchange.IsSuccess())
		assert.Equal(t, "mock", exchange.Method)
		assert.Equal(t, "hello.ch.at", exchange.Query.Fqdn)
	default:
		t.Fatal("expected an exchange on the pipeline")
	}
}

func TestSendQueryAfterClose(t *testing.T) {
	config := GetDefaultConfig()
	state := getTestState(t, &config)
	state.Close()

	_, _, err := state.SendQuery(context.Background(), "hello", "", SendOptions{EnableMock: true})
	require.ErrorIs(t, err, models.ErrCancelled)
}
