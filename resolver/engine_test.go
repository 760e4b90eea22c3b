package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
)

type funcTransport func(ctx context.Context, q *models.OutgoingQuery) ([]string, error)

func (f funcTransport) Execute(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
	return f(ctx, q)
}

func failWith(err error) Transport {
	return funcTransport(func(context.Context, *models.OutgoingQuery) ([]string, error) {
		return nil, err
	})
}

func answerWith(records ...string) Transport {
	return funcTransport(func(context.Context, *models.OutgoingQuery) ([]string, error) {
		return records, nil
	})
}

func newTestEngine(t *testing.T, transports map[Method]Transport) *Engine {
	t.Helper()
	engine := NewEngine(EngineConfig{
		Logger:        getTestLogger(),
		Metrics:       metrics.DummyMetrics{},
		Transports:    transports,
		MethodTimeout: time.Second,
	})
	t.Cleanup(engine.Close)
	return engine
}

func getEngineTestQuery(t *testing.T, label string) *models.OutgoingQuery {
	return composeTestQuery(t, label, models.DNSServerConfig{Host: "ch.at", Port: 53, Zone: "ch.at"})
}

var experimental = MethodOrderOptions{AllowExperimentalTransports: true}

func TestGetMethodOrder(t *testing.T) {
	tests := []struct {
		opts     MethodOrderOptions
		expected []Method
	}{
		{MethodOrderOptions{}, []Method{MethodNative}},
		{MethodOrderOptions{EnableMock: true}, []Method{MethodNative, MethodMock}},
		{MethodOrderOptions{AllowExperimentalTransports: true}, []Method{MethodNative, MethodUDP, MethodTCP}},
		{MethodOrderOptions{EnableMock: true, AllowExperimentalTransports: true}, []Method{MethodNative, MethodUDP, MethodTCP, MethodMock}},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%+v", test.opts), func(t *testing.T) {
			order := GetMethodOrder(test.opts)
			require.Equal(t, test.expected, order)

			for _, method := range order {
				require.NotEqual(t, "https", method.String())
			}
		})
	}
}

func TestEngineFallsBackInOrder(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	record := func(name string, transport Transport) Transport {
		return funcTransport(func(ctx context.Context, q *models.OutgoingQuery) ([]string, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return transport.Execute(ctx, q)
		})
	}

	engine := newTestEngine(t, map[Method]Transport{
		MethodNative: record("native", failWith(models.ErrTimeout)),
		MethodUDP:    record("udp", failWith(fmt.Errorf("%w: truncated", models.ErrInvalidResponse))),
		MethodTCP:    record("tcp", answerWith("2/2:lo", "1/2:Hel")),
		MethodMock:   record("mock", answerWith("unused")),
	})

	result, err := engine.Send(context.Background(), getEngineTestQuery(t, "hello"), MethodOrderOptions{
		EnableMock:                  true,
		AllowExperimentalTransports: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", result.Reply)
	require.Equal(t, MethodTCP, result.Method)
	require.Equal(t, []string{"native", "udp", "tcp"}, calls)

	require.Len(t, result.Attempts, 3)
	require.Equal(t, models.KindTimeout, result.Attempts[0].ErrorKind)
	require.Equal(t, models.OutcomeFailure, result.Attempts[0].Outcome)
	require.Equal(t, models.KindInvalidResponse, result.Attempts[1].ErrorKind)
	require.Equal(t, models.OutcomeSuccess, result.Attempts[2].Outcome)
	require.Equal(t, "tcp", result.Attempts[2].Method)
	require.Equal(t, models.KindNone, result.Attempts[2].ErrorKind)
}

func TestEngineAllMethodsFailed(t *testing.T) {
	engine := newTestEngine(t, map[Method]Transport{
		MethodNative: failWith(models.ErrNoTxtRecords),
		MethodUDP:    failWith(models.ErrServerUnreachable),
		MethodTCP:    failWith(models.ErrServerUnreachable),
	})

	_, err := engine.Send(context.Background(), getEngineTestQuery(t, "hello"), experimental)

	var allFailed *models.AllMethodsFailedError
	require.ErrorAs(t, err, &allFailed)
	require.Equal(t, "ch.at", allFailed.Server)
	require.Equal(t, 3, allFailed.Tried)
	require.Len(t, allFailed.Attempts, 3)
	require.Contains(t, err.Error(), "all 3 methods failed for ch.at")
}

func TestEngineProtocolErrorsTriggerFallback(t *testing.T) {
	tests := map[string]Transport{
		"incomplete": answerWith("1/3:a", "3/3:c"),
		"conflict":   answerWith("1/2:a", "1/2:b"),
		"empty":      answerWith(),
		"panic": funcTransport(func(context.Context, *models.OutgoingQuery) ([]string, error) {
			panic("malformed")
		}),
	}

	for name, native := range tests {
		t.Run(name, func(t *testing.T) {
			engine := newTestEngine(t, map[Method]Transport{
				MethodNative: native,
				MethodMock:   answerWith("from mock"),
			})

			result, err := engine.Send(context.Background(), getEngineTestQuery(t, "hello"), MethodOrderOptions{EnableMock: true})
			require.NoError(t, err)
			require.Equal(t, "from mock", result.Reply)
			require.Equal(t, MethodMock, result.Method)
			require.Equal(t, models.OutcomeFailure, result.Attempts[0].Outcome)
		})
	}
}

func TestEngineMissingTransportIsSkipped(t *testing.T) {
	engine := newTestEngine(t, map[Method]Transport{
		MethodMock: answerWith("mocked"),
	})

	result, err := engine.Send(context.Background(), getEngineTestQuery(t, "hello"), MethodOrderOptions{EnableMock: true})
	require.NoError(t, err)
	require.Equal(t, "mocked", result.Reply)
	require.Equal(t, models.KindPlatformUnsupported, result.Attempts[0].ErrorKind)
}

func TestEngineMethodTimeout(t *testing.T) {
	engine := NewEngine(EngineConfig{
		Logger:        getTestLogger(),
		MethodTimeout: 50 * time.Millisecond,
		Transports: map[Method]Transport{
			MethodNative: funcTransport(func(ctx context.Context, _ *models.OutgoingQuery) ([]string, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			MethodMock: answerWith("late but fine"),
		},
	})
	defer engine.Close()

	result, err := engine.Send(context.Background(), getEngineTestQuery(t, "hello"), MethodOrderOptions{EnableMock: true})
	require.NoError(t, err)
	require.Equal(t, "late but fine", result.Reply)
	require.Equal(t, models.KindTimeout, result.Attempts[0].ErrorKind)
	require.GreaterOrEqual(t, result.Attempts[0].Duration, 50*time.Millisecond)
}

func TestEngineDeduplicatesConcurrentQueries(t *testing.T) {
	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	engine := newTestEngine(t, map[Method]Transport{
		MethodNative: funcTransport(func(ctx context.Context, _ *models.OutgoingQuery) ([]string, error) {
			if executions.Add(1) == 1 {
				close(started)
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []string{"shared answer"}, nil
		}),
	})

	const callers = 10
	results := make(chan *Result, callers)
	errs := make(chan error, callers)

	send := func() {
		// Each caller composes its own query; only the key is shared.
		result, err := engine.Send(context.Background(), getEngineTestQuery(t, "same-question"), MethodOrderOptions{})
		results <- result
		errs <- err
	}

	go send()
	<-started
	for i := 1; i < callers; i++ {
		go send()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		result := <-results
		require.Equal(t, "shared answer", result.Reply)
		require.True(t, result.Shared)
	}

	require.Equal(t, int32(1), executions.Load())
	require.Equal(t, int64(1), engine.Executions())

	// Once finished, the same query runs again.
	_, err := engine.Send(context.Background(), getEngineTestQuery(t, "same-question"), MethodOrderOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), executions.Load())
}

func TestEngineDistinctQueriesRunConcurrentlyWithinBound(t *testing.T) {
	var running, peak atomic.Int32

	engine := NewEngine(EngineConfig{
		Logger:        getTestLogger(),
		MaxConcurrent: 2,
		Transports: map[Method]Transport{
			MethodNative: funcTransport(func(ctx context.Context, _ *models.OutgoingQuery) ([]string, error) {
				now := running.Add(1)
				defer running.Add(-1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				return []string{"ok"}, nil
			}),
		},
	})
	defer engine.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Send(context.Background(), getEngineTestQuery(t, fmt.Sprintf("question-%d", i)), MethodOrderOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(6), engine.Executions())
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngineCloseCancelsInFlightQueries(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	engine := NewEngine(EngineConfig{
		Logger: getTestLogger(),
		Transports: map[Method]Transport{
			MethodNative: funcTransport(func(ctx context.Context, _ *models.OutgoingQuery) ([]string, error) {
				close(started)
				<-ctx.Done()
				close(cancelled)
				return nil, ctx.Err()
			}),
		},
	})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := engine.Send(context.Background(), getEngineTestQuery(t, "pending"), MethodOrderOptions{})
			errs <- err
		}()
	}

	<-started
	engine.Close()

	// Close waits for running methods, so the transport has seen the
	// cancellation by now.
	select {
	case <-cancelled:
	default:
		t.Fatal("transport was not cancelled by Close")
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, models.ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("pending query was left dangling")
		}
	}

	_, err := engine.Send(context.Background(), getEngineTestQuery(t, "after-close"), MethodOrderOptions{})
	require.ErrorIs(t, err, models.ErrCancelled)

	// Closing twice is harmless.
	engine.Close()
}

func TestEngineCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	engine := newTestEngine(t, map[Method]Transport{
		MethodNative: funcTransport(func(ctx context.Context, _ *models.OutgoingQuery) ([]string, error) {
			select {
			case <-release:
				return []string{"done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Send(ctx, getEngineTestQuery(t, "impatient"), MethodOrderOptions{})
	require.ErrorIs(t, err, models.ErrCancelled)
	require.Equal(t, models.KindCancelled, models.KindOf(err))

	close(release)
}

func TestEngineEndToEnd(t *testing.T) {
	long := strings.Repeat("0123456789", 70)
	srv := startTxtServer(t, func(_ context.Context, prompt string) (string, error) {
		if prompt == "long" {
			return long, nil
		}
		return "short answer", nil
	})

	config := getTestConfig(&fakeResolver{err: fmt.Errorf("no system resolver in tests")})
	engine := newTestEngine(t, GetTransports(config))

	result, err := engine.Send(context.Background(), composeTestQuery(t, "short", srv), experimental)
	require.NoError(t, err)
	require.Equal(t, "short answer", result.Reply)
	require.Equal(t, MethodUDP, result.Method)

	// Too big for a plain udp datagram, so the answer comes over tcp.
	result, err = engine.Send(context.Background(), composeTestQuery(t, "long", srv), experimental)
	require.NoError(t, err)
	require.Equal(t, long, result.Reply)
	require.Equal(t, MethodTCP, result.Method)
	require.Len(t, result.Attempts, 3)
	require.Equal(t, models.KindInvalidResponse, result.Attempts[1].ErrorKind)
}

func TestEngineCapabilities(t *testing.T) {
	engine := newTestEngine(t, GetTransports(getTestConfig(&fakeResolver{})))

	caps := engine.Capabilities()
	require.True(t, caps.Available)
	require.True(t, caps.SupportsCustomServer)
	require.Equal(t, []string{"native", "udp", "tcp", "mock"}, caps.Methods)
	require.NotEmpty(t, caps.Platform)

	onlyMock := newTestEngine(t, map[Method]Transport{MethodMock: answerWith("x")})
	caps = onlyMock.Capabilities()
	require.False(t, caps.SupportsCustomServer)
	require.Equal(t, []string{"mock"}, caps.Methods)
}
