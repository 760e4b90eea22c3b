package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thenaterhood/dnschat/metrics"
	"github.com/thenaterhood/dnschat/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const DefaultMethodTimeout = 10 * time.Second

type EngineConfig struct {
	Logger     *slog.Logger
	Metrics    metrics.MetricsInterface
	Transports map[Method]Transport
	// MethodTimeout bounds each method attempt, retries included.
	MethodTimeout time.Duration
	// MaxConcurrent bounds how many distinct queries run at once.
	// Defaults to max(2, NumCPU).
	MaxConcurrent int
}

// Result is the outcome of a successful Send.
type Result struct {
	Reply    string
	Records  []string
	Method   Method
	Attempts []models.MethodAttempt
	// Shared is set when the network execution served more than one
	// caller.
	Shared bool
}

// Engine sends queries through the configured methods in order,
// falling back on any method failure. Identical queries in flight at the
// same time share one execution.
type Engine struct {
	config  EngineConfig
	flights singleflight.Group
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	executions atomic.Int64
}

func NewEngine(config EngineConfig) *Engine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DummyMetrics{}
	}
	if config.MethodTimeout <= 0 {
		config.MethodTimeout = DefaultMethodTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = max(2, runtime.NumCPU())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Executions reports how many queries actually went to the transports.
func (e *Engine) Executions() int64 {
	return e.executions.Load()
}

// Send runs q, or joins an identical query already running. Cancelling
// ctx abandons the wait for this caller only.
func (e *Engine) Send(ctx context.Context, q *models.OutgoingQuery, opts MethodOrderOptions) (*Result, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, models.ErrCancelled
	}

	leader := false
	ch := e.flights.DoChan(q.DedupKey(), func() (any, error) {
		leader = true
		return e.execute(q, opts)
	})

	select {
	case res := <-ch:
		if !leader {
			e.config.Metrics.IncQueriesDeduplicated()
			e.config.Logger.Debug("joined in-flight query", "key", q.DedupKey())
		}
		if res.Err != nil {
			return nil, res.Err
		}
		result := *res.Val.(*Result)
		result.Shared = res.Shared
		return &result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	case <-e.done:
		return nil, models.ErrCancelled
	}
}

func (e *Engine) execute(q *models.OutgoingQuery, opts MethodOrderOptions) (*Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, models.ErrCancelled
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return nil, models.ErrCancelled
	}
	defer e.sem.Release(1)

	e.executions.Add(1)

	methods := GetMethodOrder(opts)
	log := &models.AttemptLog{}
	errs := make([]error, 0, len(methods))

	for _, method := range methods {
		if e.ctx.Err() != nil {
			return nil, models.ErrCancelled
		}

		records, reply, err := e.attempt(method, q, log)
		if err == nil {
			e.config.Logger.Debug("query answered", "server", q.Server, "fqdn", q.Fqdn, "method", method)
			return &Result{
				Reply:    reply,
				Records:  records,
				Method:   method,
				Attempts: log.Snapshot(),
			}, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", method, err))
		e.config.Logger.Warn("transport method failed", "server", q.Server, "method", method, "kind", models.KindOf(err), "err", err)
	}

	if e.ctx.Err() != nil {
		return nil, models.ErrCancelled
	}

	return nil, &models.AllMethodsFailedError{
		Server:   q.Server.String(),
		Tried:    len(methods),
		Attempts: log.Snapshot(),
		Errs:     errs,
	}
}

func (e *Engine) attempt(method Method, q *models.OutgoingQuery, log *models.AttemptLog) (records []string, reply string, err error) {
	started := time.Now()

	defer func() {
		// A transport must never take the caller down with it.
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s transport panicked: %v", models.ErrInvalidResponse, method, r)
		}

		outcome := models.OutcomeSuccess
		if err != nil {
			outcome = models.OutcomeFailure
		}
		attempt := models.MethodAttempt{
			Method:    method.String(),
			StartedAt: started,
			Outcome:   outcome,
			ErrorKind: models.KindOf(err),
			Duration:  time.Since(started),
		}
		log.Append(attempt)
		e.config.Metrics.ObserveMethodAttempt(attempt.Method, string(outcome), attempt.Duration)
		e.config.Logger.Debug("method attempt", "method", attempt.Method, "outcome", outcome, "kind", attempt.ErrorKind, "duration_ms", attempt.DurationMs())
	}()

	transport, ok := e.config.Transports[method]
	if !ok || transport == nil {
		return nil, "", fmt.Errorf("%w: %s", models.ErrPlatformUnsupported, method)
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.config.MethodTimeout)
	defer cancel()

	records, err = transport.Execute(ctx, q)
	if err != nil {
		return nil, "", err
	}

	reply, err = models.Reassemble(records)
	if err != nil {
		return nil, "", err
	}

	return records, reply, nil
}

// Close fails every pending Send with ErrCancelled, cancels running
// methods and waits for them to return. The engine cannot be reused.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	close(e.done)
	e.wg.Wait()
}

// Capabilities describes what the engine can do on this platform.
type Capabilities struct {
	Available            bool     `json:"available"`
	Platform             string   `json:"platform"`
	SupportsCustomServer bool     `json:"supportsCustomServer"`
	Methods              []string `json:"methods"`
}

func (e *Engine) Capabilities() Capabilities {
	caps := Capabilities{Platform: runtime.GOOS + "/" + runtime.GOARCH}

	for _, method := range []Method{MethodNative, MethodUDP, MethodTCP, MethodMock} {
		transport, ok := e.config.Transports[method]
		if !ok || transport == nil {
			continue
		}
		if a, ok := transport.(interface{ Available() bool }); ok && !a.Available() {
			continue
		}

		caps.Methods = append(caps.Methods, method.String())
		caps.Available = true
		if method == MethodUDP || method == MethodTCP {
			caps.SupportsCustomServer = true
		}
	}

	return caps
}
