package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Registry owns the shared mutable state behind every protected call. One
// registry is created at startup and handed to each Wrapper.
type Registry struct {
	Breakers *BreakerSet
	Limiter  *RateLimiter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces the time source of the breakers and the limiter.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.Breakers.now = now
		r.Limiter.now = now
	}
}

// NewRegistry creates breaker and limiter state.
func NewRegistry(cfg BreakerConfig, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		Breakers: NewBreakerSet(cfg, logger),
		Limiter:  NewRateLimiter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy is the per-call-site protection configuration.
type Policy struct {
	// Timeout bounds a single attempt. Zero disables the timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxAttempts caps attempts including the first. Values below 1 mean 1.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the delay before the first retry; each retry doubles it.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// MaxBackoff caps a single backoff delay.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// RateLimit is the per-caller ceiling per RateWindow. Zero disables it.
	RateLimit int `yaml:"rate_limit" json:"rate_limit"`

	// RateWindow is the sliding window for RateLimit.
	RateWindow time.Duration `yaml:"rate_window" json:"rate_window"`
}

// DefaultPolicy returns the policy used for tool invocations.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     10 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		MaxBackoff:  8 * time.Second,
		RateLimit:   60,
		RateWindow:  time.Minute,
	}
}

// Backoff returns the delay before retry number n, counting from zero:
// BackoffBase * 2^n, capped at MaxBackoff.
func (p Policy) Backoff(n int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Budget is the longest a call under p can take: every attempt running to
// its timeout plus the backoff between them. It is zero without a timeout.
func (p Policy) Budget() time.Duration {
	if p.Timeout <= 0 {
		return 0
	}
	n := p.attempts()
	total := time.Duration(n) * p.Timeout
	for i := 0; i < n-1; i++ {
		total += p.Backoff(i)
	}
	return total
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) window() time.Duration {
	if p.RateWindow <= 0 {
		return time.Minute
	}
	return p.RateWindow
}

// Call identifies one protected invocation.
type Call struct {
	// Resource keys the circuit breaker, e.g. "tool:search_restaurant".
	Resource string

	// Caller keys the rate limiter, e.g. a user id or client address.
	Caller string

	Policy Policy
}

// Attempt describes a single try of the wrapped operation.
type Attempt struct {
	Number   int
	Duration time.Duration
	Err      error
}

// Report describes everything that happened during a protected call.
type Report struct {
	Attempts []Attempt
	Elapsed  time.Duration
}

// Observer receives reliability events, typically for metrics.
type Observer interface {
	ObserveAttempt(resource string, d time.Duration, err error)
	ObserveRejection(resource string, kind Kind)
}

// Wrapper applies a Policy around operations using shared Registry state.
type Wrapper struct {
	reg      *Registry
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// WrapperOption configures a Wrapper.
type WrapperOption func(*Wrapper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WrapperOption {
	return func(w *Wrapper) {
		w.logger = logger
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) WrapperOption {
	return func(w *Wrapper) {
		w.observer = o
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) WrapperOption {
	return func(w *Wrapper) {
		w.sleep = fn
	}
}

// NewWrapper creates a Wrapper over the given registry.
func NewWrapper(reg *Registry, opts ...WrapperOption) *Wrapper {
	w := &Wrapper{
		reg:    reg,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Registry returns the shared state the wrapper operates on.
func (w *Wrapper) Registry() *Registry {
	return w.reg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op under call's policy in this order: rate limit, circuit breaker,
// timeout-bounded attempts retried on technical failures, breaker update.
// Every error it returns is a *Failure. A call that exhausts its retries
// counts as a single breaker failure; a semantic failure counts as a healthy
// response.
func Do[T any](ctx context.Context, w *Wrapper, call Call, op func(ctx context.Context) (T, error)) (T, Report, error) {
	var zero T
	var report Report
	start := time.Now()

	p := call.Policy
	if p.RateLimit > 0 && call.Caller != "" {
		ok, retryAfter := w.reg.Limiter.Allow(call.Caller, p.RateLimit, p.window())
		if !ok {
			w.reject(call.Resource, KindRateLimited)
			report.Elapsed = time.Since(start)
			return zero, report, &Failure{
				Kind:       KindRateLimited,
				Resource:   call.Resource,
				Detail:     fmt.Sprintf("caller %s exceeded %d requests per %s", call.Caller, p.RateLimit, p.window()),
				RetryAfter: retryAfter,
			}
		}
	}

	if err := w.reg.Breakers.Allow(call.Resource); err != nil {
		w.reject(call.Resource, KindCircuitOpen)
		report.Elapsed = time.Since(start)
		return zero, report, err
	}

	var lastErr error
	maxAttempts := p.attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStart := time.Now()
		v, err := withTimeout(ctx, call.Resource, p.Timeout, op)
		d := time.Since(attemptStart)

		report.Attempts = append(report.Attempts, Attempt{Number: attempt, Duration: d, Err: err})
		if w.observer != nil {
			w.observer.ObserveAttempt(call.Resource, d, err)
		}

		if err == nil {
			w.reg.Breakers.Success(call.Resource)
			report.Elapsed = time.Since(start)
			return v, report, nil
		}

		if ctx.Err() != nil {
			w.reg.Breakers.Abandon(call.Resource)
			report.Elapsed = time.Since(start)
			return zero, report, callerGone(ctx, call.Resource, attempt)
		}

		if !IsTechnical(err) {
			w.reg.Breakers.Success(call.Resource)
			f := newFailure(KindSemantic, call.Resource, err)
			f.Attempts = attempt
			report.Elapsed = time.Since(start)
			return zero, report, f
		}

		lastErr = err
		if attempt < maxAttempts {
			delay := p.Backoff(attempt - 1)
			w.logger.Debug("Protected call failed, retrying",
				"resource", call.Resource,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", delay,
				"error", err)
			if err := w.sleep(ctx, delay); err != nil {
				w.reg.Breakers.Abandon(call.Resource)
				report.Elapsed = time.Since(start)
				return zero, report, callerGone(ctx, call.Resource, attempt)
			}
		}
	}

	w.reg.Breakers.Failure(call.Resource)

	kind := KindUpstream
	if f, ok := AsFailure(lastErr); ok && f.Kind == KindTimeout {
		kind = KindTimeout
	}
	f := newFailure(kind, call.Resource, lastErr)
	f.Attempts = maxAttempts
	w.logger.Warn("Protected call exhausted retries",
		"resource", call.Resource,
		"attempts", maxAttempts,
		"kind", kind,
		"error", lastErr)
	report.Elapsed = time.Since(start)
	return zero, report, f
}

func (w *Wrapper) reject(resource string, kind Kind) {
	w.logger.Debug("Protected call rejected", "resource", resource, "kind", kind)
	if w.observer != nil {
		w.observer.ObserveRejection(resource, kind)
	}
}

func callerGone(ctx context.Context, resource string, attempts int) *Failure {
	kind := KindUpstream
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	f := newFailure(kind, resource, ctx.Err())
	f.Attempts = attempts
	return f
}

// withTimeout races op against a deadline. On expiry it returns a timeout
// failure immediately; op keeps running with a cancelled context and its
// eventual result lands in a buffered channel nobody reads.
func withTimeout[T any](ctx context.Context, resource string, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: Semantic(fmt.Errorf("operation panicked: %v", r))}
			}
		}()
		v, err := op(callCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, timeoutFailure(resource, d)
	}
}
