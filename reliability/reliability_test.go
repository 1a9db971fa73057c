package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestWrapper(clock *fakeClock) (*Wrapper, *recordingSleep) {
	reg := NewRegistry(DefaultBreakerConfig(), nil, WithClock(clock.Now))
	rs := &recordingSleep{}
	return NewWrapper(reg, WithSleep(rs.sleep)), rs
}

func toolPolicy() Policy {
	p := DefaultPolicy()
	p.RateLimit = 0
	return p
}

func failing(err error, calls *int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return "", err
	}
}

func TestBreaker_OpensOnThirdConsecutiveFailure(t *testing.T) {
	clock := newFakeClock()
	s := NewBreakerSet(DefaultBreakerConfig(), nil)
	s.now = clock.Now

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Allow("tool:x"))
		s.Failure("tool:x")
		assert.Equal(t, StateClosed, s.Snapshot("tool:x").State)
	}

	require.NoError(t, s.Allow("tool:x"))
	s.Failure("tool:x")

	snap := s.Snapshot("tool:x")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.FailureCount)

	err := s.Allow("tool:x")
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindCircuitOpen, f.Kind)
	assert.Equal(t, 30*time.Second, f.RetryAfter)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	s := NewBreakerSet(DefaultBreakerConfig(), nil)

	s.Failure("r")
	s.Failure("r")
	s.Success("r")
	s.Failure("r")

	assert.Equal(t, StateClosed, s.Snapshot("r").State)
	assert.Equal(t, 1, s.Snapshot("r").FailureCount)
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	s := NewBreakerSet(DefaultBreakerConfig(), nil)
	s.now = clock.Now

	var transitions []string
	s.OnTransition(func(resource string, from, to State) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
	})

	for i := 0; i < 3; i++ {
		s.Failure("r")
	}
	clock.Advance(29 * time.Second)
	assert.Error(t, s.Allow("r"), "still cooling down")

	clock.Advance(2 * time.Second)
	require.NoError(t, s.Allow("r"), "first call after cooldown is the trial")
	assert.Equal(t, StateHalfOpen, s.Snapshot("r").State)
	assert.Error(t, s.Allow("r"), "second concurrent call is rejected")

	s.Failure("r")
	assert.Equal(t, StateOpen, s.Snapshot("r").State)
	assert.Error(t, s.Allow("r"), "failed trial restarts the cooldown")

	clock.Advance(31 * time.Second)
	require.NoError(t, s.Allow("r"))
	s.Success("r")

	snap := s.Snapshot("r")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Equal(t, []string{
		"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED",
	}, transitions)
}

func TestBreaker_AbandonReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	s := NewBreakerSet(DefaultBreakerConfig(), nil)
	s.now = clock.Now
	for i := 0; i < 3; i++ {
		s.Failure("r")
	}
	clock.Advance(time.Minute)

	require.NoError(t, s.Allow("r"))
	s.Abandon("r")
	assert.NoError(t, s.Allow("r"))
}

func TestBreaker_SnapshotsSorted(t *testing.T) {
	s := NewBreakerSet(DefaultBreakerConfig(), nil)
	s.Failure("b")
	s.Success("a")

	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Resource)

	s.Reset("a")
	assert.Len(t, s.Snapshots(), 1)
}

func TestRateLimiter_AdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter()
	rl.now = clock.Now

	for i := 0; i < 5; i++ {
		ok, _ := rl.Allow("ip:1", 5, time.Minute)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, retryAfter := rl.Allow("ip:1", 5, time.Minute)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)
	assert.Zero(t, rl.Remaining("ip:1", 5, time.Minute))

	// Other callers are unaffected.
	ok, _ = rl.Allow("ip:2", 5, time.Minute)
	assert.True(t, ok)

	clock.Advance(61 * time.Second)
	ok, _ = rl.Allow("ip:1", 5, time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 4, rl.Remaining("ip:1", 5, time.Minute))
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter()
	rl.now = clock.Now

	rl.Allow("a", 10, time.Minute)
	clock.Advance(30 * time.Second)
	rl.Allow("b", 10, time.Minute)
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, rl.Sweep(time.Minute))
	assert.Equal(t, 9, rl.Remaining("b", 10, time.Minute))
}

func TestRateLimiter_ZeroLimitDisabled(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("k", 0, time.Minute)
		require.True(t, ok)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BackoffBase: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Zero(t, Policy{}.Backoff(2))
}

func TestPolicy_Budget(t *testing.T) {
	assert.Equal(t, 33*time.Second, DefaultPolicy().Budget(), "3 x 10s plus 1s and 2s of backoff")
	assert.Equal(t, 5*time.Second, Policy{Timeout: 5 * time.Second}.Budget())
	assert.Zero(t, Policy{MaxAttempts: 3}.Budget())
}

func TestIsTechnical(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain semantic", errors.New("no tables available"), false},
		{"rate limit text", errors.New("upstream rate limit exceeded"), true},
		{"status 503", errors.New("got HTTP 503"), true},
		{"econnreset", errors.New("read: ECONNRESET"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"marked transient", Transient(errors.New("odd")), true},
		{"marked semantic wins", Semantic(errors.New("connection to nowhere")), false},
		{"timeout failure", timeoutFailure("r", time.Second), true},
		{"semantic failure", &Failure{Kind: KindSemantic}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTechnical(tt.err))
		})
	}
}

func TestDo_SuccessFirstTry(t *testing.T) {
	w, rs := newTestWrapper(newFakeClock())

	v, report, err := Do(context.Background(), w, Call{Resource: "tool:a", Policy: toolPolicy()},
		func(context.Context) (int, error) { return 42, nil })

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Len(t, report.Attempts, 1)
	assert.Empty(t, rs.delays)
}

func TestDo_RetriesTechnicalFailures(t *testing.T) {
	w, rs := newTestWrapper(newFakeClock())
	var calls int32

	v, report, err := Do(context.Background(), w, Call{Resource: "tool:a", Policy: toolPolicy()},
		func(context.Context) (string, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return "", errors.New("connection reset by peer")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls)
	assert.Len(t, report.Attempts, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rs.delays)
	assert.Equal(t, StateClosed, w.Registry().Breakers.Snapshot("tool:a").State)
}

func TestDo_SemanticFailureNotRetried(t *testing.T) {
	w, rs := newTestWrapper(newFakeClock())
	var calls int32

	_, _, err := Do(context.Background(), w, Call{Resource: "tool:a", Policy: toolPolicy()},
		failing(errors.New("restaurant is fully booked"), &calls))

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindSemantic, f.Kind)
	assert.Equal(t, 1, f.Attempts)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, rs.delays)
	assert.Zero(t, w.Registry().Breakers.Snapshot("tool:a").FailureCount)
}

func TestDo_ExhaustedRetriesCountOnceTowardBreaker(t *testing.T) {
	w, _ := newTestWrapper(newFakeClock())
	var calls int32

	_, _, err := Do(context.Background(), w, Call{Resource: "tool:a", Policy: toolPolicy()},
		failing(errors.New("503 service unavailable"), &calls))

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstream, f.Kind)
	assert.Equal(t, 3, f.Attempts)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, 1, w.Registry().Breakers.Snapshot("tool:a").FailureCount)
}

func TestDo_CircuitOpensAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	w, _ := newTestWrapper(clock)
	var calls int32
	call := Call{Resource: "tool:a", Policy: Policy{MaxAttempts: 1}}
	op := failing(Transient(errors.New("boom")), &calls)

	for i := 0; i < 3; i++ {
		_, _, err := Do(context.Background(), w, call, op)
		assert.Equal(t, KindUpstream, KindOf(err))
	}
	require.Equal(t, int32(3), calls)

	_, _, err := Do(context.Background(), w, call, op)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.Equal(t, int32(3), calls, "open circuit must not invoke the operation")

	clock.Advance(31 * time.Second)
	v, _, err := Do(context.Background(), w, call, func(context.Context) (string, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, StateClosed, w.Registry().Breakers.Snapshot("tool:a").State)
}

func TestDo_RateLimitedBeforeBreaker(t *testing.T) {
	w, _ := newTestWrapper(newFakeClock())
	policy := Policy{MaxAttempts: 1, RateLimit: 2, RateWindow: time.Minute}
	var calls int32
	op := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}

	for i := 0; i < 2; i++ {
		_, _, err := Do(context.Background(), w, Call{Resource: "tool:a", Caller: "user:1", Policy: policy}, op)
		require.NoError(t, err)
	}
	_, _, err := Do(context.Background(), w, Call{Resource: "tool:a", Caller: "user:1", Policy: policy}, op)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, f.Kind)
	assert.Greater(t, f.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, StateClosed, w.Registry().Breakers.Snapshot("tool:a").State)
}

func TestDo_TimeoutAbandonsOperation(t *testing.T) {
	w, _ := newTestWrapper(newFakeClock())
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, report, err := Do(context.Background(), w,
		Call{Resource: "tool:slow", Policy: Policy{Timeout: 20 * time.Millisecond, MaxAttempts: 1}},
		func(context.Context) (string, error) {
			<-release // ignores its context on purpose
			return "late", nil
		})

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, f.Kind)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, 1, w.Registry().Breakers.Snapshot("tool:slow").FailureCount)
}

func TestDo_CallerCancellation(t *testing.T) {
	w, _ := newTestWrapper(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Do(ctx, w, Call{Resource: "tool:a", Policy: toolPolicy()},
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})

	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Zero(t, w.Registry().Breakers.Snapshot("tool:a").FailureCount)
}

func TestDo_PanicBecomesSemanticFailure(t *testing.T) {
	w, _ := newTestWrapper(newFakeClock())

	_, _, err := Do(context.Background(), w, Call{Resource: "tool:a", Policy: toolPolicy()},
		func(context.Context) (int, error) { panic("kaboom") })

	assert.Equal(t, KindSemantic, KindOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}

type countingObserver struct {
	attempts   int
	rejections map[Kind]int
}

func (o *countingObserver) ObserveAttempt(string, time.Duration, error) { o.attempts++ }
func (o *countingObserver) ObserveRejection(_ string, k Kind) {
	if o.rejections == nil {
		o.rejections = map[Kind]int{}
	}
	o.rejections[k]++
}

func TestDo_NotifiesObserver(t *testing.T) {
	reg := NewRegistry(DefaultBreakerConfig(), nil)
	obs := &countingObserver{}
	w := NewWrapper(reg, WithObserver(obs), WithSleep(func(context.Context, time.Duration) error { return nil }))
	policy := Policy{MaxAttempts: 2, RateLimit: 1}

	_, _, _ = Do(context.Background(), w, Call{Resource: "r", Caller: "c", Policy: policy},
		func(context.Context) (int, error) { return 0, Transient(errors.New("x")) })
	_, _, _ = Do(context.Background(), w, Call{Resource: "r", Caller: "c", Policy: policy},
		func(context.Context) (int, error) { return 0, nil })

	assert.Equal(t, 2, obs.attempts)
	assert.Equal(t, 1, obs.rejections[KindRateLimited])
}

func TestFailure_Error(t *testing.T) {
	f := &Failure{Kind: KindTimeout, Resource: "tool:a", Detail: "operation exceeded 1s"}
	assert.Equal(t, "timeout [tool:a]: operation exceeded 1s", f.Error())

	wrapped := fmt.Errorf("execute: %w", f)
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, KindUpstream, KindOf(errors.New("plain")))
}
