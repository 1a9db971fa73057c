package reliability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig configures every breaker in a BreakerSet.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// Cooldown is how long an open circuit rejects calls after the last failure.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// BreakerSnapshot is a read-only copy of one breaker.
type BreakerSnapshot struct {
	Resource     string    `json:"resource"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

type breaker struct {
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// TransitionFunc is notified whenever a breaker changes state.
type TransitionFunc func(resource string, from, to State)

// BreakerSet holds one circuit breaker per resource name.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
	logger   *slog.Logger

	onTransition TransitionFunc
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(cfg BreakerConfig, logger *slog.Logger) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
		logger:   logger,
	}
}

// OnTransition registers a state change callback. It is called with the set's
// lock held and must not call back into the set.
func (s *BreakerSet) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

func (s *BreakerSet) get(resource string) *breaker {
	b, ok := s.breakers[resource]
	if !ok {
		b = &breaker{state: StateClosed}
		s.breakers[resource] = b
	}
	return b
}

func (s *BreakerSet) transition(resource string, b *breaker, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	s.logger.Info("Circuit breaker transition",
		"resource", resource,
		"from", from,
		"to", to,
		"failure_count", b.failures)
	if s.onTransition != nil {
		s.onTransition(resource, from, to)
	}
}

// Allow decides whether a call to resource may proceed. An open circuit whose
// cooldown has elapsed admits exactly one trial call in HALF_OPEN; every other
// call is rejected until that trial reports back.
func (s *BreakerSet) Allow(resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(resource)
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := s.now().Sub(b.lastFailure)
		if elapsed < s.cfg.Cooldown {
			return &Failure{
				Kind:       KindCircuitOpen,
				Resource:   resource,
				Detail:     fmt.Sprintf("circuit open after %d failures", b.failures),
				RetryAfter: s.cfg.Cooldown - elapsed,
			}
		}
		s.transition(resource, b, StateHalfOpen)
		b.trialInFlight = true
		return nil
	default:
		if b.trialInFlight {
			return &Failure{
				Kind:     KindCircuitOpen,
				Resource: resource,
				Detail:   "circuit half-open, trial call in flight",
			}
		}
		b.trialInFlight = true
		return nil
	}
}

// Success records a healthy response and closes the circuit.
func (s *BreakerSet) Success(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(resource)
	b.failures = 0
	b.trialInFlight = false
	s.transition(resource, b, StateClosed)
}

// Failure records a failed call. A failed trial re-opens the circuit and
// restarts the cooldown.
func (s *BreakerSet) Failure(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(resource)
	b.failures++
	b.lastFailure = s.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen || b.failures >= s.cfg.FailureThreshold {
		s.transition(resource, b, StateOpen)
	}
}

// Abandon releases a HALF_OPEN trial whose outcome is unknown, for example
// when the caller went away, without changing the breaker's verdict.
func (s *BreakerSet) Abandon(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[resource]; ok {
		b.trialInFlight = false
	}
}

// Snapshot returns the state of one breaker. Unknown resources report CLOSED.
func (s *BreakerSet) Snapshot(resource string) BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[resource]
	if !ok {
		return BreakerSnapshot{Resource: resource, State: StateClosed}
	}
	return BreakerSnapshot{
		Resource:     resource,
		State:        b.state,
		FailureCount: b.failures,
		LastFailure:  b.lastFailure,
	}
}

// Snapshots returns every tracked breaker sorted by resource name.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	out := make([]BreakerSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, s.Snapshot(name))
	}
	return out
}

// Reset forgets a breaker entirely.
func (s *BreakerSet) Reset(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, resource)
}
