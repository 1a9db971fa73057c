package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/executor"
	"github.com/c360studio/semintent/reliability"
)

func newCollectors(t *testing.T) *Collectors {
	t.Helper()
	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestObserveAttempt(t *testing.T) {
	c := newCollectors(t)
	c.ObserveAttempt("tool:book_ride", 20*time.Millisecond, nil)
	c.ObserveAttempt("tool:book_ride", time.Second, reliability.Transient(errors.New("reset")))
	c.ObserveAttempt("tool:book_ride", time.Millisecond, errors.New("pickup and destination are the same"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("tool:book_ride", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("tool:book_ride", "technical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("tool:book_ride", "semantic")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.attemptDuration))
}

func TestObserveRejectionAndSteps(t *testing.T) {
	c := newCollectors(t)
	c.ObserveRejection("tool:get_weather", reliability.KindCircuitOpen)
	c.ObserveStep("get_weather", executor.StatusExecuted, 5*time.Millisecond)
	c.ObserveStep("get_weather", executor.StatusFailed, 5*time.Millisecond)
	c.ObserveReplan("revised")
	c.ObservePlan(true)
	c.ObservePlan(false)
	c.ObservePlan(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("tool:get_weather", "circuit_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("get_weather", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.replans.WithLabelValues("revised")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.plans.WithLabelValues("invalid")))
}

func TestObserveTransition(t *testing.T) {
	c := newCollectors(t)
	set := reliability.NewBreakerSet(reliability.DefaultBreakerConfig(), nil)
	set.OnTransition(c.ObserveTransition)

	for range 3 {
		set.Failure("tool:book_ride")
	}

	expected := `
# HELP semintent_circuit_breaker_state Circuit state per resource: 0 closed, 1 half-open, 2 open.
# TYPE semintent_circuit_breaker_state gauge
semintent_circuit_breaker_state{resource="tool:book_ride"} 2
`
	require.NoError(t, testutil.CollectAndCompare(c.breakerState, strings.NewReader(expected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("tool:book_ride", "OPEN")))

	set.Success("tool:book_ride")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("tool:book_ride")))
}
