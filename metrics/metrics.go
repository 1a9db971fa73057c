// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/semintent/executor"
	"github.com/c360studio/semintent/reliability"
)

const namespace = "semintent"

// Collectors implements reliability.Observer and executor.Observer.
type Collectors struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	replans         *prometheus.CounterVec
	plans           *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_attempts_total",
			Help:      "Attempts of protected calls by resource and result.",
		}, []string{"resource", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_attempt_duration_seconds",
			Help:      "Duration of single attempts of protected calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"resource"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_rejections_total",
			Help:      "Calls refused before reaching the resource.",
		}, []string{"resource", "kind"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Plan steps run by tool and status.",
		}, []string{"tool", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of plan steps including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"tool"}),
		replans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_total",
			Help:      "Re-planning decisions by result.",
		}, []string{"result"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Submitted plans by validation result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit state per resource: 0 closed, 1 half-open, 2 open.",
		}, []string{"resource"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit state changes per resource and target state.",
		}, []string{"resource", "to"}),
	}

	var errs []error
	for _, col := range []prometheus.Collector{
		c.attempts, c.attemptDuration, c.rejections,
		c.steps, c.stepDuration, c.replans, c.plans,
		c.breakerState, c.transitions,
	} {
		if err := reg.Register(col); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveAttempt implements reliability.Observer.
func (c *Collectors) ObserveAttempt(resource string, d time.Duration, err error) {
	result := "success"
	switch {
	case err == nil:
	case reliability.IsTechnical(err):
		result = "technical"
	default:
		result = "semantic"
	}
	c.attempts.WithLabelValues(resource, result).Inc()
	c.attemptDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// ObserveRejection implements reliability.Observer.
func (c *Collectors) ObserveRejection(resource string, kind reliability.Kind) {
	c.rejections.WithLabelValues(resource, string(kind)).Inc()
}

// ObserveStep implements executor.Observer.
func (c *Collectors) ObserveStep(tool string, status executor.Status, d time.Duration) {
	c.steps.WithLabelValues(tool, string(status)).Inc()
	c.stepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveReplan implements executor.Observer.
func (c *Collectors) ObserveReplan(result string) {
	c.replans.WithLabelValues(result).Inc()
}

// ObservePlan counts a submitted plan.
func (c *Collectors) ObservePlan(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	c.plans.WithLabelValues(result).Inc()
}

// ObserveTransition has the shape of reliability.TransitionFunc.
func (c *Collectors) ObserveTransition(resource string, _, to reliability.State) {
	c.transitions.WithLabelValues(resource, string(to)).Inc()
	c.breakerState.WithLabelValues(resource).Set(stateValue(to))
}

func stateValue(s reliability.State) float64 {
	switch s {
	case reliability.StateHalfOpen:
		return 1
	case reliability.StateOpen:
		return 2
	}
	return 0
}
