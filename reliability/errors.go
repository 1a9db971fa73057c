// Package reliability protects calls to external operations with a rate
// limiter, a per-resource circuit breaker, a timeout and bounded retries.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies why a protected call did not succeed.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindCircuitOpen Kind = "circuit_open"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream_failure"
	KindSemantic    Kind = "semantic_failure"
)

// Transient reports whether a caller may reasonably try again later.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimited, KindCircuitOpen, KindTimeout, KindUpstream:
		return true
	}
	return false
}

// Failure is the structured error every protected call returns.
type Failure struct {
	Kind       Kind
	Resource   string
	Detail     string
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Resource != "" {
		b.WriteString(" [")
		b.WriteString(f.Resource)
		b.WriteString("]")
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	} else if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or KindUpstream for unstructured errors.
func KindOf(err error) Kind {
	if f, ok := AsFailure(err); ok {
		return f.Kind
	}
	return KindUpstream
}

// Error markers. Tools use these to state explicitly how a failure should be
// treated instead of relying on message heuristics.

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a technical failure that is worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type semanticError struct {
	err error
}

func (e *semanticError) Error() string { return e.err.Error() }
func (e *semanticError) Unwrap() error { return e.err }

// Semantic marks err as a logical failure: the operation ran and said no.
func Semantic(err error) error {
	if err == nil {
		return nil
	}
	return &semanticError{err: err}
}

// technicalPatterns match upstream messages that indicate a transient condition.
var technicalPatterns = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"connection",
	"network",
	"econnreset",
	"econnrefused",
	"503",
	"service unavailable",
	"temporarily unavailable",
}

// IsTechnical decides whether err is a transient, retryable failure.
// Explicit markers win over everything else; unclassified errors are semantic.
func IsTechnical(err error) bool {
	if err == nil {
		return false
	}

	var sem *semanticError
	if errors.As(err, &sem) {
		return false
	}
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}
	if f, ok := AsFailure(err); ok {
		return f.Kind.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range technicalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func newFailure(kind Kind, resource string, err error) *Failure {
	f := &Failure{Kind: kind, Resource: resource, Err: err}
	if err != nil {
		f.Detail = err.Error()
	}
	return f
}

func timeoutFailure(resource string, d time.Duration) *Failure {
	return &Failure{
		Kind:     KindTimeout,
		Resource: resource,
		Detail:   fmt.Sprintf("operation exceeded %s", d),
		Err:      context.DeadlineExceeded,
	}
}
