package reliability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// bufferedResponse captures a handler's response so it can be discarded if
// the handler outlives its deadline.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}

// serverError carries the 5xx response a handler finished writing.
type serverError struct {
	resp *bufferedResponse
}

func (e *serverError) Error() string {
	return fmt.Sprintf("handler returned status %d", e.resp.status)
}

// Middleware protects an HTTP handler with policy: the rate limit is keyed by
// client address, the breaker by route, and 5xx responses count as failures.
// Handlers are never replayed, so the policy always runs a single attempt.
func Middleware(w *Wrapper, route string, policy Policy) func(http.Handler) http.Handler {
	policy.MaxAttempts = 1
	resource := "route:" + route

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			caller := "ip:" + ClientIP(r)

			if policy.RateLimit > 0 {
				rw.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.RateLimit))
				rw.Header().Set("X-RateLimit-Window", policy.window().String())
			}

			resp, _, err := Do(r.Context(), w, Call{Resource: resource, Caller: caller, Policy: policy},
				func(ctx context.Context) (*bufferedResponse, error) {
					buf := newBufferedResponse()
					next.ServeHTTP(buf, r.WithContext(ctx))
					if buf.status >= http.StatusInternalServerError {
						return nil, Transient(&serverError{resp: buf})
					}
					return buf, nil
				})

			if policy.RateLimit > 0 {
				remaining := w.reg.Limiter.Remaining(caller, policy.RateLimit, policy.window())
				rw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}

			if err == nil {
				resp.flush(rw)
				return
			}
			// Only a handler that finished is in the error chain; an abandoned
			// one may still be writing its buffer.
			var se *serverError
			if errors.As(err, &se) {
				se.resp.flush(rw)
				return
			}
			writeFailure(rw, err)
		})
	}
}

// writeFailure maps a protection failure onto an HTTP status.
func writeFailure(rw http.ResponseWriter, err error) {
	f, ok := AsFailure(err)
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	if f.RetryAfter > 0 {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
	}
	switch f.Kind {
	case KindRateLimited:
		http.Error(rw, "Too Many Requests", http.StatusTooManyRequests)
	case KindCircuitOpen:
		http.Error(rw, "Service temporarily unavailable", http.StatusServiceUnavailable)
	case KindTimeout:
		http.Error(rw, "Request timed out", http.StatusGatewayTimeout)
	case KindSemantic:
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
	default:
		http.Error(rw, "Upstream failure", http.StatusBadGateway)
	}
}

// ClientIP returns the caller address. Forwarded headers are honored only
// when the direct peer is a loopback proxy, since any client can set them.
func ClientIP(r *http.Request) string {
	connIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		connIP = host
	}

	ip := net.ParseIP(connIP)
	if ip == nil || !ip.IsLoopback() {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return connIP
}
