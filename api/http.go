// Package api exposes the engine over HTTP. Every route runs behind the
// reliability middleware.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/engine"
	"github.com/c360studio/semintent/executor"
	"github.com/c360studio/semintent/reliability"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// DefaultRoutePolicy protects each route: 60 requests per minute per client
// address and 30 seconds per request.
func DefaultRoutePolicy() reliability.Policy {
	p := reliability.DefaultPolicy()
	p.Timeout = 30 * time.Second
	p.MaxAttempts = 1
	return p
}

// Server serves the JSON API.
type Server struct {
	engine  *engine.Engine
	wrapper *reliability.Wrapper
	policy  reliability.Policy
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRoutePolicy sets the policy applied to every API route.
func WithRoutePolicy(p reliability.Policy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server.
func New(e *engine.Engine, w *reliability.Wrapper, opts ...Option) *Server {
	s := &Server{
		engine:  e,
		wrapper: w,
		policy:  DefaultRoutePolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers("/api/v1/", mux)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// RegisterHTTPHandlers registers the API routes under prefix, which must end
// with a slash.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	s.route(mux, "POST", prefix+"intents", "submit_intent", s.handleSubmit)
	s.route(mux, "GET", prefix+"audit-logs/{id}", "get_audit_log", s.handleGetLog)
	s.route(mux, "POST", prefix+"audit-logs/{id}/steps/{index}", "execute_step", s.handleExecuteStep)
	s.route(mux, "POST", prefix+"audit-logs/{id}/annotations", "annotate", s.handleAnnotate)
	s.route(mux, "GET", prefix+"users/{id}/audit-logs", "list_audit_logs", s.handleListLogs)
	s.route(mux, "GET", prefix+"users/{id}/profile", "user_profile", s.handleProfile)
	s.route(mux, "GET", prefix+"tools", "tools", s.handleTools)
	s.route(mux, "GET", prefix+"breakers", "breakers", s.handleBreakers)
}

func (s *Server) route(mux *http.ServeMux, method, path, name string, h http.HandlerFunc) {
	mux.Handle(method+" "+path, reliability.Middleware(s.wrapper, name, s.policy)(h))
}

// SubmitRequest is the JSON body of POST /intents.
type SubmitRequest struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
}

// StepRequest is the JSON body of POST /audit-logs/{id}/steps/{index}.
type StepRequest struct {
	Confirmed bool           `json:"confirmed"`
	Overrides map[string]any `json:"overrides,omitempty"`
	CallerID  string         `json:"caller_id,omitempty"`
}

// AnnotationRequest is the JSON body of POST /audit-logs/{id}/annotations.
type AnnotationRequest struct {
	Note string `json:"note"`
}

// ListResponse is returned by GET /users/{id}/audit-logs.
type ListResponse struct {
	AuditLogs []*audit.AuditLog `json:"audit_logs"`
	Count     int               `json:"count"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Submit(r.Context(), req.Intent, req.UserID)
	if errors.Is(err, engine.ErrEmptyIntent) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("Intent submission failed", "user_id", req.UserID, "error", err)
		http.Error(w, "Failed to submit intent", http.StatusInternalServerError)
		return
	}

	switch res.Status {
	case engine.SubmitAccepted:
		writeJSON(w, http.StatusCreated, res)
	case engine.SubmitValidationFailed:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		writeJSON(w, http.StatusBadGateway, res)
	}
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if !s.checkLookup(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 {
		http.Error(w, "step index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	var req StepRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	out := s.engine.ExecuteStep(r.Context(), r.PathValue("id"), executor.Request{
		StepIndex: idx,
		Confirmed: req.Confirmed,
		Overrides: req.Overrides,
		CallerID:  req.CallerID,
	})
	if out.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(out.RetryAfterSec))
	}
	writeJSON(w, outcomeStatus(out), out)
}

// outcomeStatus maps a step outcome onto an HTTP status. Tool failures use
// 424 so they do not count against the route's own breaker.
func outcomeStatus(out executor.Outcome) int {
	switch out.Status {
	case executor.StatusExecuted:
		return http.StatusOK
	case executor.StatusConfirmationRequired:
		return http.StatusPreconditionRequired
	case executor.StatusSequenceViolation, executor.StatusFinalized:
		return http.StatusConflict
	case executor.StatusNotFound:
		return http.StatusNotFound
	case executor.StatusInvalidRequest:
		return http.StatusBadRequest
	case executor.StatusFailed, executor.StatusReplanExhausted:
		if out.Kind == reliability.KindRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req AnnotationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	log, err := s.engine.Annotate(r.Context(), r.PathValue("id"), req.Note)
	if errors.Is(err, engine.ErrEmptyNote) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.checkLookup(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := s.engine.ListByUser(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("Listing audit logs failed", "user_id", r.PathValue("id"), "error", err)
		http.Error(w, "Failed to list audit logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}
	writeJSON(w, http.StatusOK, ListResponse{AuditLogs: logs, Count: len(logs)})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Profile(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, engine.ErrProfilesDisabled):
		http.Error(w, "User profiles are disabled", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("Building user profile failed", "user_id", r.PathValue("id"), "error", err)
		http.Error(w, "Failed to build user profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.engine.Tools()})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.engine.Breakers()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkLookup writes an error response for a failed log lookup and reports
// whether the handler may continue.
func (s *Server) checkLookup(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, audit.ErrNotFound):
		http.Error(w, "Audit log not found", http.StatusNotFound)
	default:
		s.logger.Error("Audit log lookup failed", "error", err)
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
	}
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
