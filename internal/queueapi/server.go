// Package queueapi is the queue delivery endpoint (spec C12): it accepts
// POST /tasks/{task_kind}, authenticates the caller as the managed queue,
// reads delivery headers into the logging scope, and routes the parsed
// delivery to the runner.
package queueapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/ctxlog"
	"github.com/Userport-ai/enrichment-worker/internal/registry"
	"github.com/Userport-ai/enrichment-worker/internal/runner"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Verifier checks an inbound bearer token against the known queue issuer
// and this service's audience.
type Verifier struct {
	issuer   string
	audience string
	secret   []byte
}

func NewVerifier(issuer, audience, secret string) *Verifier {
	return &Verifier{issuer: issuer, audience: audience, secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("queueapi: token invalid: %w", err)
	}
	if !token.Valid {
		return errors.New("queueapi: token invalid")
	}
	return nil
}

// Server hosts the queue delivery endpoint.
type Server struct {
	runner   *runner.Runner
	verifier *Verifier
	logger   *zap.Logger
}

func New(r *runner.Runner, verifier *Verifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{runner: r, verifier: verifier, logger: logger}
}

// Router builds the mux.Router for this server. Callers compose it into a
// larger http.Server alongside the admin API.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/tasks/{task_kind}", s.handleDelivery).Methods(http.MethodPost)
	return router
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx := ctxlog.With(r.Context(), ctxlog.Scope{TraceID: traceID})
	ctx = ctxlog.WithTag(ctx, "retry_count", r.Header.Get("X-Task-Retry-Count"))
	ctx = ctxlog.WithTag(ctx, "queue_name", r.Header.Get("X-Task-Queue-Name"))
	r = r.WithContext(ctx)

	log := ctxlog.Logger(ctx)

	if err := s.authenticate(r); err != nil {
		log.Warn("queueapi: authentication failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID", err.Error())
		return
	}

	taskKind := mux.Vars(r)["task_kind"]

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}

	jobID, _ := raw["job_id"].(string)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "job_id is required")
		return
	}
	entityID, ok := entityIDFrom(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "MISSING_FIELD", "one of account_id or lead_id is required")
		return
	}

	ctx = ctxlog.With(ctx, ctxlog.Scope{JobID: jobID, EntityID: entityID, TaskKind: taskKind})
	r = r.WithContext(ctx)

	deadline := defaultDeadline
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	outcome, err := s.runner.Run(ctx, runner.Delivery{
		TaskKind: taskKind, JobID: jobID, EntityID: entityID, Payload: raw,
	})
	if err != nil {
		var nf *registry.NotFoundError
		if errors.Is(err, runner.ErrUnknownTaskKind) || errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "UNKNOWN_TASK_KIND", err.Error())
			return
		}
		if outcome.Redeliver {
			writeError(w, http.StatusInternalServerError, "DELIVERY_FAILED", "callback delivery failed, redeliver")
			return
		}
		writeError(w, http.StatusInternalServerError, "RUNNER_ERROR", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(outcome.Summary)
}

var defaultDeadline = 540 * time.Second

// SetDefaultDeadline overrides the per-delivery deadline (spec
// DEFAULT_TASK_DEADLINE_SECONDS).
func SetDefaultDeadline(d time.Duration) { defaultDeadline = d }

func (s *Server) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return errors.New("missing or malformed Authorization header")
	}
	return s.verifier.Verify(header[len(prefix):])
}

func entityIDFrom(raw map[string]any) (string, bool) {
	if v, ok := raw["account_id"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := raw["lead_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}
