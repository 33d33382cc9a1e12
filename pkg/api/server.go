package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/health"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/observability"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"
)

const maxBodyBytes = 1 << 20

// Server exposes the repair orchestrator over HTTP.
type Server struct {
	repairs   *repair.Orchestrator
	monitor   *health.Monitor
	validator *JWTValidator
	limiter   *ClientRateLimiter
	obs       *observability.Provider
	logger    *slog.Logger
}

type ServerOption func(*Server)

func WithValidator(v *JWTValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

func WithRateLimiter(rl *ClientRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func WithObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func NewServer(repairs *repair.Orchestrator, monitor *health.Monitor, opts ...ServerOption) *Server {
	s := &Server{
		repairs: repairs,
		monitor: monitor,
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in request id, auth and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("POST /v1/repairs:dry-run", s.track("repair.dry_run", s.handleDryRun))
	mux.HandleFunc("POST /v1/repairs", s.track("repair.execute", s.handleExecute))
	mux.HandleFunc("GET /v1/repairs/pending", s.track("repair.list_pending", s.handleListPending))
	mux.HandleFunc("POST /v1/repairs/{action}", s.track("repair.transition", s.handleTransition))
	mux.HandleFunc("GET /v1/manifests/{job_id}/effective", s.track("manifest.effective", s.handleEffective))
	mux.HandleFunc("GET /v1/manifests/{job_id}/history", s.track("manifest.history", s.handleHistory))
	mux.HandleFunc("GET /v1/health/manifests", s.track("health.manifests", s.handleHealth))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = NewAuthMiddleware(s.validator)(h)
	return RequestIDMiddleware(h)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) track(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := r.Context()
		var done func(error, string)
		if s.obs != nil {
			ctx, done = s.obs.TrackOperation(ctx, op, attribute.String("http.route", r.Pattern))
		}
		next(rec, r.WithContext(ctx))

		if done != nil {
			var err error
			if rec.status >= http.StatusInternalServerError {
				err = fmt.Errorf("%s returned %d", op, rec.status)
			}
			done(err, strconv.Itoa(rec.status))
		}
		s.logger.InfoContext(ctx, "request",
			"op", op,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", RequestIDFrom(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRepairRequest(w http.ResponseWriter, r *http.Request) (repair.RepairRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req repair.RepairRequest
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return req, false
	}
	if req.OperationMode == "" {
		req.OperationMode = manifest.ModeRepair
	}
	return req, true
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRepairRequest(w, r)
	if !ok {
		return
	}
	res, err := s.repairs.DryRunRepair(r.Context(), req)
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRepairRequest(w, r)
	if !ok {
		return
	}
	res, err := s.repairs.ExecuteRepair(r.Context(), req)
	if err != nil {
		var eval *policy.Evaluation
		if res != nil {
			eval = &res.Evaluation
		}
		WriteRepairError(w, r, err, eval)
		return
	}

	status := http.StatusCreated
	switch {
	case res.Duplicate:
		status = http.StatusOK
	case res.PendingHuman():
		status = http.StatusAccepted
	}
	w.Header().Set("Location", "/v1/repairs/"+res.RepairJobID)
	writeJSON(w, status, res)
}

// handleTransition serves POST /v1/repairs/{id}:approve, :reject and :rollback.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, verb, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok || id == "" {
		WriteNotFound(w, r, "Unknown repair action")
		return
	}

	p, _ := PrincipalFrom(r.Context())
	if !p.CanApprove() {
		WriteForbidden(w, r, "The approver role is required to "+verb+" repairs")
		return
	}

	var (
		m   *manifest.CompositeManifest
		err error
	)
	switch verb {
	case "approve":
		m, err = s.repairs.ApproveRepair(r.Context(), id, p.Subject)
	case "reject":
		m, err = s.repairs.RejectRepair(r.Context(), id, p.Subject)
	case "rollback":
		m, err = s.repairs.RollbackRepair(r.Context(), id, p.Subject)
	default:
		WriteNotFound(w, r, "Unknown repair action "+verb)
		return
	}
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.repairs.PendingWithTTL(r.Context())
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *Server) handleEffective(w http.ResponseWriter, r *http.Request) {
	m, err := s.repairs.EffectiveManifest(r.Context(), r.PathValue("job_id"))
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	entries := s.repairs.History(jobID)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "transitions": entries, "count": len(entries)})
}

func queryRate(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: %s must be a rate in [0,1]", repairerrors.ErrInvalidInput, name)
	}
	return v, nil
}

// handleHealth serves GET /v1/health/manifests?hist_7d=0.1&hist_30d=0.1.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h7, err := queryRate(r, "hist_7d")
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	h30, err := queryRate(r, "hist_30d")
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	hm, err := s.monitor.Check(r.Context(), h7, h30)
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	esc, err := s.monitor.Escalations(r.Context())
	if err != nil {
		WriteRepairError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": hm, "escalations": esc})
}
