// Package api serves the repair workflow over HTTP. Errors are RFC 7807 problem details.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
)

// ProblemDetail is an RFC 7807 body. Every non-2xx response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Code is the stable machine code of a repair failure.
	Code string `json:"code,omitempty"`
	Hint string `json:"hint,omitempty"`
	// Evaluation is set when a policy decision caused the failure.
	Evaluation *policy.Evaluation `json:"evaluation,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

func newProblem(r *http.Request, status int, code, detail string) *ProblemDetail {
	p := &ProblemDetail{
		Type:   "/problems/http-" + strconv.Itoa(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	}
	if code != "" {
		p.Type = "/problems/" + code
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = RequestIDFrom(r.Context())
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			p.TraceID = sc.TraceID().String()
		}
	}
	return p
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a plain problem for status. r may be nil.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, newProblem(r, status, "", detail))
}

// StatusOf maps a repair error to its HTTP status.
func StatusOf(err error) int {
	switch repairerrors.CodeOf(err) {
	case "invalid_input":
		return http.StatusBadRequest
	case "blocked", "checksum_mismatch":
		return http.StatusUnprocessableEntity
	case "not_found", "base_manifest_not_found":
		return http.StatusNotFound
	case "expired":
		return http.StatusGone
	case "illegal_transition", "not_pending", "conflict", "already_exists":
		return http.StatusConflict
	case "store_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteRepairError writes err with its code and hint. Internal errors are logged and
// sanitized.
func WriteRepairError(w http.ResponseWriter, r *http.Request, err error, eval *policy.Evaluation) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	p := newProblem(r, status, repairerrors.CodeOf(err), err.Error())
	p.Hint = repairerrors.HintOf(err)
	p.Evaluation = eval
	writeProblem(w, p)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="repair"`)
	WriteError(w, r, http.StatusUnauthorized, detail)
}

func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded, retry after the indicated interval")
}

// WriteInternal logs err and writes a 500 that does not expose it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	p := newProblem(r, http.StatusInternalServerError, "internal", "An unexpected error occurred")
	slog.Error("internal server error", "request_id", p.RequestID, "trace_id", p.TraceID, "error", err)
	writeProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
