// Package api holds the HTTP building blocks shared by the Vagus server:
// RFC 7807 problem responses, request rate limiting and JSON Schema
// validation of request bodies.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id.
	TraceID string `json:"trace_id,omitempty"`
	// Kind is the stable engine error kind, when the problem came from one.
	Kind contracts.Kind `json:"kind,omitempty"`
	// Retryable tells clients whether the same request may succeed later.
	Retryable bool `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func typeURI(status int, kind contracts.Kind) string {
	if kind != "" {
		return fmt.Sprintf("https://vagus.dev/errors/%s", kind)
	}
	return fmt.Sprintf("https://vagus.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   typeURI(status, ""),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusOf maps an engine error kind to its HTTP status.
func StatusOf(kind contracts.Kind) int {
	switch kind {
	case contracts.KindUnauthorized, contracts.KindUnauthorizedAttestor:
		return http.StatusForbidden
	case contracts.KindInvalidInput:
		return http.StatusBadRequest
	case contracts.KindTokenNotFound:
		return http.StatusNotFound
	case contracts.KindIntentExpired, contracts.KindStateMismatch,
		contracts.KindTokenAlreadyRevoked, contracts.KindNonceAlreadyUsed:
		return http.StatusConflict
	case contracts.KindANSLimitExceeded:
		return http.StatusUnprocessableEntity
	case contracts.KindANSBlocked:
		return http.StatusLocked
	case contracts.KindRateLimited:
		return http.StatusTooManyRequests
	case contracts.KindCircuitBreakerOpen, contracts.KindPaused:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteEngineError writes err as a problem carrying its kind. Internal
// errors are logged and masked.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var e *contracts.Error
	if !errors.As(err, &e) || e.Kind == contracts.KindInternal {
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, &ProblemDetail{
			Type:      typeURI(http.StatusInternalServerError, contracts.KindInternal),
			Title:     "Internal Server Error",
			Status:    http.StatusInternalServerError,
			Detail:    "An unexpected error occurred. Please try again later.",
			Instance:  r.URL.Path,
			TraceID:   w.Header().Get("X-Request-ID"),
			Kind:      contracts.KindInternal,
			Retryable: true,
		})
		return
	}
	status := StatusOf(e.Kind)
	writeProblem(w, &ProblemDetail{
		Type:      typeURI(status, e.Kind),
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    err.Error(),
		Instance:  r.URL.Path,
		TraceID:   w.Header().Get("X-Request-ID"),
		Kind:      e.Kind,
		Retryable: e.Kind.Retryable(),
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
