// Package httpapi is the illustrative HTTP mapping spec.md §6 calls for
// ("a typical HTTP mapping is given as illustration"). Transport itself
// is out of scope for the evidence core (spec.md §1), but this package
// gives append_batch and the verifier a concrete surface, grounded on
// the teacher's pkg/api (RFC 7807 errors, rate limiting) and pkg/auth
// (bearer caller identity) packages.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Every error response from this package uses this shape.
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// writeProblem writes an RFC 7807 response. detail MUST already be a
// message safe to show a caller — spec §7: "Messages MUST NOT leak
// internal state (stack traces, SQL fragments, credentials)."
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://tracelock.dev/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, code, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", code, detail)
}

func writeConflict(w http.ResponseWriter, r *http.Request, code, detail string) {
	writeProblem(w, r, http.StatusConflict, "Conflict", code, detail)
}

func writeUnprocessable(w http.ResponseWriter, r *http.Request, code, detail string) {
	writeProblem(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", code, detail)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "", detail)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "Not Found", "", detail)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "", "the HTTP method is not supported for this endpoint")
}

// writeInternal logs err internally but never exposes it to the caller.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()))
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "", "an unexpected error occurred")
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "", "rate limit exceeded, retry after the specified interval")
}
