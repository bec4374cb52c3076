// Package api exposes the request lifecycle over HTTP: admission,
// status reads, audit trails, backend callbacks, and the metrics
// snapshot. All error responses are RFC 7807 problem details.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/policy"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// RequestID, Errors, and Violations are extension members filled per
// error kind.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request log line.
	TraceID string `json:"trace_id,omitempty"`

	RequestID  string                     `json:"request_id,omitempty"`
	Errors     []envelope.ValidationError `json:"errors,omitempty"`
	Violations []policy.Violation         `json:"violations,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// NewProblem builds a problem detail for the request, wiring instance
// and trace id from the request context.
func NewProblem(r *http.Request, status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:     fmt.Sprintf("https://rudder.mindburn.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  RequestIDFrom(r.Context()),
	}
}

// WriteProblem sends a problem detail.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError is the shorthand for problems without extension members.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, NewProblem(r, status, title, detail))
}

// WriteTooManyRequests sends a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// writeJSON sends a success body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
