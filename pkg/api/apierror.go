// Package api renders RFC 7807 problem responses and provides the edge
// middleware in front of enforced routes.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs),
// extended with the enforcement code and correlation ids.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     string `json:"code,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	RouteID  string `json:"route_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://paygate.mindburn.org/errors/%d", status)
}

// WriteProblem writes p as application/problem+json. Type and Title are
// filled from Status when empty.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil && p.Instance == "" {
		p.Instance = r.URL.Path
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get(HeaderRequestID)
	}
	if p.ActionID != "" {
		w.Header().Set("X-Action-Id", p.ActionID)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, nil, &ProblemDetail{Status: status, Title: title, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
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
func WriteInternal(w http.ResponseWriter, r *http.Request, code, actionID string, err error) {
	slog.Error("internal server error", "action_id", actionID, "error", err)
	WriteProblem(w, r, &ProblemDetail{
		Status:   http.StatusInternalServerError,
		Title:    "Internal Server Error",
		Detail:   "An unexpected error occurred. Please try again later.",
		Code:     code,
		ActionID: actionID,
	})
}

// PaymentRequiredBody is the JSON body of a 402 challenge response.
type PaymentRequiredBody struct {
	Error     string `json:"error"`
	ActionID  string `json:"actionId"`
	Challenge any    `json:"challenge"`
}

// WritePaymentRequired writes a 402 carrying the challenge in the named header
// and in the body.
func WritePaymentRequired(w http.ResponseWriter, header, encoded, actionID string, challenge any) {
	w.Header().Set(header, encoded)
	w.Header().Set("X-Action-Id", actionID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(PaymentRequiredBody{
		Error:     "PAYMENT_REQUIRED",
		ActionID:  actionID,
		Challenge: challenge,
	})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
