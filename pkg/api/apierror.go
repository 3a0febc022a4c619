// Package api exposes plan transitions over HTTP with RFC 7807 error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the machine-readable plan error code, when there is one.
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int, code plan.Code) string {
	if code != "" {
		return "https://stakeplan.dev/errors/" + string(code)
	}
	return fmt.Sprintf("https://stakeplan.dev/errors/%d", status)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, code plan.Code) {
	problem := &ProblemDetail{
		Type:    problemType(status, code),
		Title:   title,
		Status:  status,
		Detail:  detail,
		Code:    string(code),
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, status, title, detail, "")
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="stakeplan"`)
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// statusFor maps a plan error code onto an HTTP status.
func statusFor(code plan.Code) int {
	switch code {
	case plan.CodeInvalidNumberOfDays,
		plan.CodeInvalidDailyFrequency,
		plan.CodeInvalidDurationMinutes,
		plan.CodeInvalidCommitmentStakeAmount,
		plan.CodeInvalidMint,
		plan.CodeInvalidTimestamps,
		plan.CodeAttestationTooShort,
		plan.CodeAttestationTooLong,
		plan.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case plan.CodeUnauthorizedAccess:
		return http.StatusForbidden
	case plan.CodePlanNotFound:
		return http.StatusNotFound
	case plan.CodePlanAlreadyExists,
		plan.CodePlanInactive,
		plan.CodePlanCompleted,
		plan.CodePlanNotStarted,
		plan.CodePlanExpired,
		plan.CodePlanNotEnded,
		plan.CodeDailyFrequencyExceeded,
		plan.CodeConcurrentUpdate:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// WritePlanError writes the problem document for an error returned by the lifecycle.
// Errors without a client-facing code are logged and reported as 500.
func WritePlanError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var perr *plan.Error
	if !errors.As(err, &perr) {
		WriteInternal(w, r, logger, err)
		return
	}
	status := statusFor(perr.Code)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, logger, err)
		return
	}
	if perr.Code == plan.CodeConcurrentUpdate {
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, r, status, http.StatusText(status), perr.Message, perr.Code)
}
