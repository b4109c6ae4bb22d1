// Package apierrors provides structured API error handling.
package apierrors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/JetSquirrel/cloudbridge/internal/correlation"
	"github.com/JetSquirrel/cloudbridge/internal/model"
)

// APIError represents a structured API error.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return e.Message
}

// Write writes the error response.
func (e *APIError) Write(w http.ResponseWriter, r *http.Request) {
	e.RequestID = correlation.GetID(r.Context())

	if e.retryAfter > 0 {
		secs := int((e.retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(e)
}

func NewBadRequestError(message string) *APIError {
	return &APIError{
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:       "NOT_FOUND",
		Message:    resource + " not found",
		StatusCode: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

func NewInternalError(message string) *APIError {
	return &APIError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func NewServiceUnavailableError(service string) *APIError {
	return &APIError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    service + " is temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}
}

type kindMapping struct {
	code   string
	status int
}

var kinds = map[model.ErrorKind]kindMapping{
	model.KindInvalidInput:        {"INVALID_INPUT", http.StatusBadRequest},
	model.KindUnsupportedProvider: {"UNSUPPORTED_PROVIDER", http.StatusBadRequest},
	model.KindAccountNotFound:     {"NOT_FOUND", http.StatusNotFound},
	model.KindAuth:                {"PROVIDER_AUTH_FAILED", http.StatusUnprocessableEntity},
	model.KindSigning:             {"SIGNING_FAILED", http.StatusUnprocessableEntity},
	model.KindCredentialNotFound:  {"CREDENTIALS_MISSING", http.StatusConflict},
	model.KindDecryption:          {"CREDENTIALS_UNREADABLE", http.StatusInternalServerError},
	model.KindRateLimit:           {"RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests},
	model.KindTransport:           {"PROVIDER_UNAVAILABLE", http.StatusServiceUnavailable},
	model.KindMalformedResponse:   {"PROVIDER_BAD_RESPONSE", http.StatusBadGateway},
}

// FromError converts an error to an APIError. Classified errors get the one
// user message of their kind; anything else is an internal error.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var e *model.Error
	if errors.As(err, &e) {
		m, ok := kinds[e.Kind]
		if !ok {
			return NewInternalError(e.Kind.UserMessage())
		}
		out := &APIError{
			Code:       m.code,
			Message:    e.Kind.UserMessage(),
			StatusCode: m.status,
			retryAfter: e.RetryAfter,
		}
		details := map[string]string{"kind": string(e.Kind)}
		if e.Provider != "" {
			details["provider"] = string(e.Provider)
		}
		if e.Kind == model.KindInvalidInput && e.Message != "" {
			details["reason"] = e.Message
		}
		out.Details = details
		return out
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Code: "TIMEOUT", Message: "The request timed out.", StatusCode: http.StatusGatewayTimeout}
	case errors.Is(err, context.Canceled):
		return &APIError{Code: "CANCELED", Message: "The request was canceled.", StatusCode: http.StatusServiceUnavailable}
	}
	return NewInternalError("An unexpected error occurred")
}

// WriteError converts err and writes it, logging server side failures.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	apiErr := FromError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "status", apiErr.StatusCode,
			"request_id", correlation.GetID(r.Context()), "error", err)
	}
	apiErr.Write(w, r)
}

// ErrorHandler is middleware that handles panics and errors.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				NewInternalError("Internal server error").Write(w, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
