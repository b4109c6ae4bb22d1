// Package correlation tags each request with an ID and a logger carrying it.
package correlation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const (
	idKey     contextKey = "request_id"
	loggerKey contextKey = "logger"
)

// HeaderName is the HTTP header carrying the request ID both ways.
const HeaderName = "X-Request-ID"

// Middleware reuses an incoming request ID, or chi's when RequestID ran
// first, and otherwise generates one. The ID is echoed in the response.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderName)
			if id == "" {
				id = middleware.GetReqID(r.Context())
			}
			if id == "" {
				id = uuid.NewString()
			}

			ctx := WithID(r.Context(), id)
			ctx = context.WithValue(ctx, loggerKey, logger.With("request_id", id))
			w.Header().Set(HeaderName, id)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetID retrieves the request ID from context.
func GetID(ctx context.Context) string {
	if id, ok := ctx.Value(idKey).(string); ok {
		return id
	}
	return ""
}

// WithID adds a request ID to the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// Logger returns the request scoped logger, or fallback outside a request.
func Logger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return fallback
}
