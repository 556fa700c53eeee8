// Package api serves the agent protocol and the admin surface over HTTPS
// JSON, plus the newline-delimited event stream.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ContextKeyRequestID holds the request ID in context.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyNode holds the authenticated node in context.
	ContextKeyNode contextKey = "node"
	// ContextKeyAdmin marks an admin-authenticated request.
	ContextKeyAdmin contextKey = "admin"
)

// AdminTokenHeader carries the admin shared secret.
const AdminTokenHeader = "X-Admin-Token"

// RequestIDMiddleware adds a unique request ID to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with timing.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
				logger.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.statusCode,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", requestID,
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets the stream handler push frames through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecoveryMiddleware recovers from panics and returns 500.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
					logger.ErrorContext(r.Context(), "panic recovered",
						"error", err,
						"request_id", requestID,
						"path", r.URL.Path,
					)
					writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// DeadlineMiddleware bounds every handler with the default deadline so
// abandoned work is cancelled.
func DeadlineMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware requires the admin shared secret, compared in constant
// time. Missing and wrong tokens are indistinguishable.
func AdminAuthMiddleware(tokens *token.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokens.VerifyAdmin(r.Header.Get(AdminTokenHeader)) {
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyAdmin, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NodeAuthMiddleware resolves the bearer token minted at approval to a node.
func NodeAuthMiddleware(proj *projection.Projection) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			node, ok := nodeFromBearer(proj, r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyNode, node)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NodeOrAdminAuthMiddleware accepts either credential; the evaluate endpoint
// and the event stream serve both consumers.
func NodeOrAdminAuthMiddleware(tokens *token.Manager, proj *projection.Projection) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens.VerifyAdmin(r.Header.Get(AdminTokenHeader)) {
				ctx := context.WithValue(r.Context(), ContextKeyAdmin, true)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if node, ok := nodeFromBearer(proj, r); ok {
				ctx := context.WithValue(r.Context(), ContextKeyNode, node)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		})
	}
}

func nodeFromBearer(proj *projection.Projection, r *http.Request) (*models.Node, bool) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, false
	}
	return proj.NodeByToken(parts[1])
}

// nodeFrom extracts the authenticated node from the request context.
func nodeFrom(r *http.Request) (*models.Node, bool) {
	node, ok := r.Context().Value(ContextKeyNode).(*models.Node)
	return node, ok
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
