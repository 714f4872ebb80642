// Package middleware holds the HTTP middleware shared by the evalfarm
// servers.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/psantana5/evalfarm/pkg/auth"
	"github.com/psantana5/evalfarm/pkg/logging"
)

type contextKey string

// operatorKey marks requests that presented a valid operator token
const operatorKey contextKey = "operator"

// RequireOperator rejects requests without a valid bearer token. With no
// token hash configured every guarded route is refused.
func RequireOperator(v *auth.Verifier, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				http.Error(w, "operator token not configured", http.StatusForbidden)
				return
			}

			token := auth.BearerToken(r.Header.Get("Authorization"))
			if err := v.Verify(token); err != nil {
				logger.Warn("Rejected operator request", logging.Fields{
					"path":   r.URL.Path,
					"remote": r.RemoteAddr,
					"error":  err.Error(),
				})
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsOperator reports whether the request was authenticated as an operator
func IsOperator(r *http.Request) bool {
	ok, _ := r.Context().Value(operatorKey).(bool)
	return ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging logs every request at debug level and failures at warn
func Logging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := logging.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			}
			if rec.status >= 400 {
				logger.Warn("HTTP request failed", fields)
				return
			}
			logger.Debug("HTTP request", fields)
		})
	}
}
