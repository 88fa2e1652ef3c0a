package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WithRequestLogger creates middleware that injects a request-scoped logger
// into the context. The logger carries method, path, client ip and request id.
// It should be placed after RequestID in the middleware chain.
func WithRequestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lc := base.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", GetClientIP(r))
			if requestID := GetRequestID(r.Context()); requestID != "" {
				lc = lc.Str("request_id", requestID)
			}
			logger := lc.Logger()

			next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		})
	}
}

// GetLogger retrieves the request-scoped logger from the context.
// If no logger is found, the global logger is returned.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
