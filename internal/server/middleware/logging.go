// Package middleware holds chi middleware shared by the admin HTTP surface,
// following the teacher's internal/server/middleware convention of keeping
// cross-cutting HTTP concerns out of individual handlers.
package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Logger returns a chi middleware that logs each request through logger,
// replacing the teacher's in-house middleware.Logger (which wrote through
// the package-level zerolog logger) with an injected instance so tests can
// supply a silent logger.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("http request")
		}
		return http.HandlerFunc(fn)
	}
}
