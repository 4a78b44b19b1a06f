package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pagecast/internal/logger"
)

// RequestLogger gives every request an id and a request-scoped logger, and
// logs the request once it completes.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx := logger.Into(r.Context(), log.With(logger.Fields{
				logger.FieldRequestID: requestID,
				logger.FieldComponent: "api",
			}))
			w.Header().Set("X-Request-Id", requestID)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			entry := logger.FromContext(ctx).WithFields(logger.Fields{
				logger.FieldStatus:   ww.Status(),
				logger.FieldDuration: time.Since(start).Milliseconds(),
				"method":             r.Method,
				"path":               r.URL.Path,
				"bytes":              ww.BytesWritten(),
			})
			switch {
			case ww.Status() >= 500:
				entry.Error("request failed")
			case r.URL.Path == "/health":
				entry.Debug("request completed")
			default:
				entry.Info("request completed")
			}
		})
	}
}
