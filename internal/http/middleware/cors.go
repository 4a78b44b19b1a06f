package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

// CORS allows the configured browser origins to drive broadcasts. A "*"
// origin cannot be combined with credentials, so credentials are dropped.
func CORS(origins []string, credentials bool) func(http.Handler) http.Handler {
	if slices.Contains(origins, "*") {
		credentials = false
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: credentials,
		MaxAge:           600,
	})
}
