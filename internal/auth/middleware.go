package auth

import (
	"context"
	"net/http"
	"strings"

	"pagecast/internal/logger"
)

type ctxKey string

const ownerIDKey ctxKey = "owner_id"

func OwnerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerIDKey).(string)
	return id, ok && id != ""
}

// WithOwnerID is used by RequireAuth and by tests that bypass token checks.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func RequireAuth(jwtSvc *JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ownerID, err := jwtSvc.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithOwnerID(r.Context(), ownerID)
			ctx = logger.WithFields(ctx, logger.Fields{logger.FieldOwnerID: ownerID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
