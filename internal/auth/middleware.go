package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// TenantMiddleware extracts tenant information from the bearer token and adds
// it to the request context. Requests without a token pass through untouched.
// An invalid token is rejected when required is set, and otherwise logged and
// ignored. A tenant already placed in the context by an upstream authorizer
// is kept as is.
func TenantMiddleware(v Verifier, required bool, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := GetTenantID(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if required {
					http.Error(w, "Missing bearer token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			info, err := v.Verify(r.Context(), authHeader)
			if err != nil {
				if required {
					logger.Warn().Err(err).Msg("rejecting request with invalid token")
					http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
					return
				}
				logger.Warn().Err(err).Msg("failed to extract tenant ID from token")
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithTenantID(r.Context(), info.TenantID)
			if info.Expiration > 0 {
				ctx = WithTokenExpiration(ctx, info.Expiration)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
