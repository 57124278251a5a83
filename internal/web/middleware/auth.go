package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-auth/internal/auth"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// RequireToken is middleware that requires a valid, non-revoked access token
func RequireToken(tm *TokenManager, denylist auth.Denylist, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tm.Parse(TokenFromRequest(r))
			if err != nil {
				unauthorized(w)
				return
			}

			revoked, err := denylist.IsRevoked(r.Context(), claims.ID)
			if err != nil {
				// fail closed when the denylist is unreachable
				log.Error("token denylist lookup failed", "err", err)
				http.Error(w, `{"error": "token check unavailable", "code": "unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			if revoked {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="face-auth"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error": "Invalid token", "code": "invalid_token"}`))
}

// ClaimsFromContext retrieves the token claims from the request context
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// SetClaimsInContext adds token claims to the context.
// This is primarily for testing - use RequireToken middleware in production.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
