package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/calderhq/calder/internal/domain"
	"github.com/calderhq/calder/internal/handler"
)

type contextKey string

// UserIDContextKey is the context key for storing the authenticated user ID
const UserIDContextKey contextKey = "user_id"

// RequireUser authenticates requests via a bearer token and stores the
// resolved user ID in the request context. Requests without a valid token
// get a 401.
func RequireUser(identity domain.IdentityService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				handler.ErrorResponse(w, r, domain.Unauthorized("auth.require", "missing bearer token"))
				return
			}

			userID, err := identity.ResolveToken(r.Context(), token)
			if err != nil {
				handler.ErrorResponse(w, r, domain.Unauthorized("auth.require", "invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdminToken guards operator endpoints with a static shared secret.
// The token is compared in constant time. An empty configured token disables
// the endpoint entirely.
func RequireAdminToken(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				handler.ErrorResponse(w, r, domain.Forbidden("auth.admin", "admin access is not configured"))
				return
			}

			token := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				handler.ErrorResponse(w, r, domain.Forbidden("auth.admin", "admin token required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext retrieves the authenticated user ID from the request
// context. Returns uuid.Nil and false if the request is unauthenticated.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(uuid.UUID)
	return userID, ok
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
