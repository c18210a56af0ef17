package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/onnwee/creditledger/internal/auth"
)

// userRolesKey is the context key for the caller's roles.
type userRolesKey struct{}

// userEmailKey is the context key for the caller's email.
type userEmailKey struct{}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// SetUserRoles stores the caller's roles in the context.
func SetUserRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, userRolesKey{}, roles)
}

// GetUserRoles returns the caller's roles, or nil.
func GetUserRoles(ctx context.Context) []string {
	roles, _ := ctx.Value(userRolesKey{}).([]string)
	return roles
}

// SetUserEmail stores the caller's email in the context.
func SetUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userEmailKey{}, email)
}

// GetUserEmail returns the caller's email, or an empty string.
func GetUserEmail(ctx context.Context) string {
	email, _ := ctx.Value(userEmailKey{}).(string)
	return email
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// RequireAuth rejects requests without a valid access token and stores the
// caller's id, email and roles in the request context.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				message := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					message = "Token has expired"
				}
				logger.DebugContext(r.Context(), "rejected bearer token", slog.String("error", err.Error()))
				writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", message)
				return
			}

			ctx := SetUserID(r.Context(), claims.Subject)
			ctx = SetUserEmail(ctx, claims.Email)
			ctx = SetUserRoles(ctx, claims.Roles)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated callers that lack role. It must run after RequireAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				writeMiddlewareError(w, r, http.StatusUnauthorized, "auth_failed", "Authentication required")
				return
			}
			if !slices.Contains(GetUserRoles(r.Context()), role) {
				writeMiddlewareError(w, r, http.StatusForbidden, "forbidden", "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
