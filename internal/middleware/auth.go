package middleware

import (
	"context"
	"net/http"
	"strings"

	"go-auth-service/internal/model"
	"go-auth-service/internal/token"
)

type authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*token.Claims, error)
}

type contextKey string

const authClaimsContextKey contextKey = "auth_claims"

type AuthMiddleware struct {
	auth authenticator
}

func NewAuthMiddleware(auth authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// RequireAuth guards resource routes: it verifies the bearer access token
// and the continued existence of its subject, then stashes the claims in
// the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := BearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := m.auth.Authenticate(r.Context(), bearer)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), authClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(authClaimsContextKey).(*token.Claims)
	return claims, ok
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}

	bearer := strings.TrimSpace(header[7:])
	if bearer == "" {
		return "", false
	}
	return bearer, true
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = jsonEncode(w, model.APIResponse{
		Success: false,
		Error: &model.APIError{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
	})
}
