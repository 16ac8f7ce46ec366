package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"quantumhive/internal/httpx"
)

type claimsCtxKey struct{}

// FromContext returns the verified claims attached by RequireAuth, or
// nil outside an authenticated request.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsCtxKey{}).(*Claims)
	return c
}

// WithClaims attaches claims to a context. Exposed for tests.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, c)
}

// RequireAuth authenticates the bearer access token and attaches its
// claims to the request context.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			httpx.Write(w, r, httpx.BadRequest("missing authorization header"))
			return
		}
		if !strings.HasPrefix(h, "Bearer ") {
			httpx.Write(w, r, httpx.BadRequest("invalid authentication header format"))
			return
		}
		claims, err := s.CheckAccess(r.Context(), strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			switch {
			case errors.Is(err, ErrExpired):
				httpx.Write(w, r, httpx.Unauthorized("token has expired"))
			case errors.Is(err, ErrRevoked):
				httpx.Write(w, r, httpx.Unauthorized("token has been revoked"))
			default:
				httpx.Write(w, r, httpx.Unauthorized("invalid token"))
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin rejects authenticated requests whose role is not admin.
// Must be mounted inside RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := FromContext(r.Context())
		if claims == nil || claims.Role != "admin" {
			httpx.Write(w, r, httpx.Forbidden("admin only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
