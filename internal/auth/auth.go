// Package auth implements the Outer API's api-key and admin-key
// middleware (spec.md §4.8/§6).
//
// Grounded on the teacher's internal/auth/auth.go (constant-time token
// compare, x-api-key/Bearer extraction, context-attached key info),
// narrowed from its per-user store lookup to spec.md's two static keys
// configured once at startup (§6 "apiKey", "adminApiKey").
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kiro-bridge/kiro-bridge/internal/apierrors"
)

type contextKey string

const isAdminKey contextKey = "isAdmin"

// Middleware validates requests against the configured api-key and,
// optionally, the admin-key.
type Middleware struct {
	apiKey      string
	adminAPIKey string
}

// New builds a Middleware. adminAPIKey may be empty, meaning the admin
// surface is never authenticated as admin (§4.8: admin routes are only
// reachable when an admin key is configured).
func New(apiKey, adminAPIKey string) *Middleware {
	return &Middleware{apiKey: apiKey, adminAPIKey: adminAPIKey}
}

// RequireAPIKey accepts either the configured api-key or, if configured,
// the admin-key — so an admin-key holder can also call the Outer API.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			apierrors.New(apierrors.KindAuthentication, "missing api key").WriteHTTP(w)
			return
		}

		switch {
		case constantTimeEqual(token, m.apiKey):
			next.ServeHTTP(w, r)
		case m.adminAPIKey != "" && constantTimeEqual(token, m.adminAPIKey):
			ctx := context.WithValue(r.Context(), isAdminKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		default:
			apierrors.New(apierrors.KindAuthentication, "invalid api key").WriteHTTP(w)
		}
	})
}

// RequireAdminKey rejects the request unless it presents the admin-key
// (and unless one is configured at all, in which case the admin surface
// is unreachable — §4.8).
func (m *Middleware) RequireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminAPIKey == "" {
			apierrors.New(apierrors.KindPermission, "admin surface not configured").WriteHTTP(w)
			return
		}
		token := extractToken(r)
		if token == "" || !constantTimeEqual(token, m.adminAPIKey) {
			apierrors.New(apierrors.KindPermission, "invalid admin key").WriteHTTP(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsAdmin reports whether the request authenticated with the admin key.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(isAdminKey).(bool)
	return v
}

func constantTimeEqual(token, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}
