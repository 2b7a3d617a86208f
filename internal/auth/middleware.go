package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/model"
)

// Cookie names shared by the handlers that set them and the guard that
// reads them.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// contextKey is unexported so only this package can read or write the
// identity stored in a request context.
type contextKey string

const identityKey contextKey = "identity"

// ErrorWriter renders a failure. The server passes the handler package's
// envelope writer so guard rejections look like every other error.
type ErrorWriter func(w http.ResponseWriter, err error)

// RequireAuth is the auth guard for protected routes.
//
// It takes the access token from the accessToken cookie, falling back to an
// "Authorization: Bearer <token>" header, verifies it and stores the
// resulting model.Identity in the request context. Missing or invalid
// tokens are rejected with 401 before the handler runs.
func RequireAuth(tokens *TokenService, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := accessTokenFromRequest(r)
			if raw == "" {
				fail(w, apperror.Unauthorized("Unauthorized request"))
				return
			}

			id, err := tokens.ParseAccess(raw)
			if err != nil {
				fail(w, apperror.Unauthorized("Invalid access token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by RequireAuth.
// The bool is false for anonymous requests.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok && id.UserID != ""
}

func accessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
