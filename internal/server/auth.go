package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/me/contestd/internal/auth"
	"github.com/me/contestd/pkg/model"
)

const ctxKeyTeam ctxKey = "team"

// TeamFromContext returns the authenticated team name, or "" if none.
func TeamFromContext(ctx context.Context) string {
	if team, ok := ctx.Value(ctxKeyTeam).(string); ok {
		return team
	}
	return ""
}

// teamAuthMiddleware requires a valid bearer token and stores its team in context.
func teamAuthMiddleware(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			team, err := a.Authenticate(extractToken(r))
			if err != nil {
				respondError(w, reqID, http.StatusUnauthorized, model.NewUnauthorizedError(err.Error()))
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyTeam, team)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken returns the bearer token from the Authorization header.
// WebSocket clients that cannot set headers pass it as ?token= instead.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// adminMiddleware checks the X-Admin-Key header. An empty key disables the
// admin endpoints entirely.
func adminMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if key == "" {
				respondError(w, reqID, http.StatusForbidden, &model.APIError{
					Code:    model.ErrForbidden,
					Message: "admin endpoints are disabled",
				})
				return
			}
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				respondError(w, reqID, http.StatusForbidden, &model.APIError{
					Code:    model.ErrForbidden,
					Message: "admin access required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
