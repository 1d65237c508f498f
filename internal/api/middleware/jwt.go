package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flowpbx/flowphone/internal/auth"
)

type contextKey string

const subjectKey contextKey = "token_subject"

// RequireToken returns middleware that validates bearer tokens. Event
// streams opened by EventSource cannot set headers, so an access_token query
// parameter is accepted as well.
func RequireToken(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims, err := auth.ParseToken(secret, tokenString)
			if err != nil {
				logger.Debug("api auth: invalid token", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

// SubjectFromContext returns the authenticated token subject, or "" when
// the request was not authenticated.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}
