// Package identity resolves connection and API tokens to principals and
// carries them through request contexts.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/sellerdesk/internal/domain"
	"github.com/ashureev/sellerdesk/internal/store"
)

type contextKey int

const (
	principalKey contextKey = iota
)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the principal from the request context.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}

// TokenFromRequest reads the token from the "token" query parameter or a
// bearer Authorization header, in that order.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// EnsureUser records the principal's first visit and refreshes last-seen on
// later ones.
func EnsureUser(ctx context.Context, repo store.Repository, p domain.Principal) error {
	if repo == nil {
		return nil
	}
	existing, err := repo.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user := &domain.User{UserID: p.UserID, Username: p.Username, LastSeenAt: now}
	if existing != nil {
		user.CreatedAt = existing.CreatedAt
		if user.Username == "" {
			user.Username = existing.Username
		}
	}
	return repo.UpsertUser(ctx, user)
}

// Middleware rejects requests without a valid token and injects the principal
// into the request context.
func Middleware(validator TokenValidator, repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := validator.ValidateToken(r.Context(), TokenFromRequest(r))
			if err != nil {
				msg := `{"error":"invalid token"}`
				if errors.Is(err, ErrMissingToken) {
					msg = `{"error":"missing token"}`
				}
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}

			if err := EnsureUser(r.Context(), repo, p); err != nil {
				slog.Warn("failed to record user", "user_id", p.UserID, "error", err)
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
