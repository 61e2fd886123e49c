// Package middleware provides the per-request session authenticator and the
// admin guard that composes on top of it.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"llm-platform-backend/internal/account/domain"
	authservice "llm-platform-backend/internal/auth/service"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/metrics"
	"llm-platform-backend/internal/security"
	"llm-platform-backend/internal/server/respond"
)

type contextKey string

const accountContextKey contextKey = "account"

const bearerPrefix = "bearer "

// Authenticator resolves a caller identity from presented credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, creds authservice.Credentials) (*domain.Account, error)
}

// AuthMiddleware authenticates every request it wraps and stores the resolved
// account in the request context.
type AuthMiddleware struct {
	auth Authenticator
	log  logging.Logger
	m    *metrics.Metrics
}

// NewAuthMiddleware returns an AuthMiddleware using the given authenticator.
func NewAuthMiddleware(auth Authenticator, log logging.Logger, m *metrics.Metrics) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, log: log, m: m}
}

// Require rejects the request with 401 unless a credential resolves to an
// active account. Every failure subtype maps to 401; the subtype travels only
// in the body message and the audit log.
func (mw *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := authservice.Credentials{
			BearerToken: extractBearer(r),
			APIKey:      r.Header.Get("X-API-Key"),
		}
		if cookie, err := r.Cookie(security.FingerprintCookieName); err == nil {
			creds.RawFingerprint = cookie.Value
		}

		acct, err := mw.auth.Authenticate(r.Context(), creds)
		if err != nil {
			if reason, ok := authservice.Rejected(err); ok {
				mw.m.AuthRequests.WithLabelValues(string(reason)).Inc()
				respond.Error(w, http.StatusUnauthorized, string(reason))
				return
			}
			mw.log.Error("authentication lookup failed", zap.Error(err))
			respond.Error(w, http.StatusInternalServerError, "internal error")
			return
		}

		mw.m.AuthRequests.WithLabelValues("ok").Inc()
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
	})
}

// RequireAdmin composes on an already-authenticated request and rejects with
// 403 unless the resolved account's role is exactly admin. The role switch is
// exhaustive on purpose: an unknown role value never grants access.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, ok := AccountFrom(r.Context())
		if !ok {
			respond.Error(w, http.StatusUnauthorized, string(authservice.ReasonMissingCredentials))
			return
		}
		switch acct.Role {
		case domain.RoleAdmin:
			next.ServeHTTP(w, r)
		case domain.RoleStudent:
			respond.Error(w, http.StatusForbidden, "admin privileges required")
		default:
			respond.Error(w, http.StatusForbidden, "admin privileges required")
		}
	})
}

// WithAccount stores the resolved account in ctx.
func WithAccount(ctx context.Context, acct *domain.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, acct)
}

// AccountFrom returns the account resolved by the session authenticator, if any.
// This is the only way handlers obtain a caller identity.
func AccountFrom(ctx context.Context) (*domain.Account, bool) {
	acct, ok := ctx.Value(accountContextKey).(*domain.Account)
	return acct, ok && acct != nil
}

// extractBearer returns the Bearer token from the Authorization header, or ""
// if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
