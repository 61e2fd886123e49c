package domain

import (
	"errors"
	"fmt"
	"time"
)

// Role is the closed set of account roles. Authorization guards match on it
// exhaustively; an unknown value never grants access.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// ParseRole maps a stored string to a Role. Unknown values are an error, never
// silently mapped to a usable role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleStudent:
		return RoleStudent, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// IsAdmin reports whether r grants elevated privileges. Only the exact admin
// value qualifies.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Account is the core identity entity.
// TokenVersion is the sole revocation mechanism: it increases strictly
// monotonically and never decreases, and a bearer token is valid only while its
// embedded snapshot equals the live value.
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Active       bool
	// APIKey is the per-account upstream gateway credential. It doubles as the
	// legacy X-API-Key static login key for pre-JWT clients.
	APIKey           string
	APIKeyExpiresAt  *time.Time
	DailyTokenLimit  int64
	FailedLogins     int
	TokenVersion     int
	DisplayName      string
	ClassName        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate validates the account for persistence.
func (a *Account) Validate() error {
	if a.Username == "" {
		return errors.New("username is required")
	}
	if a.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		return err
	}
	if a.TokenVersion < 1 {
		return errors.New("token version must be at least 1")
	}
	return nil
}

// APIKeyExpired reports whether the legacy key has an expiry in the past.
func (a *Account) APIKeyExpired(now time.Time) bool {
	return a.APIKeyExpiresAt != nil && a.APIKeyExpiresAt.Before(now)
}

// LoginAttempt is an append-only record of one authentication attempt.
// Never mutated or deleted by this service.
type LoginAttempt struct {
	ID            int64
	AccountID     string // empty when the username did not resolve
	IP            string
	UserAgent     string
	Success       bool
	FailureReason string
	CreatedAt     time.Time
}
