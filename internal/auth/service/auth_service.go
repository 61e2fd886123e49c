// Package service implements login, per-request authentication, and
// token-version invalidation (forced logout).
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"llm-platform-backend/internal/account/domain"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/security"
)

// ErrInvalidCredentials is the single error surfaced by Login for every
// credential failure. Whether the username was unknown, the password wrong, or
// the account disabled is recorded in the audit log and login_history only,
// never returned to the caller.
var ErrInvalidCredentials = errors.New("invalid credentials")

// RejectReason classifies why a request failed authentication. All reasons map
// to HTTP 401 at the protocol boundary; the subtype travels only in the
// response message and the audit log.
type RejectReason string

const (
	ReasonMissingCredentials RejectReason = "missing credentials"
	ReasonMalformedToken     RejectReason = "invalid token"
	ReasonExpiredToken       RejectReason = "token expired"
	ReasonBindingFailed      RejectReason = "session binding failed"
	ReasonAccountInactive    RejectReason = "account inactive"
	ReasonRevoked            RejectReason = "forced logout"
	ReasonKeyInvalid         RejectReason = "invalid api key"
	ReasonKeyExpired         RejectReason = "api key expired"
)

// RejectedError is the typed failure result of Authenticate. Each request is
// evaluated independently; a rejection is terminal for that request and the
// client must obtain new credentials rather than retry the same ones.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return string(e.Reason)
}

// Rejected returns the RejectReason if err is a RejectedError.
func Rejected(err error) (RejectReason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Credentials carries everything a request may present for authentication.
type Credentials struct {
	// BearerToken is the JWT from the Authorization header, without the prefix.
	BearerToken string
	// RawFingerprint is the value of the _fgp cookie, if any.
	RawFingerprint string
	// APIKey is the legacy X-API-Key header value, honored only when no bearer
	// token is presented.
	APIKey string
}

// AccountRepo is the minimal account repository needed by the auth service.
type AccountRepo interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	GetByAPIKey(ctx context.Context, key string) (*domain.Account, error)
	BumpTokenVersion(ctx context.Context, id string) (int, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	IncrementFailedLogins(ctx context.Context, id string) error
	ResetFailedLogins(ctx context.Context, id string) error
	RecordLoginAttempt(ctx context.Context, att *domain.LoginAttempt) error
}

// LoginResult holds the outcome of a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	// RawFingerprint must travel to the client only inside the _fgp cookie.
	RawFingerprint string
	Account        *domain.Account
}

// AuthService authenticates requests and manages session invalidation.
type AuthService struct {
	accounts AccountRepo
	hasher   *security.Hasher
	tokens   *security.TokenProvider
	log      logging.Logger
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(accounts AccountRepo, hasher *security.Hasher, tokens *security.TokenProvider, log logging.Logger) *AuthService {
	return &AuthService{accounts: accounts, hasher: hasher, tokens: tokens, log: log}
}

// Login verifies username/password and, on success, issues a
// fingerprint-bound session token. Every attempt is appended to login_history.
func (s *AuthService) Login(ctx context.Context, username, password, ip, userAgent string) (*LoginResult, error) {
	acct, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	if acct == nil {
		s.recordAttempt(ctx, "", ip, userAgent, false, "user_not_found")
		return nil, ErrInvalidCredentials
	}
	if !acct.Active {
		s.recordAttempt(ctx, acct.ID, ip, userAgent, false, "account_disabled")
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Verify([]byte(password), acct.PasswordHash) {
		if err := s.accounts.IncrementFailedLogins(ctx, acct.ID); err != nil {
			s.log.Warn("failed to increment login attempts", zap.Error(err))
		}
		s.recordAttempt(ctx, acct.ID, ip, userAgent, false, "invalid_password")
		return nil, ErrInvalidCredentials
	}

	if err := s.accounts.ResetFailedLogins(ctx, acct.ID); err != nil {
		s.log.Warn("failed to reset login attempts", zap.Error(err))
	}
	s.recordAttempt(ctx, acct.ID, ip, userAgent, true, "")

	raw, err := security.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("generate fingerprint: %w", err)
	}
	token, expiresAt, err := s.tokens.Issue(acct.ID, acct.Username, string(acct.Role), acct.TokenVersion, security.HashFingerprint(raw))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	return &LoginResult{
		Token:          token,
		ExpiresAt:      expiresAt,
		RawFingerprint: raw,
		Account:        acct,
	}, nil
}

// Authenticate resolves a caller identity from the presented credentials,
// evaluated in strict order and short-circuiting on the first failure:
//
//  1. bearer token signature and expiry
//  2. fingerprint binding, when the token carries a fingerprint hash
//  3. account exists and is active
//  4. token-version snapshot equals the account's live value
//  5. otherwise the legacy static key path (no fingerprint or version check)
//
// Returns the resolved account, or a RejectedError. This is the only way
// downstream handlers obtain an identity.
func (s *AuthService) Authenticate(ctx context.Context, creds Credentials) (*domain.Account, error) {
	if creds.BearerToken != "" {
		return s.authenticateBearer(ctx, creds)
	}
	if creds.APIKey != "" {
		return s.authenticateLegacyKey(ctx, creds.APIKey)
	}
	return nil, &RejectedError{Reason: ReasonMissingCredentials}
}

func (s *AuthService) authenticateBearer(ctx context.Context, creds Credentials) (*domain.Account, error) {
	claims, err := s.tokens.Verify(creds.BearerToken)
	if err != nil {
		if errors.Is(err, security.ErrExpiredToken) {
			return nil, &RejectedError{Reason: ReasonExpiredToken}
		}
		return nil, &RejectedError{Reason: ReasonMalformedToken}
	}

	// A bare stolen token is useless on another browser profile: the raw
	// fingerprint lives in an HttpOnly cookie the thief does not have.
	if claims.FingerprintHash != "" {
		if creds.RawFingerprint == "" || !security.FingerprintMatches(creds.RawFingerprint, claims.FingerprintHash) {
			s.auditReject(claims.Subject, claims.Username, ReasonBindingFailed)
			return nil, &RejectedError{Reason: ReasonBindingFailed}
		}
	}

	acct, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Active {
		s.auditReject(claims.Subject, claims.Username, ReasonAccountInactive)
		return nil, &RejectedError{Reason: ReasonAccountInactive}
	}

	if claims.TokenVersion != acct.TokenVersion {
		s.auditReject(acct.ID, acct.Username, ReasonRevoked)
		return nil, &RejectedError{Reason: ReasonRevoked}
	}

	return acct, nil
}

// authenticateLegacyKey is the deliberately weaker fallback retained for
// pre-JWT clients; it applies neither fingerprint nor version checks.
func (s *AuthService) authenticateLegacyKey(ctx context.Context, key string) (*domain.Account, error) {
	acct, err := s.accounts.GetByAPIKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if acct == nil || !acct.Active {
		return nil, &RejectedError{Reason: ReasonKeyInvalid}
	}
	if acct.APIKeyExpired(time.Now().UTC()) {
		s.auditReject(acct.ID, acct.Username, ReasonKeyExpired)
		return nil, &RejectedError{Reason: ReasonKeyExpired}
	}
	return acct, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// advances the token version so every session, including the caller's own,
// must re-authenticate. Returns the new token version.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) (int, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, ErrInvalidCredentials
	}
	if !s.hasher.Verify([]byte(currentPassword), acct.PasswordHash) {
		return 0, ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash([]byte(newPassword))
	if err != nil {
		return 0, err
	}
	if err := s.accounts.UpdatePassword(ctx, accountID, hash); err != nil {
		return 0, err
	}
	version, err := s.ForceLogout(ctx, accountID)
	if err != nil {
		return 0, err
	}
	s.log.Info("password changed, sessions invalidated",
		zap.String("account_id", accountID),
		zap.Int("token_version", version))
	return version, nil
}

// ForceLogout advances the account's token version by exactly one, instantly
// invalidating every previously issued token. Repeatable: each call strictly
// increases the version and is a distinct audit-visible action.
func (s *AuthService) ForceLogout(ctx context.Context, accountID string) (int, error) {
	version, err := s.accounts.BumpTokenVersion(ctx, accountID)
	if err != nil {
		return 0, err
	}
	s.log.Info("forced logout",
		zap.String("account_id", accountID),
		zap.Int("token_version", version))
	return version, nil
}

func (s *AuthService) recordAttempt(ctx context.Context, accountID, ip, userAgent string, success bool, reason string) {
	att := &domain.LoginAttempt{
		AccountID:     accountID,
		IP:            ip,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: reason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.accounts.RecordLoginAttempt(ctx, att); err != nil {
		s.log.Warn("failed to record login attempt", zap.Error(err))
	}
	if !success {
		s.log.Warn("login rejected",
			zap.String("account_id", accountID),
			zap.String("ip", ip),
			zap.String("reason", reason))
	}
}

func (s *AuthService) auditReject(accountID, username string, reason RejectReason) {
	s.log.Warn("request rejected",
		zap.String("account_id", accountID),
		zap.String("username", username),
		zap.String("reason", string(reason)))
}
