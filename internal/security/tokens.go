package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, carries a bad
	// signature, or is missing required claims.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a structurally valid token has passed
	// its expiry. Distinguished from ErrInvalidToken for user messaging only;
	// both are terminal auth failures.
	ErrExpiredToken = errors.New("token expired")
	// ErrWeakSecret is returned when the signing secret is shorter than 32 bytes.
	ErrWeakSecret = errors.New("signing secret must be at least 32 bytes")
)

// SessionClaims holds the JWT claims for a session token.
// TokenVersion snapshots the account's token_version at issue time; the token
// stops authenticating the moment the account's live value moves past it.
// FingerprintHash, when present, binds the token to the browser profile that
// holds the matching raw fingerprint cookie.
type SessionClaims struct {
	jwt.RegisteredClaims
	Username        string `json:"username"`
	Role            string `json:"role"`
	TokenVersion    int    `json:"tv"`
	FingerprintHash string `json:"fgp,omitempty"`
}

// TokenProvider issues and verifies HS256 session tokens.
type TokenProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenProvider returns a TokenProvider signing with the given symmetric
// secret. Returns ErrWeakSecret if the secret is shorter than 32 bytes; callers
// treat that as a fatal misconfiguration at startup.
func NewTokenProvider(secret []byte, issuer string, ttl time.Duration) (*TokenProvider, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenProvider{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed session token for the given identity.
// fingerprintHash may be empty when session binding is not requested.
func (p *TokenProvider) Issue(subject, username, role string, tokenVersion int, fingerprintHash string) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username:        username,
		Role:            role,
		TokenVersion:    tokenVersion,
		FingerprintHash: fingerprintHash,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = t.SignedString(p.secret)
	return token, expiresAt, err
}

// Verify parses and validates the token: signature first, then expiry, then
// structural claims. Returns ErrExpiredToken for a time-based failure and
// ErrInvalidToken for everything else; never exposes the signing secret or
// parser internals to the caller.
func (p *TokenProvider) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
