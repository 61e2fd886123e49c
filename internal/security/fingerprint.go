package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// FingerprintCookieName is the cookie carrying the raw session fingerprint.
// The cookie is HttpOnly and SameSite=Strict so page scripts can never read it;
// only its SHA-256 digest travels inside the bearer token.
const FingerprintCookieName = "_fgp"

// fingerprintCookiePath scopes the cookie to the API so it is not sent with
// unrelated requests.
const fingerprintCookiePath = "/api/v1"

// fingerprintCookieMaxAge is about one year. The cookie deliberately outlives
// the token: the token re-expires much faster and is re-issued against the
// same browser fingerprint.
const fingerprintCookieMaxAge = 365 * 24 * 60 * 60

const fingerprintBytes = 32

// GenerateFingerprint returns a fresh hex-encoded 32-byte random fingerprint.
func GenerateFingerprint() (string, error) {
	b := make([]byte, fingerprintBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashFingerprint returns the SHA-256 hex digest of the raw fingerprint.
// The digest is one-way; it is only ever compared for equality.
func HashFingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FingerprintMatches compares the digest of raw against the expected digest in
// constant time.
func FingerprintMatches(raw, expectedDigest string) bool {
	digest := HashFingerprint(raw)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(expectedDigest)) == 1
}

// SetFingerprintCookie attaches the raw fingerprint to the response.
// secure must be true in production. The raw value must never appear in a
// response body, a script-readable header, or a log line.
func SetFingerprintCookie(w http.ResponseWriter, raw string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     FingerprintCookieName,
		Value:    raw,
		Path:     fingerprintCookiePath,
		MaxAge:   fingerprintCookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearFingerprintCookie expires the fingerprint cookie on logout.
func ClearFingerprintCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     FingerprintCookieName,
		Value:    "",
		Path:     fingerprintCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
