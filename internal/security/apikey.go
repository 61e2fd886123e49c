package security

import (
	"crypto/rand"
	"encoding/hex"
)

const apiKeyBytes = 24

// GenerateAPIKey returns a fresh per-account upstream gateway key. The "sk-"
// prefix matches what the inference gateway expects for virtual keys.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(b), nil
}
