package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateDaemonAPIKey generates a new API key for a daemon.
// Returns the plaintext key and its bcrypt hash.
func GenerateDaemonAPIKey(daemonID string) (plaintext string, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	// Format: netscope_<daemon_prefix>_<base64>
	prefix := daemonID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	plaintext = fmt.Sprintf("netscope_%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing API key: %w", err)
	}
	return plaintext, string(hashBytes), nil
}

// VerifyAPIKey compares a plaintext API key against a bcrypt hash.
func VerifyAPIKey(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
