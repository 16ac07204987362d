// Package secrets stores the control tokens the server presents to daemons.
//
// A control token is issued when a daemon registers and is sent back by the
// server on every server-initiated call (initiate, cancel). Unlike daemon API
// keys, which are only ever compared, control tokens must be readable in
// plaintext, so they live in a secret store rather than as bcrypt hashes.
//
// The production backend is 1Password Connect; a local file store is used for
// development and tests.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ControlToken is a stored token with its metadata.
type ControlToken struct {
	DaemonID  string    `json:"daemon_id"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenStore provides storage for daemon control tokens.
type TokenStore interface {
	// GetControlToken returns the token for a daemon, or "" if none is stored.
	GetControlToken(ctx context.Context, daemonID string) (string, error)

	// IssueControlToken generates, stores and returns a fresh token,
	// replacing any token the daemon held before.
	IssueControlToken(ctx context.Context, daemonID string) (string, error)

	// DeleteControlToken removes a daemon's token. Missing tokens are not an error.
	DeleteControlToken(ctx context.Context, daemonID string) error

	// Close releases any resources held by the store.
	Close() error
}

// tokenBytes is the entropy of a generated control token.
const tokenBytes = 32

// GenerateToken returns a random hex-encoded control token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating control token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// itemTitle names a token in backends keyed by title.
func itemTitle(daemonID string) string {
	return "netscope-control-" + daemonID
}
