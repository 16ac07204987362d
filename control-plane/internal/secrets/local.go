package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalTokenStore keeps control tokens on the local filesystem.
// This is intended for development and single-node installs.
//
// Tokens are stored one file per daemon:
//
//	<base_dir>/
//	  netscope-control-<daemon_id>.json
type LocalTokenStore struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

type tokenFile struct {
	DaemonID  string    `json:"daemon_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// NewLocalTokenStore creates a filesystem-backed token store.
// If baseDir is empty, it defaults to ~/.netscope/tokens.
func NewLocalTokenStore(baseDir string, logger *slog.Logger) (*LocalTokenStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".netscope", "tokens")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	logger.Info("using local token store", "path", baseDir)

	return &LocalTokenStore{
		baseDir: baseDir,
		logger:  logger.With("component", "token_store"),
		cache:   make(map[string]string),
	}, nil
}

// GetControlToken returns the stored token for daemonID.
func (ts *LocalTokenStore) GetControlToken(ctx context.Context, daemonID string) (string, error) {
	ts.mu.RLock()
	if tok, ok := ts.cache[daemonID]; ok {
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()

	data, err := os.ReadFile(ts.path(daemonID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("parsing token file: %w", err)
	}

	ts.mu.Lock()
	ts.cache[daemonID] = f.Token
	ts.mu.Unlock()
	return f.Token, nil
}

// IssueControlToken writes a new token for daemonID with 0600 permissions.
func (ts *LocalTokenStore) IssueControlToken(ctx context.Context, daemonID string) (string, error) {
	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(tokenFile{
		DaemonID:  daemonID,
		Token:     tok,
		CreatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling token: %w", err)
	}
	if err := os.WriteFile(ts.path(daemonID), data, 0600); err != nil {
		return "", fmt.Errorf("writing token: %w", err)
	}

	ts.mu.Lock()
	ts.cache[daemonID] = tok
	ts.mu.Unlock()

	ts.logger.Info("issued control token", "daemon_id", daemonID)
	return tok, nil
}

// DeleteControlToken removes the token file for daemonID.
func (ts *LocalTokenStore) DeleteControlToken(ctx context.Context, daemonID string) error {
	ts.mu.Lock()
	delete(ts.cache, daemonID)
	ts.mu.Unlock()

	if err := os.Remove(ts.path(daemonID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token: %w", err)
	}
	return nil
}

// Close clears the in-memory cache.
func (ts *LocalTokenStore) Close() error {
	ts.mu.Lock()
	ts.cache = make(map[string]string)
	ts.mu.Unlock()
	return nil
}

func (ts *LocalTokenStore) path(daemonID string) string {
	return filepath.Join(ts.baseDir, itemTitle(filepath.Base(daemonID))+".json")
}
