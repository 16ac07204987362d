package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string

	OnePassword OnePasswordConfig

	// Local storage directory (default: ~/.netscope/tokens)
	LocalDir string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("NETSCOPE_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		LocalDir: os.Getenv("NETSCOPE_TOKEN_DIR"),
	}
}

// NewTokenStore creates a TokenStore based on configuration.
func NewTokenStore(cfg Config, logger *slog.Logger) (TokenStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordTokenStore(cfg.OnePassword, logger)

	case "local":
		return NewLocalTokenStore(cfg.LocalDir, logger)

	case "auto":
		if cfg.OnePassword.Token != "" {
			ts, err := NewOnePasswordTokenStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalTokenStore(cfg.LocalDir, logger)
			}
			return ts, nil
		}
		logger.Info("OP_CONNECT_TOKEN not set, using local token storage")
		return NewLocalTokenStore(cfg.LocalDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
