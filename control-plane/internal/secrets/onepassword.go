package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// vaultClient is the subset of connect.Client the token store uses.
type vaultClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
	CreateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
	UpdateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
	DeleteItemByID(itemUUID string, vaultQuery string) error
}

// OnePasswordTokenStore stores control tokens in 1Password using the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to store tokens in
type OnePasswordTokenStore struct {
	client  vaultClient
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordTokenStore creates a 1Password-backed token store.
func NewOnePasswordTokenStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordTokenStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "netscope-server")
	return newOnePasswordTokenStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordTokenStore(client vaultClient, vaultID string, logger *slog.Logger) *OnePasswordTokenStore {
	return &OnePasswordTokenStore{
		client:  client,
		vaultID: vaultID,
		logger:  logger.With("component", "token_store"),
		cache:   make(map[string]string),
	}
}

// GetControlToken returns the stored token for daemonID.
func (ts *OnePasswordTokenStore) GetControlToken(ctx context.Context, daemonID string) (string, error) {
	ts.mu.RLock()
	if tok, ok := ts.cache[daemonID]; ok {
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()

	item, err := ts.findItem(daemonID)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", nil
	}

	full, err := ts.client.GetItem(item.ID, ts.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}
	tok := tokenFromItem(full)

	ts.mu.Lock()
	ts.cache[daemonID] = tok
	ts.mu.Unlock()
	return tok, nil
}

// IssueControlToken creates or replaces the daemon's token item.
func (ts *OnePasswordTokenStore) IssueControlToken(ctx context.Context, daemonID string) (string, error) {
	tok, err := GenerateToken()
	if err != nil {
		return "", err
	}

	existing, err := ts.findItem(daemonID)
	if err != nil {
		return "", err
	}

	item := ts.tokenToItem(ControlToken{DaemonID: daemonID, Token: tok, CreatedAt: time.Now().UTC()})
	if existing == nil {
		_, err = ts.client.CreateItem(item, ts.vaultID)
	} else {
		item.ID = existing.ID
		_, err = ts.client.UpdateItem(item, ts.vaultID)
	}
	if err != nil {
		return "", fmt.Errorf("saving item: %w", err)
	}

	ts.mu.Lock()
	ts.cache[daemonID] = tok
	ts.mu.Unlock()

	ts.logger.Info("issued control token", "daemon_id", daemonID)
	return tok, nil
}

// DeleteControlToken removes the daemon's token item.
func (ts *OnePasswordTokenStore) DeleteControlToken(ctx context.Context, daemonID string) error {
	ts.mu.Lock()
	delete(ts.cache, daemonID)
	ts.mu.Unlock()

	item, err := ts.findItem(daemonID)
	if err != nil || item == nil {
		return err
	}
	if err := ts.client.DeleteItemByID(item.ID, ts.vaultID); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

// Close clears the in-memory cache.
func (ts *OnePasswordTokenStore) Close() error {
	ts.mu.Lock()
	ts.cache = make(map[string]string)
	ts.mu.Unlock()
	return nil
}

// findItem looks up the token item by title. It returns nil if none exists.
func (ts *OnePasswordTokenStore) findItem(daemonID string) (*onepassword.Item, error) {
	items, err := ts.client.GetItemsByTitle(itemTitle(daemonID), ts.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (ts *OnePasswordTokenStore) tokenToItem(t ControlToken) *onepassword.Item {
	return &onepassword.Item{
		Title:    itemTitle(t.DaemonID),
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: ts.vaultID},
		Tags:     []string{"netscope"},
		Fields: []*onepassword.ItemField{
			{
				ID:      "password",
				Label:   "password",
				Type:    "CONCEALED",
				Purpose: "PASSWORD",
				Value:   t.Token,
			},
			{
				ID:    "daemon_id",
				Label: "daemon id",
				Type:  "STRING",
				Value: t.DaemonID,
			},
			{
				ID:    "created_at",
				Label: "created at",
				Type:  "STRING",
				Value: t.CreatedAt.Format(time.RFC3339),
			},
		},
	}
}

func tokenFromItem(item *onepassword.Item) string {
	for _, field := range item.Fields {
		if field.ID == "password" {
			return field.Value
		}
	}
	return ""
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK does not expose typed errors for this, so the message is inspected.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
