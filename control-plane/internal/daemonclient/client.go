// Package daemonclient calls the HTTP API each discovery daemon exposes.
//
// The control plane uses it to start and cancel sessions. Every call carries
// the daemon's control token as a bearer token and is rate limited so a burst
// of UI actions cannot flood a daemon.
package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
	"golang.org/x/time/rate"
)

var (
	// ErrConflict is returned when the daemon answers 409: it is already
	// running a session, or is not running the one being cancelled.
	ErrConflict = errors.New("daemon reported a conflict")
	// ErrUnauthorized is returned when the daemon rejects the control token.
	ErrUnauthorized = errors.New("daemon rejected control token")
)

// StatusError is a non-success response from a daemon.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Config holds configuration for the daemon client.
type Config struct {
	Timeout   time.Duration // HTTP timeout (default: 10s)
	RateLimit int           // Requests per minute across all daemons (default: 120)
}

// Client sends control requests to daemons.
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a daemon client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 120
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rateLimit)/60.0), 5),
		logger:      logger.With("component", "daemon_client"),
	}
}

// Initiate asks a daemon to start a session.
func (c *Client) Initiate(ctx context.Context, daemon *types.Daemon, token string, req types.InitiateDiscoveryRequest) error {
	var resp types.InitiateDiscoveryResponse
	if err := c.post(ctx, daemon, token, "/api/discovery/initiate", req, &resp); err != nil {
		return err
	}
	if resp.SessionID != req.SessionID {
		return fmt.Errorf("daemon acknowledged session %q, want %q", resp.SessionID, req.SessionID)
	}
	return nil
}

// Cancel asks a daemon to stop a session. A StatusError with code 500 means
// the daemon stopped the task by force after its grace period.
func (c *Client) Cancel(ctx context.Context, daemon *types.Daemon, token, sessionID string) error {
	var resp types.CancelDiscoveryResponse
	return c.post(ctx, daemon, token, "/api/discovery/cancel", types.CancelDiscoveryRequest{SessionID: sessionID}, &resp)
}

// post sends body to the daemon and decodes the envelope's data into out.
func (c *Client) post(ctx context.Context, daemon *types.Daemon, token, path string, body, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := daemon.BaseURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug("daemon request", "daemon_id", daemon.ID, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var env types.ApiResponse[json.RawMessage]
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode != http.StatusOK {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = string(bytes.TrimSpace(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	if !env.Success {
		return fmt.Errorf("daemon returned error: %s", env.Error)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(*env.Data, out); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return nil
}
