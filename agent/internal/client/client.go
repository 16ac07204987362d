// Package client provides the control plane API client for daemons.
//
// # Operations
//
// - Register: Initial daemon registration, returns credentials
// - Heartbeat: Periodic health reporting
// - ReportProgress: Push a discovery session update
// - DaemonInitiate: Ask the server to open a session for a local scan
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
)

// ErrConflict is returned when the server answers 409, e.g. for a stale update
// or when the daemon already has an active session.
var ErrConflict = errors.New("conflict")

// Client communicates with the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string

	mu       sync.RWMutex
	daemonID string
	apiKey   string
}

// Config for the client.
type Config struct {
	BaseURL            string
	DaemonID           string
	APIKey             string
	Version            string
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		userAgent:  "netscope-daemon/" + cfg.Version,
		daemonID:   cfg.DaemonID,
		apiKey:     cfg.APIKey,
	}
}

// SetCredentials stores the identity issued at registration.
func (c *Client) SetCredentials(daemonID, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daemonID = daemonID
	c.apiKey = apiKey
}

// DaemonID returns the current daemon ID.
func (c *Client) DaemonID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.daemonID
}

// HTTPClient exposes the configured transport for components posting to the server directly.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Register registers the daemon with the control plane and keeps the returned credentials.
func (c *Client) Register(ctx context.Context, req types.DaemonRegisterRequest) (*types.DaemonRegisterResponse, error) {
	var result types.DaemonRegisterResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/daemons/register", req, &result); err != nil {
		return nil, err
	}
	c.SetCredentials(result.DaemonID, result.APIKey)
	return &result, nil
}

// Heartbeat sends a health report to the control plane.
func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) (*types.HeartbeatResponse, error) {
	path := fmt.Sprintf("/api/v1/daemons/%s/heartbeat", c.DaemonID())
	var result types.HeartbeatResponse
	if err := c.call(ctx, http.MethodPost, path, hb, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReportProgress pushes one session update.
func (c *Client) ReportProgress(ctx context.Context, update types.DiscoveryUpdatePayload) error {
	return c.call(ctx, http.MethodPost, "/api/v1/daemons/discovery_update", update, nil)
}

// DaemonInitiate asks the server to create a session this daemon will run itself.
func (c *Client) DaemonInitiate(ctx context.Context, dt types.DiscoveryType, subnets []string) (*types.DiscoverySession, error) {
	req := types.DaemonInitiateRequest{
		DaemonID:      c.DaemonID(),
		DiscoveryType: dt,
		Subnets:       subnets,
	}
	var sess types.DiscoverySession
	if err := c.call(ctx, http.MethodPost, "/api/v1/discovery/daemon-initiate", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// call performs a request and decodes the envelope's data into out when non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.readError(resp)
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !envelope.Success {
		return fmt.Errorf("server error: %s", envelope.Error)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	c.Authorize(req)

	return c.httpClient.Do(req)
}

// Authorize sets the daemon credential headers on req.
func (c *Client) Authorize(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.daemonID != "" {
		req.Header.Set("X-Daemon-ID", c.daemonID)
	}
}

// readError extracts an error message from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := string(body)
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
