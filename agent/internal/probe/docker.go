package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
)

// DockerClient is a minimal client for the Docker Engine API.
type DockerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDockerClient talks to the engine over a unix socket.
func NewDockerClient(socket string) *DockerClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &DockerClient{
		baseURL:    "http://docker",
		httpClient: &http.Client{Timeout: 5 * time.Second, Transport: transport},
	}
}

// NewDockerClientHTTP talks to an engine reachable over plain HTTP.
func NewDockerClientHTTP(baseURL string, client *http.Client) *DockerClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &DockerClient{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: client}
}

// Ping checks the engine answers.
func (c *DockerClient) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, "/_ping")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type dockerContainer struct {
	ID    string   `json:"Id"`
	Names []string `json:"Names"`
	Image string   `json:"Image"`
	Ports []struct {
		PrivatePort uint16 `json:"PrivatePort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Containers lists running containers.
func (c *DockerClient) Containers(ctx context.Context) ([]types.Container, error) {
	resp, err := c.get(ctx, "/containers/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []dockerContainer
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding containers: %w", err)
	}

	out := make([]types.Container, 0, len(raw))
	for _, rc := range raw {
		ctr := types.Container{ID: rc.ID, Image: rc.Image}
		if len(rc.Names) > 0 {
			ctr.Name = strings.TrimPrefix(rc.Names[0], "/")
		}

		// Prefer the first network by name so the choice is stable.
		networks := make([]string, 0, len(rc.NetworkSettings.Networks))
		for name := range rc.NetworkSettings.Networks {
			networks = append(networks, name)
		}
		sort.Strings(networks)
		for _, name := range networks {
			if ip := rc.NetworkSettings.Networks[name].IPAddress; ip != "" {
				ctr.IP = ip
				break
			}
		}

		for _, p := range rc.Ports {
			pb := types.PortBase{Number: p.PrivatePort, Protocol: types.TransportProtocol(strings.ToLower(p.Type))}
			if pb.Validate() != nil || slices.Contains(ctr.Ports, pb) {
				continue
			}
			ctr.Ports = append(ctr.Ports, pb)
		}
		out = append(out, ctr)
	}
	return out, nil
}

func (c *DockerClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker api: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("docker api %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return resp, nil
}
