// Package config handles daemon configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (NETSCOPE_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  url: https://netscope.example.net
//
//	daemon:
//	  name: basement-rack
//	  listen: ":60073"
//
//	discovery:
//	  schedule: "0 3 * * *"
//	  subnets: ["192.168.1.0/24"]
//	  concurrency: 64
//
//	shipping:
//	  batch_size: 50
//	  batch_timeout: 5s
//
//	health:
//	  heartbeat_interval: 30s
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultListen is the daemon API address.
const DefaultListen = ":60073"

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Shipping  ShippingConfig  `yaml:"shipping"`
	Health    HealthConfig    `yaml:"health"`
}

// ServerConfig defines how to reach the control plane.
type ServerConfig struct {
	URL string `yaml:"url"` // e.g., https://netscope.example.net

	// APIKey is issued at registration. When empty the daemon registers on startup.
	APIKey   string `yaml:"api_key,omitempty"`
	DaemonID string `yaml:"daemon_id,omitempty"`

	InsecureSkipVerify bool          `yaml:"insecure_skip_verify,omitempty"`
	RequestTimeout     time.Duration `yaml:"request_timeout,omitempty"`
}

// DaemonConfig defines the daemon's identity and its own API.
type DaemonConfig struct {
	Name string `yaml:"name"`

	// Listen is the address of the daemon API the server calls into.
	Listen string `yaml:"listen"`

	// AdvertiseIP is the address registered with the server. Detected when empty.
	AdvertiseIP string `yaml:"advertise_ip,omitempty"`

	// ControlToken authenticates server to daemon calls. Normally issued at registration.
	ControlToken string `yaml:"control_token,omitempty"`

	Tags map[string]string `yaml:"tags,omitempty"`
}

// DiscoveryConfig defines scanning behavior.
type DiscoveryConfig struct {
	// Schedule triggers network discovery. A cron expression or a Go duration; empty disables.
	Schedule string `yaml:"schedule,omitempty"`

	// Subnets narrows scheduled scans. Empty means every local subnet.
	Subnets []string `yaml:"subnets,omitempty"`

	SelfReportOnStart bool `yaml:"self_report_on_start"`

	Concurrency     int           `yaml:"concurrency"`
	PortConcurrency int           `yaml:"port_concurrency"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`

	ProgressEvery       int           `yaml:"progress_every"`
	ProgressMinInterval time.Duration `yaml:"progress_min_interval"`

	DockerSocket string `yaml:"docker_socket,omitempty"`

	// PingSweep orders network scans by an fping liveness sweep when fping is installed.
	PingSweep bool   `yaml:"ping_sweep"`
	FpingPath string `yaml:"fping_path,omitempty"`
}

// ShippingConfig defines host report batching.
type ShippingConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxQueued    int           `yaml:"max_queued"`
}

// HealthConfig defines health reporting behavior.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
		},
		Daemon: DaemonConfig{
			Listen: DefaultListen,
			Tags:   make(map[string]string),
		},
		Discovery: DiscoveryConfig{
			SelfReportOnStart:   true,
			Concurrency:         64,
			PortConcurrency:     16,
			ConnectTimeout:      800 * time.Millisecond,
			HTTPTimeout:         2 * time.Second,
			CancelGrace:         time.Second,
			ProgressEvery:       20,
			ProgressMinInterval: 500 * time.Millisecond,
			DockerSocket:        "/var/run/docker.sock",
			PingSweep:           true,
		},
		Shipping: ShippingConfig{
			BatchSize:    50,
			BatchTimeout: 5 * time.Second,
			MaxQueued:    5000,
		},
		Health: HealthConfig{
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Daemon.Name == "" {
		return fmt.Errorf("daemon.name is required")
	}
	if _, err := c.Daemon.APIPort(); err != nil {
		return err
	}
	if c.Daemon.AdvertiseIP != "" && net.ParseIP(c.Daemon.AdvertiseIP) == nil {
		return fmt.Errorf("daemon.advertise_ip is not an ip: %q", c.Daemon.AdvertiseIP)
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery.concurrency must be positive")
	}
	if c.Discovery.ProgressEvery <= 0 {
		return fmt.Errorf("discovery.progress_every must be positive")
	}
	for _, s := range c.Discovery.Subnets {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("discovery.subnets: %w", err)
		}
	}
	if c.Shipping.BatchSize <= 0 {
		return fmt.Errorf("shipping.batch_size must be positive")
	}
	return nil
}

// APIPort returns the port component of Listen.
func (d DaemonConfig) APIPort() (uint16, error) {
	_, port, err := net.SplitHostPort(d.Listen)
	if err != nil {
		return 0, fmt.Errorf("daemon.listen: %w", err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("daemon.listen: invalid port %q", port)
	}
	return uint16(n), nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use NETSCOPE_ prefix:
// - NETSCOPE_SERVER_URL
// - NETSCOPE_API_KEY
// - NETSCOPE_DAEMON_ID
// - NETSCOPE_DAEMON_NAME
// - NETSCOPE_LISTEN
// - NETSCOPE_ADVERTISE_IP
// - NETSCOPE_CONTROL_TOKEN
// - NETSCOPE_DISCOVERY_SCHEDULE
// - NETSCOPE_DISCOVERY_SUBNETS (comma separated CIDRs)
// - NETSCOPE_DAEMON_TAGS (JSON object, e.g., '{"site":"home"}')
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NETSCOPE_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("NETSCOPE_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("NETSCOPE_DAEMON_ID"); v != "" {
		c.Server.DaemonID = v
	}
	if v := os.Getenv("NETSCOPE_DAEMON_NAME"); v != "" {
		c.Daemon.Name = v
	}
	if v := os.Getenv("NETSCOPE_LISTEN"); v != "" {
		c.Daemon.Listen = v
	}
	if v := os.Getenv("NETSCOPE_ADVERTISE_IP"); v != "" {
		c.Daemon.AdvertiseIP = v
	}
	if v := os.Getenv("NETSCOPE_CONTROL_TOKEN"); v != "" {
		c.Daemon.ControlToken = v
	}
	if v := os.Getenv("NETSCOPE_DISCOVERY_SCHEDULE"); v != "" {
		c.Discovery.Schedule = v
	}
	if v := os.Getenv("NETSCOPE_DISCOVERY_SUBNETS"); v != "" {
		c.Discovery.Subnets = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Discovery.Subnets = append(c.Discovery.Subnets, s)
			}
		}
	}
	if v := os.Getenv("NETSCOPE_DAEMON_TAGS"); v != "" {
		var tags map[string]string
		if err := json.Unmarshal([]byte(v), &tags); err == nil {
			if c.Daemon.Tags == nil {
				c.Daemon.Tags = make(map[string]string)
			}
			for k, val := range tags {
				c.Daemon.Tags[k] = val
			}
		}
	}
}
