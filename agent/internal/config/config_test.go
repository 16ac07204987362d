package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	data := `
server:
  url: https://netscope.example.net
daemon:
  name: rack-1
  listen: "0.0.0.0:7000"
discovery:
  schedule: 6h
  subnets: ["10.0.0.0/24"]
shipping:
  batch_size: 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Daemon.Name != "rack-1" || cfg.Discovery.Schedule != "6h" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Shipping.BatchSize != 10 {
		t.Errorf("batch size = %d", cfg.Shipping.BatchSize)
	}
	// Unset keys keep their defaults.
	if cfg.Discovery.Concurrency != 64 || cfg.Discovery.CancelGrace != time.Second {
		t.Errorf("defaults lost: %+v", cfg.Discovery)
	}
	port, err := cfg.Daemon.APIPort()
	if err != nil || port != 7000 {
		t.Errorf("APIPort() = %d, %v", port, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing url", func(c *Config) { c.Server.URL = "" }, false},
		{"missing name", func(c *Config) { c.Daemon.Name = "" }, false},
		{"bad listen", func(c *Config) { c.Daemon.Listen = "60073" }, false},
		{"zero port", func(c *Config) { c.Daemon.Listen = ":0" }, false},
		{"bad advertise ip", func(c *Config) { c.Daemon.AdvertiseIP = "host" }, false},
		{"bad subnet", func(c *Config) { c.Discovery.Subnets = []string{"10.0.0.0"} }, false},
		{"zero concurrency", func(c *Config) { c.Discovery.Concurrency = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.URL = "http://server"
			cfg.Daemon.Name = "d"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NETSCOPE_SERVER_URL", "http://env-server")
	t.Setenv("NETSCOPE_DAEMON_NAME", "env-daemon")
	t.Setenv("NETSCOPE_DISCOVERY_SUBNETS", "10.0.0.0/24, 10.0.1.0/24,")
	t.Setenv("NETSCOPE_DAEMON_TAGS", `{"site":"lab"}`)

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Server.URL != "http://env-server" || cfg.Daemon.Name != "env-daemon" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Discovery.Subnets) != 2 || cfg.Discovery.Subnets[1] != "10.0.1.0/24" {
		t.Errorf("subnets = %v", cfg.Discovery.Subnets)
	}
	if cfg.Daemon.Tags["site"] != "lab" {
		t.Errorf("tags = %v", cfg.Daemon.Tags)
	}
}
