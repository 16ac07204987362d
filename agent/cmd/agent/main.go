// Command agent runs the netscope discovery daemon.
//
// # Usage
//
//	netscope-daemon --server https://netscope.example.net --name basement-rack
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (NETSCOPE_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	netscope-daemon --server https://netscope.example.net \
//	      --name basement-rack \
//	      --listen :60073 \
//	      --schedule "0 3 * * *"
//
// Run with config file:
//
//	netscope-daemon --config /etc/netscope/daemon.yaml
//
// Run with environment variables:
//
//	NETSCOPE_SERVER_URL=https://netscope.example.net \
//	NETSCOPE_DAEMON_NAME=basement-rack \
//	netscope-daemon
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/netscope-io/netscope/agent"
	"github.com/netscope-io/netscope/agent/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		server     = flag.String("server", "", "Control plane URL")
		name       = flag.String("name", "", "Daemon name")
		listen     = flag.String("listen", "", "Daemon API listen address")
		schedule   = flag.String("schedule", "", "Network discovery schedule (cron expression or duration)")
		noSelf     = flag.Bool("no-self-report", false, "Skip the self report on startup")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("netscope-daemon %s\n", agent.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *server != "" {
		cfg.Server.URL = *server
	}
	if *name != "" {
		cfg.Daemon.Name = *name
	}
	if *listen != "" {
		cfg.Daemon.Listen = *listen
	}
	if *schedule != "" {
		cfg.Discovery.Schedule = *schedule
	}
	if *noSelf {
		cfg.Discovery.SelfReportOnStart = false
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("daemon shutdown complete")
}
