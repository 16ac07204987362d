// Package agent provides the netscope daemon.
//
// # Daemon Lifecycle
//
//  1. Load configuration
//  2. Register with the control plane (or reuse issued credentials)
//  3. Start the daemon API for server-initiated sessions
//  4. Start the host shipper and heartbeat loop
//  5. Report itself with a self_report session
//  6. Run scheduled network discovery, if configured
//  7. Run until shutdown signal
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/netscope-io/netscope/agent/internal/api"
	"github.com/netscope-io/netscope/agent/internal/client"
	"github.com/netscope-io/netscope/agent/internal/config"
	"github.com/netscope-io/netscope/agent/internal/discovery"
	"github.com/netscope-io/netscope/agent/internal/probe"
	"github.com/netscope-io/netscope/agent/internal/scheduler"
	"github.com/netscope-io/netscope/agent/internal/shipper"
	"github.com/netscope-io/netscope/pkg/catalog"
	"github.com/netscope-io/netscope/pkg/classify"
	"github.com/netscope-io/netscope/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Agent is the discovery daemon.
type Agent struct {
	cfg        *config.Config
	client     *client.Client
	probe      *probe.NetProbe
	shipper    *shipper.Shipper
	discoverer *discovery.Discoverer
	api        *api.Server
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger

	apiPort   uint16
	startTime time.Time
}

// New creates a daemon with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	apiPort, err := cfg.Daemon.APIPort()
	if err != nil {
		return nil, err
	}

	cpClient := client.NewClient(client.Config{
		BaseURL:            cfg.Server.URL,
		DaemonID:           cfg.Server.DaemonID,
		APIKey:             cfg.Server.APIKey,
		Version:            Version,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		Timeout:            cfg.Server.RequestTimeout,
	})

	hostShipper := shipper.NewShipper(shipper.Config{
		Endpoint:     cfg.Server.URL + "/api/v1/discovery/hosts",
		Credentials:  cpClient,
		BatchSize:    cfg.Shipping.BatchSize,
		BatchTimeout: cfg.Shipping.BatchTimeout,
		MaxQueued:    cfg.Shipping.MaxQueued,
		Client:       cpClient.HTTPClient(),
		Logger:       logger,
	})

	probeCfg := probe.DefaultConfig()
	probeCfg.ConnectTimeout = cfg.Discovery.ConnectTimeout
	probeCfg.HTTPTimeout = cfg.Discovery.HTTPTimeout
	probeCfg.PortConcurrency = cfg.Discovery.PortConcurrency
	if cfg.Discovery.DockerSocket != "" {
		probeCfg.DockerSocket = cfg.Discovery.DockerSocket
	}
	netProbe := probe.New(probeCfg, logger)
	logger.Info("udp probers ready", "ports", netProbe.UDPProbers().Ports())

	classifier := classify.New(catalog.Default(), logger)

	progressCfg := discovery.DefaultProgressConfig()
	progressCfg.Every = cfg.Discovery.ProgressEvery
	progressCfg.MinInterval = cfg.Discovery.ProgressMinInterval

	orchCfg := discovery.Config{
		Concurrency: cfg.Discovery.Concurrency,
		APIPort:     apiPort,
		Progress:    progressCfg,
	}
	if cfg.Discovery.PingSweep {
		sweeper := probe.NewSweeper(cfg.Discovery.FpingPath, cfg.Discovery.ConnectTimeout, logger)
		if sweeper.Available() {
			orchCfg.Sweeper = sweeper
		} else {
			logger.Info("fping not found, network scans run in address order")
		}
	}
	orch := discovery.NewOrchestrator(netProbe, classifier, hostShipper, cpClient, orchCfg, logger)
	guard := discovery.NewGuard(cfg.Discovery.CancelGrace, logger)
	discoverer := discovery.NewDiscoverer(guard, orch, logger)

	a := &Agent{
		cfg:        cfg,
		client:     cpClient,
		probe:      netProbe,
		shipper:    hostShipper,
		discoverer: discoverer,
		api:        api.NewServer(discoverer, Version, logger),
		logger:     logger,
		apiPort:    apiPort,
		startTime:  time.Now(),
	}

	if cfg.Discovery.Schedule != "" {
		a.scheduler, err = scheduler.NewScheduler(cfg.Discovery.Schedule, a, scheduler.DefaultCheckInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("discovery.schedule: %w", err)
		}
	}

	return a, nil
}

// Run starts the daemon and blocks until context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting daemon",
		"name", a.cfg.Daemon.Name,
		"version", Version,
		"listen", a.cfg.Daemon.Listen)

	if err := a.register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Daemon.Listen,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 4)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("daemon api: %w", err)
		}
	}()

	go func() {
		errCh <- a.shipper.Run(ctx)
	}()

	go func() {
		errCh <- a.runHeartbeat(ctx)
	}()

	if a.scheduler != nil {
		go func() {
			errCh <- a.scheduler.Run(ctx)
		}()
	}

	if a.cfg.Discovery.SelfReportOnStart {
		go func() {
			if err := a.startDiscovery(ctx, types.DiscoverySelfReport, nil); err != nil {
				a.logger.Warn("self report failed to start", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	a.shutdown(srv)
	return runErr
}

// shutdown stops the API and any running session.
func (a *Agent) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("daemon api shutdown", "error", err)
	}
	if a.discoverer.Running() {
		clean, _ := a.discoverer.Cancel("")
		a.logger.Info("cancelled running discovery on shutdown", "clean", clean)
	}
}

// register obtains daemon credentials, unless they were configured.
func (a *Agent) register(ctx context.Context) error {
	if a.cfg.Server.APIKey != "" {
		if a.cfg.Server.DaemonID == "" || a.cfg.Daemon.ControlToken == "" {
			return fmt.Errorf("server.daemon_id and daemon.control_token are required with server.api_key")
		}
		a.setIdentity(a.cfg.Server.DaemonID, a.cfg.Daemon.ControlToken)
		a.logger.Info("using configured credentials", "daemon_id", a.cfg.Server.DaemonID)
		return nil
	}

	ip := a.cfg.Daemon.AdvertiseIP
	if ip == "" {
		ip = detectAdvertiseIP(a.cfg.Server.URL)
	}

	resp, err := a.client.Register(ctx, types.DaemonRegisterRequest{
		Name:    a.cfg.Daemon.Name,
		IP:      ip,
		Port:    int(a.apiPort),
		Version: Version,
	})
	if err != nil {
		return err
	}

	a.setIdentity(resp.DaemonID, resp.ControlToken)
	a.logger.Info("registered with control plane",
		"daemon_id", resp.DaemonID,
		"advertise_ip", ip)
	return nil
}

func (a *Agent) setIdentity(daemonID, controlToken string) {
	a.discoverer.SetDaemonID(daemonID)
	a.api.SetIdentity(daemonID, controlToken)
}

// Running implements scheduler.Runner.
func (a *Agent) Running() bool {
	return a.discoverer.Running()
}

// RunScheduled implements scheduler.Runner.
func (a *Agent) RunScheduled(ctx context.Context) error {
	return a.startDiscovery(ctx, types.DiscoveryNetwork, a.cfg.Discovery.Subnets)
}

// startDiscovery asks the server for a session and runs it locally.
func (a *Agent) startDiscovery(ctx context.Context, dt types.DiscoveryType, subnets []string) error {
	sess, err := a.client.DaemonInitiate(ctx, dt, subnets)
	if err != nil {
		return fmt.Errorf("requesting session: %w", err)
	}

	err = a.discoverer.Start(discovery.Session{
		ID:       sess.SessionID,
		DaemonID: a.client.DaemonID(),
		Type:     dt,
		Subnets:  subnets,
	})
	if err == nil {
		return nil
	}

	// The server already holds the session; close it so the daemon slot frees up.
	msg := "daemon busy: " + err.Error()
	now := time.Now()
	if rerr := a.client.ReportProgress(ctx, types.DiscoveryUpdatePayload{
		SessionID: sess.SessionID,
		DaemonID:  a.client.DaemonID(),
		DiscoverySessionUpdate: types.DiscoverySessionUpdate{
			Seq:        1,
			Phase:      types.PhaseFailed,
			Error:      &msg,
			FinishedAt: &now,
		},
	}); rerr != nil {
		a.logger.Warn("failed to close rejected session", "session_id", sess.SessionID, "error", rerr)
	}
	return err
}

// runHeartbeat sends periodic heartbeats to the control plane.
func (a *Agent) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Health.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// sendHeartbeat sends a single heartbeat.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	shipperStats := a.shipper.Stats()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heartbeat := types.Heartbeat{
		DaemonID:       a.client.DaemonID(),
		Timestamp:      time.Now(),
		Version:        Version,
		Discovering:    a.discoverer.Running(),
		HostsQueued:    shipperStats.Queued,
		HostsShipped:   shipperStats.Shipped,
		MemoryMB:       float64(m.Alloc) / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	}

	resp, err := a.client.Heartbeat(ctx, heartbeat)
	if err != nil {
		return err
	}

	local := a.discoverer.SessionID()
	if resp.ActiveSessionID != "" && resp.ActiveSessionID != local {
		a.logger.Warn("server reports a session this daemon is not running",
			"session_id", resp.ActiveSessionID,
			"local_session_id", local)
	}
	return nil
}

// detectAdvertiseIP returns the local address used to reach the server.
func detectAdvertiseIP(serverURL string) string {
	if ip := os.Getenv("NETSCOPE_ADVERTISE_IP"); ip != "" {
		return ip
	}

	target := "8.8.8.8:80"
	if u, err := url.Parse(serverURL); err == nil && u.Hostname() != "" {
		port := u.Port()
		if port == "" {
			port = "80"
		}
		target = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.Dial("udp", target)
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
