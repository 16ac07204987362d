// Package discovery runs discovery sessions on the daemon.
//
// # Components
//
//   - Guard owns the single discovery slot and the session's cancellation token.
//   - Orchestrator enumerates targets, probes them with bounded parallelism,
//     classifies what it finds and reports progress.
//   - Discoverer ties the two together for the HTTP API and the scheduler.
//
// # Cancellation
//
// Cancellation is coarse. The token is checked between hosts and, during a
// self report, before each outbound call. A probe already in flight runs to its
// own timeout. A cancelled session always ends with a Cancelled update, even if
// an error also occurred.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netscope-io/netscope/agent/internal/probe"
	"github.com/netscope-io/netscope/pkg/classify"
	"github.com/netscope-io/netscope/pkg/types"
)

// Session describes one discovery run.
type Session struct {
	ID       string
	DaemonID string
	Type     types.DiscoveryType
	// Subnets narrows a network scan. Empty means every local non-Docker subnet.
	Subnets []string
}

// HostSink receives classified hosts for delivery to the control plane.
type HostSink interface {
	Add(hosts ...types.DiscoveredHost)
	Flush(ctx context.Context)
}

// LivenessSweeper reports which addresses answer ICMP echo.
type LivenessSweeper interface {
	Alive(ctx context.Context, ips []net.IP) (map[string]bool, error)
}

// Config controls the orchestrator.
type Config struct {
	// Concurrency caps hosts probed in parallel.
	Concurrency int

	// APIPort is the daemon's own API port, recorded during a self report.
	APIPort uint16

	// Sweeper, when set, pings every target before a network scan so hosts
	// that answer are scanned first. Silent hosts are still scanned.
	Sweeper LivenessSweeper

	Progress ProgressConfig
}

// Orchestrator runs discovery sessions.
type Orchestrator struct {
	probe      probe.SystemProbe
	classifier *classify.Classifier
	sink       HostSink
	reporter   Reporter
	cfg        Config
	logger     *slog.Logger

	tcpPorts  []types.PortBase
	udpPorts  []types.PortBase
	endpoints []types.Endpoint

	hostname func() (string, error)
}

// NewOrchestrator creates an orchestrator probing for every port and endpoint
// the classifier's catalog can use.
func NewOrchestrator(sp probe.SystemProbe, c *classify.Classifier, sink HostSink, reporter Reporter, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}

	o := &Orchestrator{
		probe:      sp,
		classifier: c,
		sink:       sink,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		endpoints:  c.Registry().DiscoveryEndpoints(),
		hostname:   os.Hostname,
	}
	for _, p := range c.Registry().DiscoveryPorts() {
		if p.Protocol == types.UDP {
			o.udpPorts = append(o.udpPorts, p)
		} else {
			o.tcpPorts = append(o.tcpPorts, p)
		}
	}
	return o
}

// Run executes the session and always sends a terminal update. It returns the
// terminal phase.
func (o *Orchestrator) Run(tok *Token, sess Session) (phase types.DiscoveryPhase) {
	logger := o.logger.With("session_id", sess.ID, "discovery_type", sess.Type)
	prog := newProgress(o.reporter, o.cfg.Progress, sess.ID, sess.DaemonID, logger)
	start := time.Now()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		o.sink.Flush(flushCtx)
		cancel()

		var msg *string
		switch {
		case tok.Cancelled():
			phase = types.PhaseCancelled
		case err != nil:
			phase = types.PhaseFailed
			s := "Critical error: " + err.Error()
			msg = &s
		default:
			phase = types.PhaseComplete
		}
		prog.finish(phase, msg)

		completed, discovered := prog.snapshot()
		logger.Info("discovery session ended",
			"phase", phase,
			"completed", completed,
			"discovered", discovered,
			"elapsed", time.Since(start),
			"error", err)
	}()

	prog.started()
	logger.Info("discovery session started", "subnets", sess.Subnets)

	switch sess.Type {
	case types.DiscoverySelfReport:
		err = o.selfReport(tok, sess, prog)
	case types.DiscoveryNetwork:
		err = o.network(tok, sess, prog)
	case types.DiscoveryDocker:
		err = o.docker(tok, sess, prog)
	default:
		err = fmt.Errorf("unknown discovery type: %q", sess.Type)
	}
	return phase
}

// =============================================================================
// SELF REPORT
// =============================================================================

func (o *Orchestrator) selfReport(tok *Token, sess Session, prog *progress) error {
	ctx := tok.Context()

	locals, subnets, err := o.probe.Interfaces(ctx)
	if err != nil {
		return fmt.Errorf("enumerating interfaces: %w", err)
	}
	if len(locals) == 0 {
		return errors.New("no usable interfaces")
	}
	prog.scanning(1)

	primary := locals[0]
	for _, l := range locals {
		if l.Subnet.Type == types.SubnetLan {
			primary = l
			break
		}
	}

	hostname, err := o.hostname()
	if err != nil {
		o.logger.Debug("hostname lookup failed", "error", err)
	}

	if tok.Cancelled() {
		return nil
	}
	open := o.probe.ScanTCP(ctx, primary.IP, o.tcpPorts)

	if tok.Cancelled() {
		return nil
	}
	dockerClient := o.probe.DockerAvailable(ctx)

	subnet := primary.Subnet
	obs := &classify.Observation{
		IP:              primary.IP,
		MAC:             primary.MAC,
		Hostname:        hostname,
		InterfaceName:   primary.Name,
		Subnet:          &subnet,
		OpenPorts:       open,
		HasDockerClient: dockerClient,
		Source:          types.DiscoverySource(sess.DaemonID, sess.Type, time.Now().UTC()),
	}

	var ifaces []types.Interface
	for _, l := range locals {
		ifaces = append(ifaces, types.Interface{
			Name:       l.Name,
			IP:         l.IP.String(),
			MAC:        l.MAC,
			SubnetCIDR: l.Subnet.CIDR,
		})
	}

	res := o.classifier.ClassifySelf(obs, o.cfg.APIPort, ifaces)
	o.sink.Add(types.DiscoveredHost{
		SessionID:     sess.ID,
		DaemonID:      sess.DaemonID,
		DiscoveryType: sess.Type,
		Host:          res.Host,
		Subnets:       subnets,
		Services:      res.Services,
		DiscoveredAt:  time.Now().UTC(),
	})
	prog.hostDone(true)
	return nil
}

// =============================================================================
// NETWORK SCAN
// =============================================================================

type target struct {
	ip     net.IP
	subnet types.Subnet
}

func (o *Orchestrator) network(tok *Token, sess Session, prog *progress) error {
	ctx := tok.Context()

	subnets, locals, err := o.targetSubnets(ctx, sess)
	if err != nil {
		return err
	}
	if tok.Cancelled() {
		return nil
	}

	gateways, err := o.probe.Gateways(ctx)
	if err != nil {
		o.logger.Warn("failed to read routing table", "error", err)
	}

	localIPs := make(map[string]bool, len(locals))
	for _, l := range locals {
		localIPs[l.IP.String()] = true
	}

	var targets []target
	for _, subnet := range subnets {
		network, err := probe.ParseCIDR(subnet.CIDR)
		if err != nil {
			o.logger.Warn("skipping subnet", "cidr", subnet.CIDR, "error", err)
			continue
		}
		hosts, err := probe.HostsFromCIDR(network)
		if err != nil {
			o.logger.Warn("skipping subnet", "cidr", subnet.CIDR, "error", err)
			continue
		}
		probe.SortByScanPriority(hosts)
		for _, ip := range hosts {
			if !localIPs[ip.String()] {
				targets = append(targets, target{ip: ip, subnet: subnet})
			}
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no scannable subnets")
	}
	o.prioritizeAlive(ctx, targets)

	prog.scanning(len(targets))
	o.logger.Info("scanning subnets", "session_id", sess.ID, "subnets", len(subnets), "hosts", len(targets))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, t := range targets {
		// g.Go blocks until a slot frees, so this runs between hosts.
		if tok.Cancelled() {
			break
		}
		g.Go(func() error {
			if tok.Cancelled() {
				return nil
			}
			found := o.scanHost(ctx, sess, t, gateways)
			prog.hostDone(found)
			return nil
		})
	}
	g.Wait()
	return nil
}

// prioritizeAlive moves targets that answer a ping sweep to the front,
// keeping scan priority order within each group.
func (o *Orchestrator) prioritizeAlive(ctx context.Context, targets []target) {
	if o.cfg.Sweeper == nil {
		return
	}
	ips := make([]net.IP, len(targets))
	for i, t := range targets {
		ips[i] = t.ip
	}
	alive, err := o.cfg.Sweeper.Alive(ctx, ips)
	if err != nil {
		o.logger.Warn("icmp sweep failed, scanning in address order", "error", err)
		return
	}
	slices.SortStableFunc(targets, func(a, b target) int {
		switch ra, rb := alive[a.ip.String()], alive[b.ip.String()]; {
		case ra && !rb:
			return -1
		case rb && !ra:
			return 1
		}
		return 0
	})
	o.logger.Debug("icmp sweep ordered targets", "alive", len(alive), "targets", len(targets))
}

// targetSubnets returns the subnets to sweep and the daemon's own interfaces.
func (o *Orchestrator) targetSubnets(ctx context.Context, sess Session) ([]types.Subnet, []probe.LocalInterface, error) {
	locals, localSubnets, err := o.probe.Interfaces(ctx)
	if err != nil {
		if len(sess.Subnets) == 0 {
			return nil, nil, fmt.Errorf("enumerating interfaces: %w", err)
		}
		o.logger.Warn("failed to enumerate interfaces", "error", err)
	}

	if len(sess.Subnets) == 0 {
		var out []types.Subnet
		for _, s := range localSubnets {
			if s.Type != types.SubnetDockerBridge {
				out = append(out, s)
			}
		}
		return out, locals, nil
	}

	var out []types.Subnet
	for _, raw := range sess.Subnets {
		network, err := probe.ParseCIDR(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("subnet %q: %w", raw, err)
		}
		subnet := types.Subnet{CIDR: network.String(), Name: network.String(), Type: types.SubnetUnknown}
		for _, ls := range localSubnets {
			if ls.Contains(network.IP) {
				subnet.Type = ls.Type
				break
			}
		}
		out = append(out, subnet)
	}
	return out, locals, nil
}

// scanHost probes and classifies one address. It reports whether a host was found.
func (o *Orchestrator) scanHost(ctx context.Context, sess Session, t target, gateways []net.IP) bool {
	obs := o.observe(ctx, t.ip, &t.subnet, gateways)
	if obs == nil {
		return false
	}
	obs.Source = types.DiscoverySource(sess.DaemonID, sess.Type, time.Now().UTC())

	res := o.classifier.Classify(obs)
	if res == nil {
		return false
	}

	o.sink.Add(types.DiscoveredHost{
		SessionID:     sess.ID,
		DaemonID:      sess.DaemonID,
		DiscoveryType: sess.Type,
		Host:          res.Host,
		Subnets:       []types.Subnet{t.subnet},
		Services:      res.Services,
		DiscoveredAt:  time.Now().UTC(),
	})
	o.logger.Debug("host discovered",
		"session_id", sess.ID,
		"ip", t.ip.String(),
		"name", res.Host.Name,
		"services", len(res.Services))
	return true
}

// observe gathers everything the probe can learn about ip. It returns nil for
// addresses with no open ports and no HTTP responses.
func (o *Orchestrator) observe(ctx context.Context, ip net.IP, subnet *types.Subnet, gateways []net.IP) *classify.Observation {
	open := o.probe.ScanTCP(ctx, ip, o.tcpPorts)
	open = append(open, o.probe.ScanUDP(ctx, ip, o.udpPorts)...)

	responses := o.probeEndpoints(ctx, ip, open)
	if len(open) == 0 && len(responses) == 0 {
		return nil
	}

	obs := &classify.Observation{
		IP:         ip,
		Subnet:     subnet,
		OpenPorts:  open,
		Responses:  responses,
		GatewayIPs: gateways,
	}

	// Tunnels carry no layer-2 neighbours.
	if subnet.Type != types.SubnetVpnTunnel {
		mac, err := o.probe.MACAddress(ctx, ip)
		if err != nil {
			o.logger.Debug("mac lookup failed", "ip", ip.String(), "error", err)
		}
		obs.MAC = mac
	}
	obs.Hostname = o.probe.Hostname(ctx, ip)
	return obs
}

// probeEndpoints fetches every catalog endpoint whose port is open.
func (o *Orchestrator) probeEndpoints(ctx context.Context, ip net.IP, open []types.PortBase) []types.EndpointResponse {
	var responses []types.EndpointResponse
	for _, ep := range o.endpoints {
		if !slices.Contains(open, ep.Port) {
			continue
		}
		if body, ok := o.probe.ProbeHTTP(ctx, ip, ep); ok {
			responses = append(responses, types.EndpointResponse{Endpoint: ep, Body: body})
		}
	}
	return responses
}

// =============================================================================
// DOCKER
// =============================================================================

func (o *Orchestrator) docker(tok *Token, sess Session, prog *progress) error {
	ctx := tok.Context()

	if !o.probe.DockerAvailable(ctx) {
		return fmt.Errorf("docker api unavailable")
	}
	containers, err := o.probe.Containers(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	_, subnets, err := o.probe.Interfaces(ctx)
	if err != nil {
		o.logger.Warn("failed to enumerate interfaces", "error", err)
	}

	prog.scanning(len(containers))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, ctr := range containers {
		if tok.Cancelled() {
			break
		}
		g.Go(func() error {
			if tok.Cancelled() {
				return nil
			}
			found := o.scanContainer(ctx, sess, ctr, subnets)
			prog.hostDone(found)
			return nil
		})
	}
	g.Wait()
	return nil
}

func (o *Orchestrator) scanContainer(ctx context.Context, sess Session, ctr types.Container, subnets []types.Subnet) bool {
	ip := net.ParseIP(ctr.IP)
	if ip == nil {
		o.logger.Debug("skipping container without bridge address", "container", ctr.Name)
		return false
	}

	subnet := types.Subnet{CIDR: ip.String() + "/32", Name: ctr.Name, Type: types.SubnetDockerBridge}
	for _, s := range subnets {
		if s.Contains(ip) {
			subnet = s
			break
		}
	}

	obs := &classify.Observation{
		IP:        ip,
		Hostname:  ctr.Name,
		Subnet:    &subnet,
		OpenPorts: ctr.Ports,
		Responses: o.probeEndpoints(ctx, ip, ctr.Ports),
		Container: &ctr,
		Source:    types.DiscoverySource(sess.DaemonID, sess.Type, time.Now().UTC()),
	}
	res := o.classifier.Classify(obs)
	if res == nil {
		return false
	}

	o.sink.Add(types.DiscoveredHost{
		SessionID:     sess.ID,
		DaemonID:      sess.DaemonID,
		DiscoveryType: sess.Type,
		Host:          res.Host,
		Subnets:       []types.Subnet{subnet},
		Services:      res.Services,
		DiscoveredAt:  time.Now().UTC(),
	})
	return true
}
