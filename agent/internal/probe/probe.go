// Package probe implements the platform side of discovery: port scans, HTTP
// probes, neighbour and route tables, local interfaces and the Docker socket.
//
// # Contract
//
// Discovery code depends only on the SystemProbe interface. Every method is
// best-effort: an unreachable host yields empty results rather than an error,
// and each network call carries its own timeout so a probe in flight always
// finishes even after the caller stops waiting for it.
//
// # Platform Notes
//
// MAC addresses and gateways are read from /proc/net/arp and /proc/net/route.
// On other platforms both return empty results and the classifier falls back
// to the last-octet gateway heuristic.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/errgroup"

	"github.com/netscope-io/netscope/pkg/types"
)

// SystemProbe is everything discovery needs from the machine it runs on.
type SystemProbe interface {
	// Interfaces enumerates local IPv4 interfaces and the subnets they sit on.
	Interfaces(ctx context.Context) ([]LocalInterface, []types.Subnet, error)

	// MACAddress returns the neighbour-table MAC for ip, or "" if unknown.
	MACAddress(ctx context.Context, ip net.IP) (string, error)

	// Gateways returns the default and per-subnet gateways from the routing table.
	Gateways(ctx context.Context) ([]net.IP, error)

	// ScanTCP returns the subset of ports accepting connections.
	ScanTCP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase

	// ScanUDP returns the subset of ports that answered a protocol probe.
	ScanUDP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase

	// ProbeHTTP fetches an endpoint and returns its body. ok is false if the
	// request failed.
	ProbeHTTP(ctx context.Context, ip net.IP, endpoint types.Endpoint) (body string, ok bool)

	// Hostname resolves ip through reverse DNS, or returns "".
	Hostname(ctx context.Context, ip net.IP) string

	// DockerAvailable reports whether the local Docker API answers.
	DockerAvailable(ctx context.Context) bool

	// Containers lists running containers from the local Docker API.
	Containers(ctx context.Context) ([]types.Container, error)
}

// LocalInterface is an address the daemon itself holds.
type LocalInterface struct {
	Name   string
	IP     net.IP
	MAC    string
	Subnet types.Subnet
}

// Config controls probe timeouts and fan-out.
type Config struct {
	// ConnectTimeout bounds each TCP connect and UDP exchange.
	ConnectTimeout time.Duration

	// HTTPTimeout bounds each HTTP probe.
	HTTPTimeout time.Duration

	// PortConcurrency caps parallel port probes against one host.
	PortConcurrency int

	// MaxBodyBytes limits how much of an HTTP body is kept.
	MaxBodyBytes int64

	// DockerSocket is the path of the Docker API socket.
	DockerSocket string

	// ProcRoot is the procfs mount used for ARP and route tables.
	ProcRoot string
}

// DefaultConfig returns the timeouts used for LAN scanning.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  800 * time.Millisecond,
		HTTPTimeout:     2 * time.Second,
		PortConcurrency: 16,
		MaxBodyBytes:    64 << 10,
		DockerSocket:    "/var/run/docker.sock",
		ProcRoot:        "/proc",
	}
}

// NetProbe is the SystemProbe backed by the host network stack.
type NetProbe struct {
	cfg      Config
	dialer   *net.Dialer
	http     *http.Client
	resolver *net.Resolver
	udp      *Registry
	docker   *DockerClient
	logger   *slog.Logger

	// arp caches the last neighbour table read; it is refreshed on a miss.
	arpMu sync.Mutex
	arp   map[string]string
}

// New creates a NetProbe with the built-in UDP probers registered.
func New(cfg Config, logger *slog.Logger) *NetProbe {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.PortConcurrency <= 0 {
		cfg.PortConcurrency = def.PortConcurrency
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = def.DockerSocket
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = def.ProcRoot
	}

	logger = logger.With("component", "probe")
	udp := NewRegistry()
	for _, p := range BuiltinUDPProbers() {
		if err := udp.Register(p); err != nil {
			logger.Warn("failed to register udp prober", "port", p.Port(), "error", err)
		}
	}

	return &NetProbe{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				// LAN appliances almost always present self-signed certificates.
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				DisableKeepAlives: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		resolver: net.DefaultResolver,
		udp:      udp,
		docker:   NewDockerClient(cfg.DockerSocket),
		logger:   logger,
	}
}

// UDPProbers exposes the prober registry.
func (p *NetProbe) UDPProbers() *Registry { return p.udp }

// =============================================================================
// INTERFACES
// =============================================================================

// Interfaces implements SystemProbe.
func (p *NetProbe) Interfaces(ctx context.Context) ([]LocalInterface, []types.Subnet, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var ifaces []LocalInterface
	var subnets []types.Subnet
	seen := make(map[string]bool)

	for _, st := range stats {
		if isLoopback(st.Flags) || !isUp(st.Flags) {
			continue
		}
		for _, addr := range st.Addrs {
			ip, ipNet, err := net.ParseCIDR(addr.Addr)
			if err != nil || ip.To4() == nil {
				continue
			}
			ipNet.IP = ip
			subnet := types.SubnetFromInterface(st.Name, ipNet)
			if subnet == nil {
				continue
			}
			ifaces = append(ifaces, LocalInterface{
				Name:   st.Name,
				IP:     ip.To4(),
				MAC:    st.HardwareAddr,
				Subnet: *subnet,
			})
			if !seen[subnet.CIDR] {
				seen[subnet.CIDR] = true
				subnets = append(subnets, *subnet)
			}
		}
	}

	if len(ifaces) == 0 {
		return nil, nil, errors.New("no usable IPv4 interfaces")
	}
	return ifaces, subnets, nil
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func isUp(flags []string) bool {
	for _, f := range flags {
		if f == "up" {
			return true
		}
	}
	return false
}

// =============================================================================
// PORTS
// =============================================================================

// ScanTCP implements SystemProbe.
func (p *NetProbe) ScanTCP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase {
	return p.scan(ctx, ports, types.TCP, func(ctx context.Context, port types.PortBase) bool {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port.Number)))
		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
}

// ScanUDP implements SystemProbe. Ports without a registered prober are skipped,
// since an unanswered datagram says nothing about whether the port is open.
func (p *NetProbe) ScanUDP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase {
	return p.scan(ctx, ports, types.UDP, func(ctx context.Context, port types.PortBase) bool {
		prober, ok := p.udp.Get(port.Number)
		if !ok {
			return false
		}
		ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
		open, err := exchangeUDP(ctx, p.dialer, ip, prober)
		if err != nil {
			p.logger.Debug("udp probe failed", "ip", ip.String(), "port", port.Number, "error", err)
		}
		return open
	})
}

// scan runs check over every port of the given protocol with bounded parallelism
// and returns the open ones in input order.
func (p *NetProbe) scan(ctx context.Context, ports []types.PortBase, proto types.TransportProtocol, check func(context.Context, types.PortBase) bool) []types.PortBase {
	open := make([]bool, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PortConcurrency)
	for i, port := range ports {
		if port.Protocol != proto {
			continue
		}
		g.Go(func() error {
			open[i] = check(gctx, port)
			return nil
		})
	}
	g.Wait()

	var out []types.PortBase
	for i, ok := range open {
		if ok {
			out = append(out, ports[i])
		}
	}
	return out
}

// =============================================================================
// HTTP
// =============================================================================

// ProbeHTTP implements SystemProbe.
func (p *NetProbe) ProbeHTTP(ctx context.Context, ip net.IP, endpoint types.Endpoint) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL(ip.String()), nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", "netscope-daemon")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	if err != nil && len(body) == 0 {
		return "", false
	}
	return string(body), true
}

// =============================================================================
// NEIGHBOURS, ROUTES AND NAMES
// =============================================================================

// MACAddress implements SystemProbe.
func (p *NetProbe) MACAddress(ctx context.Context, ip net.IP) (string, error) {
	key := ip.String()

	p.arpMu.Lock()
	defer p.arpMu.Unlock()

	if mac, ok := p.arp[key]; ok {
		return mac, nil
	}

	f, err := os.Open(p.cfg.ProcRoot + "/net/arp")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading arp table: %w", err)
	}
	defer f.Close()

	table, err := ParseARPTable(f)
	if err != nil {
		return "", err
	}
	p.arp = table
	return table[key], nil
}

// Gateways implements SystemProbe.
func (p *NetProbe) Gateways(ctx context.Context) ([]net.IP, error) {
	f, err := os.Open(p.cfg.ProcRoot + "/net/route")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading route table: %w", err)
	}
	defer f.Close()
	return ParseRouteTable(f)
}

// Hostname implements SystemProbe.
func (p *NetProbe) Hostname(ctx context.Context, ip net.IP) string {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	names, err := p.resolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// =============================================================================
// DOCKER
// =============================================================================

// DockerAvailable implements SystemProbe.
func (p *NetProbe) DockerAvailable(ctx context.Context) bool {
	return p.docker.Ping(ctx) == nil
}

// Containers implements SystemProbe.
func (p *NetProbe) Containers(ctx context.Context) ([]types.Container, error) {
	return p.docker.Containers(ctx)
}
