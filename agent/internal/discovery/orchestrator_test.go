package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/netscope-io/netscope/agent/internal/probe"
	"github.com/netscope-io/netscope/pkg/catalog"
	"github.com/netscope-io/netscope/pkg/classify"
	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeProbe struct {
	mu         sync.Mutex
	locals     []probe.LocalInterface
	subnets    []types.Subnet
	ifaceErr   error
	open       map[string][]types.PortBase
	bodies     map[string]string
	macs       map[string]string
	gateways   []net.IP
	docker     bool
	containers []types.Container
	macLookups []string

	// entered receives once per ScanTCP call; release gates it when set.
	entered chan string
	release chan struct{}
}

func (f *fakeProbe) Interfaces(ctx context.Context) ([]probe.LocalInterface, []types.Subnet, error) {
	return f.locals, f.subnets, f.ifaceErr
}

func (f *fakeProbe) MACAddress(ctx context.Context, ip net.IP) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.macLookups = append(f.macLookups, ip.String())
	return f.macs[ip.String()], nil
}

func (f *fakeProbe) Gateways(ctx context.Context) ([]net.IP, error) { return f.gateways, nil }

func (f *fakeProbe) ScanTCP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase {
	if f.entered != nil {
		select {
		case f.entered <- ip.String():
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	return f.filter(ip, ports, types.TCP)
}

func (f *fakeProbe) ScanUDP(ctx context.Context, ip net.IP, ports []types.PortBase) []types.PortBase {
	return f.filter(ip, ports, types.UDP)
}

func (f *fakeProbe) filter(ip net.IP, ports []types.PortBase, proto types.TransportProtocol) []types.PortBase {
	var out []types.PortBase
	for _, p := range f.open[ip.String()] {
		if p.Protocol == proto && slices.Contains(ports, p) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeProbe) ProbeHTTP(ctx context.Context, ip net.IP, ep types.Endpoint) (string, bool) {
	body, ok := f.bodies[ip.String()+" "+ep.String()]
	return body, ok
}

func (f *fakeProbe) Hostname(ctx context.Context, ip net.IP) string { return "" }

func (f *fakeProbe) DockerAvailable(ctx context.Context) bool { return f.docker }

func (f *fakeProbe) Containers(ctx context.Context) ([]types.Container, error) {
	return f.containers, nil
}

type fakeSink struct {
	mu      sync.Mutex
	hosts   []types.DiscoveredHost
	flushes int
}

func (s *fakeSink) Add(hosts ...types.DiscoveredHost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = append(s.hosts, hosts...)
}

func (s *fakeSink) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *fakeSink) byIP() map[string]types.DiscoveredHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.DiscoveredHost)
	for _, h := range s.hosts {
		out[h.Host.Interfaces[0].IP] = h
	}
	return out
}

type fakeReporter struct {
	mu      sync.Mutex
	updates []types.DiscoveryUpdatePayload
}

func (r *fakeReporter) ReportProgress(ctx context.Context, u types.DiscoveryUpdatePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *fakeReporter) all() []types.DiscoveryUpdatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.updates)
}

func (r *fakeReporter) last() types.DiscoveryUpdatePayload {
	all := r.all()
	return all[len(all)-1]
}

func lanInterface(ip string) probe.LocalInterface {
	subnet := types.Subnet{CIDR: "192.168.4.0/24", Name: "192.168.4.0/24", Type: types.SubnetLan}
	return probe.LocalInterface{Name: "eth0", IP: net.ParseIP(ip).To4(), MAC: "02:42:ac:11:00:02", Subnet: subnet}
}

func newTestOrchestrator(fp *fakeProbe, cfg Config) (*Orchestrator, *fakeSink, *fakeReporter) {
	sink := &fakeSink{}
	rep := &fakeReporter{}
	cfg.Progress.MinInterval = 0
	o := NewOrchestrator(fp, classify.New(catalog.Default(), testLogger()), sink, rep, cfg, testLogger())
	o.hostname = func() (string, error) { return "scanner", nil }
	return o, sink, rep
}

func runSession(o *Orchestrator, sess Session) types.DiscoveryPhase {
	return o.Run(newToken(), sess)
}

func assertSequenced(t *testing.T, updates []types.DiscoveryUpdatePayload) {
	t.Helper()
	for i := 1; i < len(updates); i++ {
		if updates[i].Seq <= updates[i-1].Seq {
			t.Fatalf("seq not increasing: %d then %d", updates[i-1].Seq, updates[i].Seq)
		}
	}
	if updates[0].Seq != 1 {
		t.Errorf("first seq = %d, want 1", updates[0].Seq)
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestOrchestrator_NetworkScan(t *testing.T) {
	fp := &fakeProbe{
		locals:  []probe.LocalInterface{lanInterface("192.168.4.2")},
		subnets: []types.Subnet{lanInterface("192.168.4.2").Subnet},
		open: map[string][]types.PortBase{
			"192.168.4.1": {types.PortHttp},
			"192.168.4.3": {types.PortDnsUdp, types.PortDnsTcp, types.PortHttp},
			"192.168.4.2": {types.PortSsh},
		},
		bodies: map[string]string{
			"192.168.4.3 80/tcp/admin": "Pi-hole Admin Console",
		},
		macs: map[string]string{"192.168.4.3": "b8:27:eb:00:00:01"},
	}
	o, sink, rep := newTestOrchestrator(fp, Config{Concurrency: 4})

	phase := runSession(o, Session{ID: "s1", DaemonID: "d1", Type: types.DiscoveryNetwork, Subnets: []string{"192.168.4.0/29"}})
	if phase != types.PhaseComplete {
		t.Fatalf("phase = %s, want complete", phase)
	}

	hosts := sink.byIP()
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	if _, ok := hosts["192.168.4.2"]; ok {
		t.Error("the daemon's own address must not be scanned")
	}

	pihole := hosts["192.168.4.3"]
	if pihole.Host.Name != "Pi-Hole" || pihole.SessionID != "s1" || pihole.DaemonID != "d1" {
		t.Errorf("unexpected pi-hole host: %+v", pihole.Host)
	}
	if pihole.Host.Interfaces[0].MAC != "b8:27:eb:00:00:01" {
		t.Errorf("mac = %q", pihole.Host.Interfaces[0].MAC)
	}
	if len(pihole.Subnets) != 1 || pihole.Subnets[0].Type != types.SubnetLan {
		t.Errorf("subnet type should come from the local interface, got %+v", pihole.Subnets)
	}

	gw := hosts["192.168.4.1"]
	if len(gw.Services) != 1 || gw.Services[0].Definition != catalog.NameGateway {
		t.Errorf("expected gateway service on .1, got %+v", gw.Services)
	}

	if sink.flushes != 1 {
		t.Errorf("sink flushed %d times, want 1", sink.flushes)
	}

	updates := rep.all()
	assertSequenced(t, updates)
	if updates[0].Phase != types.PhaseStarted || updates[1].Phase != types.PhaseScanning {
		t.Errorf("phases = %s, %s", updates[0].Phase, updates[1].Phase)
	}
	if updates[1].Total != 5 {
		t.Errorf("total = %d, want 5", updates[1].Total)
	}
	final := rep.last()
	if final.Phase != types.PhaseComplete || final.FinishedAt == nil || final.Error != nil {
		t.Errorf("unexpected final update: %+v", final)
	}
	if final.Completed != 5 || final.DiscoveredCount != 2 {
		t.Errorf("final counters = %d/%d, want 5/2", final.Completed, final.DiscoveredCount)
	}
}

func TestOrchestrator_SkipsMACOnVPN(t *testing.T) {
	vpn := types.Subnet{CIDR: "10.8.0.0/30", Name: "wg0", Type: types.SubnetVpnTunnel}
	fp := &fakeProbe{
		locals:  []probe.LocalInterface{{Name: "wg0", IP: net.ParseIP("10.8.0.2").To4(), Subnet: vpn}},
		subnets: []types.Subnet{vpn},
		open:    map[string][]types.PortBase{"10.8.0.1": {types.PortHttps}},
	}
	o, sink, _ := newTestOrchestrator(fp, Config{})

	if phase := runSession(o, Session{ID: "s1", Type: types.DiscoveryNetwork}); phase != types.PhaseComplete {
		t.Fatalf("phase = %s", phase)
	}
	if len(fp.macLookups) != 0 {
		t.Errorf("mac lookups on a tunnel: %v", fp.macLookups)
	}
	hosts := sink.byIP()
	if h, ok := hosts["10.8.0.1"]; !ok || h.Services[0].Definition != "Vpn Gateway" {
		t.Errorf("expected vpn gateway, got %+v", hosts)
	}
}

func TestOrchestrator_Failures(t *testing.T) {
	tests := []struct {
		name string
		fp   *fakeProbe
		sess Session
		want string
	}{
		{
			name: "unknown type",
			fp:   &fakeProbe{},
			sess: Session{ID: "s1", Type: "bogus"},
			want: "unknown discovery type",
		},
		{
			name: "no interfaces",
			fp:   &fakeProbe{ifaceErr: errors.New("netlink unavailable")},
			sess: Session{ID: "s1", Type: types.DiscoveryNetwork},
			want: "enumerating interfaces",
		},
		{
			name: "self report without interfaces",
			fp:   &fakeProbe{},
			sess: Session{ID: "s1", Type: types.DiscoverySelfReport},
			want: "no usable interfaces",
		},
		{
			name: "docker unavailable",
			fp:   &fakeProbe{},
			sess: Session{ID: "s1", Type: types.DiscoveryDocker},
			want: "docker api unavailable",
		},
		{
			name: "bad subnet",
			fp:   &fakeProbe{},
			sess: Session{ID: "s1", Type: types.DiscoveryNetwork, Subnets: []string{"10.0.0.0/8"}},
			want: "no scannable subnets",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, rep := newTestOrchestrator(tt.fp, Config{})
			if phase := runSession(o, tt.sess); phase != types.PhaseFailed {
				t.Fatalf("phase = %s, want failed", phase)
			}
			final := rep.last()
			if final.Phase != types.PhaseFailed || final.Error == nil {
				t.Fatalf("unexpected final update: %+v", final)
			}
			if !strings.HasPrefix(*final.Error, "Critical error: ") || !strings.Contains(*final.Error, tt.want) {
				t.Errorf("error = %q, want containing %q", *final.Error, tt.want)
			}
		})
	}
}

func TestOrchestrator_CancelBetweenHosts(t *testing.T) {
	fp := &fakeProbe{
		locals:  []probe.LocalInterface{lanInterface("192.168.4.200")},
		subnets: []types.Subnet{lanInterface("192.168.4.200").Subnet},
		open:    map[string][]types.PortBase{"192.168.4.1": {types.PortHttp}},
		entered: make(chan string, 1),
		release: make(chan struct{}),
	}
	o, _, rep := newTestOrchestrator(fp, Config{Concurrency: 1})
	g := NewGuard(2*time.Second, testLogger())

	var phase types.DiscoveryPhase
	tokCh := make(chan *Token, 1)
	task, err := g.Launch("s1", func(tok *Token) {
		tokCh <- tok
		phase = o.Run(tok, Session{ID: "s1", Type: types.DiscoveryNetwork, Subnets: []string{"192.168.4.0/28"}})
	})
	if err != nil {
		t.Fatal(err)
	}
	tok := <-tokCh

	// First host is mid-probe; request a stop, then let the probe finish.
	if ip := <-fp.entered; ip != "192.168.4.1" {
		t.Fatalf("first probed host = %s, want 192.168.4.1", ip)
	}
	tok.Cancel()
	close(fp.release)
	waitDone(t, task)

	if phase != types.PhaseCancelled {
		t.Fatalf("phase = %s, want cancelled", phase)
	}
	final := rep.last()
	if final.Phase != types.PhaseCancelled || final.Error != nil {
		t.Errorf("unexpected final update: %+v", final)
	}
	if final.Completed != 1 || final.Total != 14 {
		t.Errorf("completed %d of %d, want 1 of 14", final.Completed, final.Total)
	}
	if final.DiscoveredCount != 1 {
		t.Errorf("in-flight host should still be classified, got %d", final.DiscoveredCount)
	}
}

func TestOrchestrator_SelfReport(t *testing.T) {
	wg := types.Subnet{CIDR: "10.8.0.0/24", Name: "10.8.0.0/24", Type: types.SubnetVpnTunnel}
	fp := &fakeProbe{
		locals: []probe.LocalInterface{
			{Name: "wg0", IP: net.ParseIP("10.8.0.2").To4(), Subnet: wg},
			lanInterface("192.168.4.20"),
		},
		subnets: []types.Subnet{wg, lanInterface("192.168.4.20").Subnet},
		open:    map[string][]types.PortBase{"192.168.4.20": {types.PortSsh}},
		docker:  true,
	}
	o, sink, rep := newTestOrchestrator(fp, Config{APIPort: 60073})

	if phase := runSession(o, Session{ID: "s1", DaemonID: "d1", Type: types.DiscoverySelfReport}); phase != types.PhaseComplete {
		t.Fatalf("phase = %s", phase)
	}
	if len(sink.hosts) != 1 {
		t.Fatalf("expected the daemon host, got %d hosts", len(sink.hosts))
	}
	h := sink.hosts[0]
	if h.Host.Interfaces[0].IP != "192.168.4.20" {
		t.Errorf("primary interface should be the LAN one, got %s", h.Host.Interfaces[0].IP)
	}
	if len(h.Host.Interfaces) != 2 || len(h.Subnets) != 2 {
		t.Errorf("expected both interfaces and subnets, got %d/%d", len(h.Host.Interfaces), len(h.Subnets))
	}

	var defs []string
	for _, s := range h.Services {
		defs = append(defs, s.Definition)
	}
	if !slices.Contains(defs, catalog.NameNetScopeDaemon) || !slices.Contains(defs, "Docker") {
		t.Errorf("services = %v, want daemon and docker", defs)
	}
	if h.Services[0].Source.Metadata[0].DaemonID != "d1" {
		t.Errorf("source not stamped: %+v", h.Services[0].Source)
	}

	final := rep.last()
	if final.Completed != 1 || final.DiscoveredCount != 1 || final.Total != 1 {
		t.Errorf("final counters = %+v", final.DiscoverySessionUpdate)
	}
}

func TestOrchestrator_SelfReportWithoutHostname(t *testing.T) {
	fp := &fakeProbe{
		locals:  []probe.LocalInterface{lanInterface("192.168.4.20")},
		subnets: []types.Subnet{lanInterface("192.168.4.20").Subnet},
	}
	o, sink, _ := newTestOrchestrator(fp, Config{APIPort: 60073})
	o.hostname = func() (string, error) { return "", errors.New("uts namespace unavailable") }

	if phase := runSession(o, Session{ID: "s1", DaemonID: "d1", Type: types.DiscoverySelfReport}); phase != types.PhaseComplete {
		t.Fatalf("phase = %s", phase)
	}
	if len(sink.hosts) != 1 {
		t.Fatalf("expected the daemon host, got %d hosts", len(sink.hosts))
	}
	if h := sink.hosts[0].Host; h.Hostname != "" {
		t.Errorf("hostname = %q, want empty", h.Hostname)
	}
}

func TestOrchestrator_Docker(t *testing.T) {
	bridge := types.Subnet{CIDR: "172.17.0.0/16", Name: "docker0", Type: types.SubnetDockerBridge}
	fp := &fakeProbe{
		subnets: []types.Subnet{bridge},
		docker:  true,
		containers: []types.Container{
			{ID: "c1", Name: "grafana", IP: "172.17.0.5", Ports: []types.PortBase{types.TCPPort(3000)}},
			{ID: "c2", Name: "host-mode"},
		},
	}
	o, sink, rep := newTestOrchestrator(fp, Config{})

	if phase := runSession(o, Session{ID: "s1", Type: types.DiscoveryDocker}); phase != types.PhaseComplete {
		t.Fatalf("phase = %s", phase)
	}
	hosts := sink.byIP()
	h, ok := hosts["172.17.0.5"]
	if !ok {
		t.Fatalf("expected container host, got %v", hosts)
	}
	if len(h.Services) != 1 || h.Services[0].Name != "grafana" || h.Services[0].ContainerID != "c1" {
		t.Errorf("unexpected services: %+v", h.Services)
	}
	if h.Subnets[0].CIDR != bridge.CIDR {
		t.Errorf("subnet = %s, want docker bridge", h.Subnets[0].CIDR)
	}

	final := rep.last()
	if final.Completed != 2 || final.DiscoveredCount != 1 {
		t.Errorf("final counters = %d/%d, want 2/1", final.Completed, final.DiscoveredCount)
	}
}

func TestProgress_Throttling(t *testing.T) {
	rep := &fakeReporter{}
	p := newProgress(rep, ProgressConfig{Every: 20}, "s1", "d1", testLogger())

	p.started()
	p.scanning(50)
	for i := 0; i < 50; i++ {
		p.hostDone(i%10 == 0)
	}
	p.finish(types.PhaseComplete, nil)
	p.finish(types.PhaseFailed, nil)

	var phases []types.DiscoveryPhase
	var completed []int
	for _, u := range rep.all() {
		phases = append(phases, u.Phase)
		completed = append(completed, u.Completed)
	}
	// started, scanning, at 20, at 40, at 50 (total reached), terminal
	if len(phases) != 6 {
		t.Fatalf("sent %d updates (%v), want 6", len(phases), completed)
	}
	if phases[5] != types.PhaseComplete {
		t.Errorf("terminal phase = %s, want complete; second finish must be ignored", phases[5])
	}
	if completed[2] != 20 || completed[3] != 40 || completed[4] != 50 {
		t.Errorf("progress points = %v", completed)
	}
	if rep.last().DiscoveredCount != 5 {
		t.Errorf("discovered = %d, want 5", rep.last().DiscoveredCount)
	}
	assertSequenced(t, rep.all())
}

type fakeSweeper struct {
	alive map[string]bool
	err   error
}

func (f *fakeSweeper) Alive(ctx context.Context, ips []net.IP) (map[string]bool, error) {
	return f.alive, f.err
}

func TestOrchestrator_PrioritizeAlive(t *testing.T) {
	mk := func(ips ...string) []target {
		out := make([]target, len(ips))
		for i, ip := range ips {
			out[i] = target{ip: net.ParseIP(ip)}
		}
		return out
	}
	ipsOf := func(ts []target) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.ip.String()
		}
		return out
	}

	tests := []struct {
		name    string
		sweeper LivenessSweeper
		want    []string
	}{
		{"no sweeper", nil, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}},
		{
			"alive first, order kept",
			&fakeSweeper{alive: map[string]bool{"10.0.0.4": true, "10.0.0.2": true}},
			[]string{"10.0.0.2", "10.0.0.4", "10.0.0.1", "10.0.0.3"},
		},
		{
			"sweep error leaves order",
			&fakeSweeper{err: errors.New("fping not found")},
			[]string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _ := newTestOrchestrator(&fakeProbe{}, Config{Sweeper: tt.sweeper})
			targets := mk("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
			o.prioritizeAlive(context.Background(), targets)
			if got := ipsOf(targets); !slices.Equal(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
		})
	}
}
