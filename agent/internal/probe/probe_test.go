package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netscope-io/netscope/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseARPTable(t *testing.T) {
	input := `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         AA:BB:CC:DD:EE:FF     *        eth0
192.168.1.7      0x1         0x0         00:00:00:00:00:00     *        eth0
192.168.1.9      0x1         0x2         00:17:88:01:02:03     *        eth0
garbage
`
	table, err := ParseARPTable(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 2 {
		t.Fatalf("expected 2 entries, got %v", table)
	}
	if table["192.168.1.1"] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("mac not normalised: %s", table["192.168.1.1"])
	}
	if _, ok := table["192.168.1.7"]; ok {
		t.Error("incomplete entry should be skipped")
	}
}

func TestParseRouteTable(t *testing.T) {
	input := `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	100	00FFFFFF	0	0	0
wg0	00000A0A	0100080A	0003	0	0	0	0000FFFF	0	0	0
eth1	00000000	0101A8C0	0003	0	0	200	00000000	0	0	0
`
	gws, err := ParseRouteTable(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"192.168.1.1", "10.8.0.1"}
	if len(gws) != len(want) {
		t.Fatalf("gateways = %v, want %v", gws, want)
	}
	for i, w := range want {
		if gws[i].String() != w {
			t.Errorf("gateway %d = %s, want %s", i, gws[i], w)
		}
	}
}

func TestHostsFromCIDR(t *testing.T) {
	tests := []struct {
		cidr  string
		count int
		first string
		err   bool
	}{
		{"192.168.1.0/24", 254, "192.168.1.1", false},
		{"10.0.0.0/30", 2, "10.0.0.1", false},
		{"10.0.0.0/31", 2, "10.0.0.0", false},
		{"10.0.0.7/32", 1, "10.0.0.7", false},
		{"172.16.0.0/23", 510, "172.16.0.1", false},
		{"10.0.0.0/15", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			network, err := ParseCIDR(tt.cidr)
			if err != nil {
				t.Fatal(err)
			}
			hosts, err := HostsFromCIDR(network)
			if tt.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(hosts) != tt.count {
				t.Errorf("got %d hosts, want %d", len(hosts), tt.count)
			}
			if hosts[0].String() != tt.first {
				t.Errorf("first host = %s, want %s", hosts[0], tt.first)
			}
		})
	}

	if _, err := ParseCIDR("fd00::/64"); err == nil {
		t.Error("expected IPv6 to be rejected")
	}
	if _, err := ParseCIDR("nope"); err == nil {
		t.Error("expected invalid cidr error")
	}
}

func TestSortByScanPriority(t *testing.T) {
	var ips []net.IP
	for _, o := range []int{255, 7, 100, 2, 254, 0, 1, 50, 253} {
		ips = append(ips, net.IPv4(192, 168, 1, byte(o)).To4())
	}
	SortByScanPriority(ips)

	var got []string
	for _, ip := range ips {
		got = append(got, fmt.Sprint(ip.To4()[3]))
	}
	want := "1,254,2,100,253,7,50,0,255"
	if strings.Join(got, ",") != want {
		t.Errorf("order = %s, want %s", strings.Join(got, ","), want)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(DNSProber{}); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := r.Register(DNSProber{}); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if err := r.Register(NTPProber{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(53); !ok {
		t.Error("expected dns prober")
	}
	if _, ok := r.Get(161); ok {
		t.Error("snmp prober was not registered")
	}
	if ports := r.Ports(); len(ports) != 2 || ports[0] != 53 || ports[1] != 123 {
		t.Errorf("ports = %v", ports)
	}
}

func TestDNSProber_Valid(t *testing.T) {
	p := DNSProber{}
	req := p.Request()
	resp := make([]byte, 12)
	copy(resp, req[:2])
	resp[2] = 0x81

	if !p.Valid(req, resp) {
		t.Error("expected matching response to be valid")
	}
	resp[0] ^= 0xff
	if p.Valid(req, resp) {
		t.Error("expected mismatched id to be invalid")
	}
	if p.Valid(req, []byte{1, 2}) {
		t.Error("expected short response to be invalid")
	}
}

// echoProber targets an arbitrary port and accepts any reply.
type echoProber struct{ port uint16 }

func (e echoProber) Port() uint16                { return e.port }
func (e echoProber) Request() []byte             { return []byte("hello") }
func (e echoProber) Valid(req, resp []byte) bool { return string(resp) == string(req) }

func TestExchangeUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer conn.Close()

	go func() {
		buf := make([]byte, 64)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		conn.WriteTo(buf[:n], addr)
	}()

	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	open, err := exchangeUDP(ctx, &net.Dialer{}, net.IPv4(127, 0, 0, 1), echoProber{port: port})
	if err != nil {
		t.Fatal(err)
	}
	if !open {
		t.Error("expected echo server to count as open")
	}
}

func TestScanTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp unavailable: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := uint16(closed.Addr().(*net.TCPAddr).Port)
	closed.Close()

	openPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	p := New(Config{ConnectTimeout: 500 * time.Millisecond}, testLogger())

	got := p.ScanTCP(context.Background(), net.IPv4(127, 0, 0, 1), []types.PortBase{
		types.TCPPort(closedPort),
		types.TCPPort(openPort),
		types.UDPPort(openPort),
	})
	if len(got) != 1 || got[0] != types.TCPPort(openPort) {
		t.Errorf("open ports = %v, want [%d/tcp]", got, openPort)
	}
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<title>Pi-hole Admin Console</title>"))
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	p := New(Config{HTTPTimeout: time.Second}, testLogger())

	body, ok := p.ProbeHTTP(context.Background(), addr.IP, types.Endpoint{Port: types.TCPPort(uint16(addr.Port)), Path: "/admin"})
	if !ok || !strings.Contains(body, "Pi-hole") {
		t.Errorf("ProbeHTTP() = %q, %v", body, ok)
	}

	// A 404 is still a response.
	if _, ok := p.ProbeHTTP(context.Background(), addr.IP, types.Endpoint{Port: types.TCPPort(uint16(addr.Port)), Path: "/missing"}); !ok {
		t.Error("expected error responses to be returned")
	}
}

func TestDockerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_ping":
			w.Write([]byte("OK"))
		case "/containers/json":
			w.Write([]byte(`[{
				"Id": "c0ffee",
				"Names": ["/grafana"],
				"Image": "grafana/grafana",
				"Ports": [{"PrivatePort": 3000, "Type": "tcp"}, {"PrivatePort": 3000, "Type": "tcp"}, {"PrivatePort": 53, "Type": "udp"}],
				"NetworkSettings": {"Networks": {"web": {"IPAddress": "172.18.0.4"}, "bridge": {"IPAddress": "172.17.0.2"}}}
			}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewDockerClientHTTP(srv.URL, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	ctrs, err := c.Containers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ctrs) != 1 {
		t.Fatalf("expected 1 container, got %d", len(ctrs))
	}
	ctr := ctrs[0]
	if ctr.Name != "grafana" || ctr.ID != "c0ffee" {
		t.Errorf("unexpected container: %+v", ctr)
	}
	if ctr.IP != "172.17.0.2" {
		t.Errorf("IP = %s, want first network by name", ctr.IP)
	}
	if len(ctr.Ports) != 2 || ctr.Ports[0] != types.TCPPort(3000) || ctr.Ports[1] != types.PortDnsUdp {
		t.Errorf("ports = %v", ctr.Ports)
	}
}

func TestParseFpingOutput(t *testing.T) {
	output := []byte(`192.168.1.1 : 0.52
192.168.1.2 : -
192.168.1.3 : - 1.10
ICMP Host Unreachable from 192.168.1.20 for ICMP Echo sent to 192.168.1.4
not-an-ip : 1.0
`)
	alive := parseFpingOutput(output)
	want := map[string]bool{"192.168.1.1": true, "192.168.1.3": true}
	if len(alive) != len(want) {
		t.Fatalf("alive = %v, want %v", alive, want)
	}
	for ip := range want {
		if !alive[ip] {
			t.Errorf("%s should be alive", ip)
		}
	}
}

func TestSweeper_Unavailable(t *testing.T) {
	s := NewSweeper("/nonexistent/fping", time.Second, testLogger())
	if s.Available() {
		t.Fatal("expected fping to be unavailable")
	}
	if _, err := s.Alive(context.Background(), []net.IP{net.ParseIP("192.0.2.1")}); err != ErrFpingUnavailable {
		t.Errorf("err = %v, want ErrFpingUnavailable", err)
	}
}
