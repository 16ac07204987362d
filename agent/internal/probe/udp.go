package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"
)

// UDPProber knows how to elicit a reply from one UDP service.
//
// UDP has no handshake, so a port only counts as open if the service answers a
// well-formed request. Probers are registered per port number.
type UDPProber interface {
	// Port is the well-known port the prober targets.
	Port() uint16

	// Request builds the datagram to send.
	Request() []byte

	// Valid reports whether a response datagram came from the expected service.
	Valid(request, response []byte) bool
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available UDP probers.
type Registry struct {
	probers map[uint16]UDPProber
	mu      sync.RWMutex
}

// NewRegistry creates an empty prober registry.
func NewRegistry() *Registry {
	return &Registry{
		probers: make(map[uint16]UDPProber),
	}
}

// Register adds a prober. Returns an error if the port already has one.
func (r *Registry) Register(p UDPProber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	port := p.Port()
	if port == 0 {
		return fmt.Errorf("udp prober has no port")
	}
	if _, exists := r.probers[port]; exists {
		return fmt.Errorf("udp prober already registered for port %d", port)
	}
	r.probers[port] = p
	return nil
}

// Get returns the prober for port.
func (r *Registry) Get(port uint16) (UDPProber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probers[port]
	return p, ok
}

// Ports returns all registered port numbers in ascending order.
func (r *Registry) Ports() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]uint16, 0, len(r.probers))
	for p := range r.probers {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// exchangeUDP sends the prober's request and waits for one valid reply before
// the context deadline.
func exchangeUDP(ctx context.Context, dialer *net.Dialer, ip net.IP, p UDPProber) (bool, error) {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(p.Port())))
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	req := p.Request()
	if _, err := conn.Write(req); err != nil {
		return false, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		// Timeouts and ICMP port-unreachable both mean closed.
		return false, nil
	}
	return p.Valid(req, buf[:n]), nil
}

// BuiltinUDPProbers returns the probers for DNS, NTP and SNMP.
func BuiltinUDPProbers() []UDPProber {
	return []UDPProber{DNSProber{}, NTPProber{}, SNMPProber{Community: "public"}}
}

// =============================================================================
// DNS
// =============================================================================

// DNSProber asks for the root NS records.
type DNSProber struct{}

func (DNSProber) Port() uint16 { return 53 }

func (DNSProber) Request() []byte {
	msg := make([]byte, 12, 17)
	binary.BigEndian.PutUint16(msg[0:], uint16(rand.UintN(1<<16)))
	binary.BigEndian.PutUint16(msg[2:], 0x0100) // standard query, recursion desired
	binary.BigEndian.PutUint16(msg[4:], 1)      // qdcount
	msg = append(msg, 0x00)                     // root name
	msg = append(msg, 0x00, 0x02, 0x00, 0x01)   // NS, IN
	return msg
}

// Valid accepts any response carrying the request id, including error rcodes:
// a REFUSED answer still proves a resolver is listening.
func (DNSProber) Valid(req, resp []byte) bool {
	if len(resp) < 12 || len(req) < 2 {
		return false
	}
	return resp[0] == req[0] && resp[1] == req[1] && resp[2]&0x80 != 0
}

// =============================================================================
// NTP
// =============================================================================

// NTPProber sends an SNTP v3 client request.
type NTPProber struct{}

func (NTPProber) Port() uint16 { return 123 }

func (NTPProber) Request() []byte {
	msg := make([]byte, 48)
	msg[0] = 0x1b // LI 0, version 3, mode 3 (client)
	return msg
}

// Valid requires a server-mode reply.
func (NTPProber) Valid(_, resp []byte) bool {
	return len(resp) >= 48 && resp[0]&0x07 == 4
}

// =============================================================================
// SNMP
// =============================================================================

// SNMPProber sends an SNMPv1 GetRequest for sysDescr.0.
type SNMPProber struct {
	Community string
}

func (SNMPProber) Port() uint16 { return 161 }

func (s SNMPProber) Request() []byte {
	oid := []byte{0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01, 0x01, 0x00} // 1.3.6.1.2.1.1.1.0
	varbind := tlv(0x30, append(oid, 0x05, 0x00))
	varbinds := tlv(0x30, varbind)
	pdu := tlv(0xa0, concat(
		[]byte{0x02, 0x01, 0x01}, // request id
		[]byte{0x02, 0x01, 0x00}, // error status
		[]byte{0x02, 0x01, 0x00}, // error index
		varbinds,
	))
	return tlv(0x30, concat(
		[]byte{0x02, 0x01, 0x00}, // version 1
		tlv(0x04, []byte(s.Community)),
		pdu,
	))
}

// Valid accepts any BER sequence; agents with a different community stay silent.
func (SNMPProber) Valid(_, resp []byte) bool {
	return len(resp) > 2 && resp[0] == 0x30
}

// tlv encodes a short-form BER element.
func tlv(tag byte, value []byte) []byte {
	return append([]byte{tag, byte(len(value))}, value...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
