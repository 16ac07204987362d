package types

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// =============================================================================
// SUBNETS
// =============================================================================

// SubnetType classifies a subnet by the interface it was seen on.
type SubnetType string

const (
	SubnetLan          SubnetType = "lan"
	SubnetVpnTunnel    SubnetType = "vpn_tunnel"
	SubnetDockerBridge SubnetType = "docker_bridge"
	SubnetInternet     SubnetType = "internet"
	SubnetUnknown      SubnetType = "unknown"
)

// SubnetTypeFromInterface guesses the subnet type from an interface name
// such as "eth0", "wg0" or "br-3f2a1c".
func SubnetTypeFromInterface(name string) SubnetType {
	name = strings.ToLower(name)
	switch {
	case name == "docker0" || matchBridge(name):
		return SubnetDockerBridge
	case matchInterfacePrefix(name, "tun", "utun", "wg", "tap", "ppp", "vpn", "tailscale"):
		return SubnetVpnTunnel
	case matchInterfacePrefix(name, "eth", "en", "eno", "enp", "ens", "wlan", "wlp", "wifi"):
		return SubnetLan
	}
	return SubnetUnknown
}

func matchBridge(name string) bool {
	rest, ok := strings.CutPrefix(name, "br-")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// matchInterfacePrefix matches "wg" against "wg", "wg0" and "wg12" but not "wgx".
func matchInterfacePrefix(name string, prefixes ...string) bool {
	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(name, p)
		if !ok {
			continue
		}
		if rest == "" || (rest[0] >= '0' && rest[0] <= '9') {
			return true
		}
	}
	return false
}

// Subnet is an IPv4 network a daemon can see.
type Subnet struct {
	ID   string     `json:"id"`
	CIDR string     `json:"cidr"`
	Name string     `json:"name"`
	Type SubnetType `json:"subnet_type"`
}

// Contains reports whether ip is inside the subnet.
func (s *Subnet) Contains(ip net.IP) bool {
	_, n, err := net.ParseCIDR(s.CIDR)
	if err != nil {
		return false
	}
	return n.Contains(ip)
}

// SubnetFromInterface derives the subnet for an interface address.
// VPN tunnels with a /32 are widened to the enclosing /24; any other /32 is skipped.
// IPv6 networks are not scanned and return nil.
func SubnetFromInterface(ifaceName string, ipNet *net.IPNet) *Subnet {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil
	}
	typ := SubnetTypeFromInterface(ifaceName)
	ones, _ := ipNet.Mask.Size()

	var network *net.IPNet
	switch {
	case ones == 32 && typ == SubnetVpnTunnel:
		network = &net.IPNet{IP: ip4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	case ones == 32:
		return nil
	default:
		network = &net.IPNet{IP: ip4.Mask(ipNet.Mask), Mask: ipNet.Mask}
	}

	cidr := network.String()
	return &Subnet{CIDR: cidr, Name: cidr, Type: typ}
}

// =============================================================================
// INTERFACES AND ENDPOINTS
// =============================================================================

// Interface is a layer-3 presence of a host on a subnet.
type Interface struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	IP         string `json:"ip_address"`
	MAC        string `json:"mac_address,omitempty"`
	SubnetCIDR string `json:"subnet_cidr"`
}

// Equal compares interfaces by address and subnet.
func (i Interface) Equal(o Interface) bool {
	return i.IP == o.IP && i.SubnetCIDR == o.SubnetCIDR
}

// Endpoint is an HTTP probe target: a port plus a path.
type Endpoint struct {
	Port PortBase `json:"port"`
	Path string   `json:"path"`
}

// URL builds the probe URL for the given host address.
func (e Endpoint) URL(ip string) string {
	scheme := "http"
	if e.Port.IsHTTPS() {
		scheme = "https"
	}
	path := e.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(ip, fmt.Sprint(e.Port.Number)), path)
}

func (e Endpoint) String() string {
	return e.Port.String() + e.Path
}

// EndpointResponse is the body returned by an HTTP probe.
type EndpointResponse struct {
	Endpoint
	Body string `json:"body"`
}

// =============================================================================
// HOSTS
// =============================================================================

// Host is a discovered machine. Services lists ids of services bound to it.
type Host struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Hostname   string       `json:"hostname,omitempty"`
	Interfaces []Interface  `json:"interfaces"`
	Ports      []Port       `json:"ports"`
	Services   []string     `json:"services"`
	Source     EntitySource `json:"source"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// FindPort returns the host's port entity for base, if any.
func (h *Host) FindPort(base PortBase) *Port {
	for i := range h.Ports {
		if h.Ports[i].PortBase == base {
			return &h.Ports[i]
		}
	}
	return nil
}

// FindInterface returns the host's interface equal to iface, if any.
func (h *Host) FindInterface(iface Interface) *Interface {
	for i := range h.Interfaces {
		if h.Interfaces[i].Equal(iface) {
			return &h.Interfaces[i]
		}
	}
	return nil
}

// Container is a Docker container seen through the local Docker API.
type Container struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Image string     `json:"image"`
	IP    string     `json:"ip,omitempty"`
	Ports []PortBase `json:"ports,omitempty"`
}
