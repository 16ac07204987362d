package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TransportProtocol is the layer-4 protocol of a port.
type TransportProtocol string

const (
	TCP TransportProtocol = "tcp"
	UDP TransportProtocol = "udp"
)

// PortBase identifies a port by number and protocol. Two PortBases are equal
// when number and protocol match; this is the identity used during classification.
type PortBase struct {
	Number   uint16            `json:"number"`
	Protocol TransportProtocol `json:"protocol"`
}

// Well-known ports referenced by the service catalog.
var (
	PortSsh      = PortBase{22, TCP}
	PortTelnet   = PortBase{23, TCP}
	PortFtp      = PortBase{21, TCP}
	PortDnsUdp   = PortBase{53, UDP}
	PortDnsTcp   = PortBase{53, TCP}
	PortDhcp     = PortBase{67, UDP}
	PortHttp     = PortBase{80, TCP}
	PortNtp      = PortBase{123, UDP}
	PortSnmp     = PortBase{161, UDP}
	PortHttps    = PortBase{443, TCP}
	PortSamba    = PortBase{445, TCP}
	PortLdpTcp   = PortBase{515, TCP}
	PortLdpUdp   = PortBase{515, UDP}
	PortRtsp     = PortBase{554, TCP}
	PortIpp      = PortBase{631, TCP}
	PortNfs      = PortBase{2049, TCP}
	PortRdp      = PortBase{3389, TCP}
	PortHttpAlt  = PortBase{8080, TCP}
	PortHttpsAlt = PortBase{8443, TCP}
)

// TCPPort is shorthand for a custom TCP port.
func TCPPort(n uint16) PortBase { return PortBase{Number: n, Protocol: TCP} }

// UDPPort is shorthand for a custom UDP port.
func UDPPort(n uint16) PortBase { return PortBase{Number: n, Protocol: UDP} }

// String renders the port as "80/tcp".
func (p PortBase) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

// IsHTTPS reports whether the port conventionally speaks TLS.
func (p PortBase) IsHTTPS() bool {
	return p.Protocol == TCP && (p.Number == 443 || p.Number == 8443)
}

// Validate checks that the port is usable.
func (p PortBase) Validate() error {
	if p.Number == 0 {
		return fmt.Errorf("port number must be between 1 and 65535")
	}
	if p.Protocol != TCP && p.Protocol != UDP {
		return fmt.Errorf("unknown protocol: %q", p.Protocol)
	}
	return nil
}

var portPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*[/\-\s:]*\s*(tcp|udp)\s*$`)

// ParsePortBase parses "80/tcp", "53 udp", "8443-tcp" or "161:udp".
// A bare number is treated as TCP.
func ParsePortBase(s string) (PortBase, error) {
	if n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16); err == nil {
		p := TCPPort(uint16(n))
		return p, p.Validate()
	}

	m := portPattern.FindStringSubmatch(s)
	if m == nil {
		return PortBase{}, fmt.Errorf("invalid port string: %q", s)
	}
	n, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return PortBase{}, fmt.Errorf("invalid port number %q: %w", m[1], err)
	}
	p := PortBase{Number: uint16(n), Protocol: TransportProtocol(strings.ToLower(m[2]))}
	return p, p.Validate()
}

// Port is a PortBase materialized as an entity on a host.
type Port struct {
	ID string `json:"id"`
	PortBase
}

// String renders the port as "80/tcp".
func (p Port) String() string { return p.PortBase.String() }
