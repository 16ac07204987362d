// Package pattern evaluates declarative service-detection rules against what a
// scan observed on one host.
//
// # Design Principles
//
// 1. Closed Variant Set: A Pattern is plain data tagged with a Kind; there is no
// per-variant behaviour outside this package
// 2. Explicit Context: Every signal a rule may look at, including services already
// matched on the host, travels in one MatchContext value
// 3. Three Outcomes: a match (with the ports that satisfied it), no match, or an
// error for a malformed pattern
//
// # Composing Patterns
//
//	pattern.AllOf(
//		pattern.AllPort(types.PortDnsUdp, types.PortDnsTcp),
//		pattern.Endpoint(types.PortHttp, "/admin", "pi-hole"),
//	)
//
// AllOf aggregates the ports of every child. AnyOf keeps the ports of the first
// child that matched. Not, Endpoint and the host-level checks never contribute ports.
package pattern

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/netscope-io/netscope/pkg/types"
)

// ErrInvalidPattern is returned when a pattern cannot be evaluated.
var ErrInvalidPattern = errors.New("invalid pattern")

// Kind enumerates the pattern variants.
type Kind int

const (
	KindNone Kind = iota
	KindPort
	KindAnyPort
	KindAllPort
	KindEndpoint
	KindWebService
	KindMacVendor
	KindIsGateway
	KindIsGatewayIP
	KindDockerClient
	KindDockerContainer
	KindSubnetIsType
	KindSubnetIsNotType
	KindAllOf
	KindAnyOf
	KindNot
	KindCustom
)

var kindNames = map[Kind]string{
	KindNone:            "None",
	KindPort:            "Port",
	KindAnyPort:         "AnyPort",
	KindAllPort:         "AllPort",
	KindEndpoint:        "Endpoint",
	KindWebService:      "WebService",
	KindMacVendor:       "MacVendor",
	KindIsGateway:       "IsGateway",
	KindIsGatewayIP:     "IsGatewayIp",
	KindDockerClient:    "DockerClient",
	KindDockerContainer: "DockerContainer",
	KindSubnetIsType:    "SubnetIsType",
	KindSubnetIsNotType: "SubnetIsNotType",
	KindAllOf:           "AllOf",
	KindAnyOf:           "AnyOf",
	KindNot:             "Not",
	KindCustom:          "Custom",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Predicate is the body of a Custom pattern. It must be a pure function of its argument.
type Predicate func(mc *MatchContext) bool

// Pattern is one node of a detection rule. Only the fields relevant to Kind are set.
type Pattern struct {
	Kind       Kind
	Ports      []types.PortBase
	Endpoint   types.Endpoint
	Path       string
	Needle     string
	Vendor     string
	SubnetType types.SubnetType
	Children   []Pattern
	Predicate  Predicate
	// Description documents a Custom predicate for catalog listings.
	Description string
}

// MatchContext carries the observed signals for one host.
type MatchContext struct {
	IP              net.IP
	Subnet          *types.Subnet
	MAC             string
	OpenPorts       []types.PortBase
	Responses       []types.EndpointResponse
	GatewayIPs      []net.IP
	HasDockerClient bool
	Container       *types.Container
	// AlreadyMatched holds services classified earlier on the same host, in evaluation order.
	AlreadyMatched []types.Service
}

// Result describes a successful match.
type Result struct {
	Ports []types.PortBase
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// None never matches. Used for definitions that are only created manually.
func None() Pattern { return Pattern{Kind: KindNone} }

// Port matches if p is open.
func Port(p types.PortBase) Pattern { return Pattern{Kind: KindPort, Ports: []types.PortBase{p}} }

// AnyPort matches if at least one of ports is open.
func AnyPort(ports ...types.PortBase) Pattern { return Pattern{Kind: KindAnyPort, Ports: ports} }

// AllPort matches if every one of ports is open.
func AllPort(ports ...types.PortBase) Pattern { return Pattern{Kind: KindAllPort, Ports: ports} }

// Endpoint matches if the HTTP response for (port, path) contains needle, ignoring case.
func Endpoint(port types.PortBase, path, needle string) Pattern {
	return Pattern{Kind: KindEndpoint, Endpoint: types.Endpoint{Port: port, Path: path}, Needle: needle}
}

// WebService is Endpoint over every standard web port.
func WebService(path, needle string) Pattern {
	return Pattern{Kind: KindWebService, Path: path, Needle: needle}
}

// MacVendor matches if the host's MAC prefix belongs to vendor.
func MacVendor(vendor string) Pattern { return Pattern{Kind: KindMacVendor, Vendor: vendor} }

// IsGateway matches hosts that route for their subnet.
func IsGateway() Pattern { return Pattern{Kind: KindIsGateway} }

// IsGatewayIP matches hosts whose address ends in .1 or .254.
func IsGatewayIP() Pattern { return Pattern{Kind: KindIsGatewayIP} }

// DockerClient matches hosts with a reachable Docker engine.
func DockerClient() Pattern { return Pattern{Kind: KindDockerClient} }

// DockerContainer matches observations that describe a container.
func DockerContainer() Pattern { return Pattern{Kind: KindDockerContainer} }

// SubnetIsType matches hosts found on a subnet of type t.
func SubnetIsType(t types.SubnetType) Pattern { return Pattern{Kind: KindSubnetIsType, SubnetType: t} }

// SubnetIsNotType matches hosts found on a subnet not of type t.
func SubnetIsNotType(t types.SubnetType) Pattern {
	return Pattern{Kind: KindSubnetIsNotType, SubnetType: t}
}

// AllOf matches if every child matches.
func AllOf(children ...Pattern) Pattern { return Pattern{Kind: KindAllOf, Children: children} }

// AnyOf matches if any child matches.
func AnyOf(children ...Pattern) Pattern { return Pattern{Kind: KindAnyOf, Children: children} }

// Not matches if p does not.
func Not(p Pattern) Pattern { return Pattern{Kind: KindNot, Children: []Pattern{p}} }

// Custom matches if fn returns true.
func Custom(description string, fn Predicate) Pattern {
	return Pattern{Kind: KindCustom, Predicate: fn, Description: description}
}

// webPorts are the ports a WebService pattern probes.
var webPorts = []types.PortBase{types.PortHttp, types.PortHttps, types.PortHttpAlt, types.PortHttpsAlt}

// =============================================================================
// EVALUATION
// =============================================================================

// Match evaluates p. A nil Result with a nil error means no match.
func (p Pattern) Match(mc *MatchContext) (*Result, error) {
	switch p.Kind {
	case KindNone:
		return nil, nil

	case KindPort, KindAnyPort, KindAllPort:
		return p.matchPorts(mc)

	case KindEndpoint:
		if hasResponse(mc.Responses, p.Endpoint, p.Needle) {
			return &Result{}, nil
		}
		return nil, nil

	case KindWebService:
		for _, port := range webPorts {
			if hasResponse(mc.Responses, types.Endpoint{Port: port, Path: p.Path}, p.Needle) {
				return &Result{}, nil
			}
		}
		return nil, nil

	case KindMacVendor:
		if p.Vendor == "" {
			return nil, fmt.Errorf("%w: MacVendor without vendor", ErrInvalidPattern)
		}
		v, ok := LookupVendor(mc.MAC)
		if ok && NormalizeVendor(v) == NormalizeVendor(p.Vendor) {
			return &Result{}, nil
		}
		return nil, nil

	case KindIsGateway:
		return boolResult(isGateway(mc)), nil

	case KindIsGatewayIP:
		return boolResult(gatewayHeuristic(mc.IP)), nil

	case KindDockerClient:
		return boolResult(mc.HasDockerClient), nil

	case KindDockerContainer:
		return boolResult(mc.Container != nil), nil

	case KindSubnetIsType:
		return boolResult(mc.Subnet != nil && mc.Subnet.Type == p.SubnetType), nil

	case KindSubnetIsNotType:
		return boolResult(mc.Subnet == nil || mc.Subnet.Type != p.SubnetType), nil

	case KindAllOf:
		if len(p.Children) == 0 {
			return nil, fmt.Errorf("%w: empty AllOf", ErrInvalidPattern)
		}
		agg := &Result{}
		for _, c := range p.Children {
			r, err := c.Match(mc)
			if err != nil || r == nil {
				return nil, err
			}
			agg.Ports = appendUnique(agg.Ports, r.Ports...)
		}
		return agg, nil

	case KindAnyOf:
		if len(p.Children) == 0 {
			return nil, fmt.Errorf("%w: empty AnyOf", ErrInvalidPattern)
		}
		for _, c := range p.Children {
			r, err := c.Match(mc)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}
		}
		return nil, nil

	case KindNot:
		if len(p.Children) != 1 {
			return nil, fmt.Errorf("%w: Not takes exactly one pattern", ErrInvalidPattern)
		}
		r, err := p.Children[0].Match(mc)
		if err != nil {
			return nil, err
		}
		return boolResult(r == nil), nil

	case KindCustom:
		if p.Predicate == nil {
			return nil, fmt.Errorf("%w: Custom without predicate", ErrInvalidPattern)
		}
		return boolResult(p.Predicate(mc)), nil
	}

	return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidPattern, p.Kind)
}

func (p Pattern) matchPorts(mc *MatchContext) (*Result, error) {
	if len(p.Ports) == 0 {
		return nil, fmt.Errorf("%w: %s without ports", ErrInvalidPattern, p.Kind)
	}
	var found []types.PortBase
	for _, want := range p.Ports {
		if slices.Contains(mc.OpenPorts, want) {
			found = appendUnique(found, want)
		} else if p.Kind != KindAnyPort {
			return nil, nil
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &Result{Ports: found}, nil
}

func hasResponse(responses []types.EndpointResponse, ep types.Endpoint, needle string) bool {
	needle = strings.ToLower(needle)
	for _, r := range responses {
		if r.Port == ep.Port && r.Path == ep.Path && strings.Contains(strings.ToLower(r.Body), needle) {
			return true
		}
	}
	return false
}

func boolResult(ok bool) *Result {
	if ok {
		return &Result{}
	}
	return nil
}

func appendUnique(dst []types.PortBase, ports ...types.PortBase) []types.PortBase {
	for _, p := range ports {
		if !slices.Contains(dst, p) {
			dst = append(dst, p)
		}
	}
	return dst
}

// gatewayHeuristic treats x.x.x.1 and x.x.x.254 as likely routers. For IPv6
// the last 16-bit segment is compared instead.
func gatewayHeuristic(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[3] == 1 || ip4[3] == 254
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	last := binary.BigEndian.Uint16(ip16[14:])
	return last == 1 || last == 254
}

// isGateway trusts the routing table when it knows a gateway on the host's subnet,
// and falls back to the address heuristic otherwise.
func isGateway(mc *MatchContext) bool {
	known := 0
	for _, g := range mc.GatewayIPs {
		if mc.Subnet != nil && !mc.Subnet.Contains(g) {
			continue
		}
		known++
		if g.Equal(mc.IP) {
			return true
		}
	}
	return known == 0 && gatewayHeuristic(mc.IP)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// DiscoveryPorts returns every port the pattern may need to see, in declaration order.
func (p Pattern) DiscoveryPorts() []types.PortBase {
	var out []types.PortBase
	switch p.Kind {
	case KindPort, KindAnyPort, KindAllPort:
		out = appendUnique(out, p.Ports...)
	case KindEndpoint:
		out = appendUnique(out, p.Endpoint.Port)
	case KindWebService:
		out = appendUnique(out, webPorts...)
	case KindAllOf, KindAnyOf, KindNot:
		for _, c := range p.Children {
			out = appendUnique(out, c.DiscoveryPorts()...)
		}
	}
	return out
}

// DiscoveryEndpoints returns every HTTP endpoint the pattern may need a response from.
func (p Pattern) DiscoveryEndpoints() []types.Endpoint {
	var out []types.Endpoint
	add := func(eps ...types.Endpoint) {
		for _, e := range eps {
			if !slices.Contains(out, e) {
				out = append(out, e)
			}
		}
	}
	switch p.Kind {
	case KindEndpoint:
		add(p.Endpoint)
	case KindWebService:
		for _, port := range webPorts {
			add(types.Endpoint{Port: port, Path: p.Path})
		}
	case KindAllOf, KindAnyOf, KindNot:
		for _, c := range p.Children {
			add(c.DiscoveryEndpoints()...)
		}
	}
	return out
}

// ContainsGateway reports whether the pattern checks gateway position.
// Services detected this way bind to an interface rather than to ports.
func (p Pattern) ContainsGateway() bool {
	switch p.Kind {
	case KindIsGateway, KindIsGatewayIP:
		return true
	case KindAllOf, KindAnyOf:
		return slices.ContainsFunc(p.Children, Pattern.ContainsGateway)
	}
	return false
}

// String renders the pattern tree for logs and catalog listings.
func (p Pattern) String() string {
	switch p.Kind {
	case KindPort, KindAnyPort, KindAllPort:
		parts := make([]string, len(p.Ports))
		for i, port := range p.Ports {
			parts[i] = port.String()
		}
		return fmt.Sprintf("%s(%s)", p.Kind, strings.Join(parts, ", "))
	case KindEndpoint:
		return fmt.Sprintf("Endpoint(%s, %q)", p.Endpoint, p.Needle)
	case KindWebService:
		return fmt.Sprintf("WebService(%s, %q)", p.Path, p.Needle)
	case KindMacVendor:
		return fmt.Sprintf("MacVendor(%q)", p.Vendor)
	case KindSubnetIsType, KindSubnetIsNotType:
		return fmt.Sprintf("%s(%s)", p.Kind, p.SubnetType)
	case KindAllOf, KindAnyOf, KindNot:
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s(%s)", p.Kind, strings.Join(parts, ", "))
	case KindCustom:
		return fmt.Sprintf("Custom(%q)", p.Description)
	}
	return p.Kind.String()
}

// =============================================================================
// PREDICATE HELPERS
// =============================================================================

// AnyMatched is a predicate that holds if some already-matched service satisfies fn.
func AnyMatched(fn func(s *types.Service) bool) Predicate {
	return func(mc *MatchContext) bool {
		for i := range mc.AlreadyMatched {
			if fn(&mc.AlreadyMatched[i]) {
				return true
			}
		}
		return false
	}
}

// NoneMatched is a predicate that holds if no already-matched service satisfies fn.
func NoneMatched(fn func(s *types.Service) bool) Predicate {
	anyFn := AnyMatched(fn)
	return func(mc *MatchContext) bool { return !anyFn(mc) }
}
