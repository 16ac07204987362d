// Package classify turns what a scan observed on one host into Host, Port and
// Service records.
//
// # Rules
//
// Definitions are evaluated in catalog order against the pool of ports no earlier
// match has claimed. A port claimed by one service is never offered to a later
// definition, so a generic fallback can only match evidence that no specific
// service explained. Generic definitions see even less: every port referenced by
// the pattern of a matched specific definition is hidden from them, so a
// specific service that matched through one branch of an AnyOf still explains
// its sibling ports. Every match is visible to later Custom patterns through
// MatchContext.AlreadyMatched.
//
// Ports left unclaimed after all definitions ran are still recorded on the host.
package classify

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/netscope-io/netscope/pkg/catalog"
	"github.com/netscope-io/netscope/pkg/pattern"
	"github.com/netscope-io/netscope/pkg/types"
)

// UnknownHostName names hosts with neither a hostname nor a specific service.
const UnknownHostName = "Unknown Device"

// Observation is everything a probe learned about one address. It is not persisted.
type Observation struct {
	IP              net.IP
	MAC             string
	Hostname        string
	InterfaceName   string
	Subnet          *types.Subnet
	OpenPorts       []types.PortBase
	Responses       []types.EndpointResponse
	GatewayIPs      []net.IP
	HasDockerClient bool
	Container       *types.Container
	// Source is stamped on every entity built from this observation.
	Source types.EntitySource
}

// Interesting reports whether the observation carries anything to classify.
func (o *Observation) Interesting() bool {
	return len(o.OpenPorts) > 0 || len(o.Responses) > 0 || o.Container != nil || o.HasDockerClient
}

func (o *Observation) matchContext(openPorts []types.PortBase, alreadyMatched []types.Service) *pattern.MatchContext {
	return &pattern.MatchContext{
		IP:              o.IP,
		Subnet:          o.Subnet,
		MAC:             o.MAC,
		OpenPorts:       openPorts,
		Responses:       o.Responses,
		GatewayIPs:      o.GatewayIPs,
		HasDockerClient: o.HasDockerClient,
		Container:       o.Container,
		AlreadyMatched:  alreadyMatched,
	}
}

// Result is a classified host and its services.
type Result struct {
	Host     types.Host
	Services []types.Service
}

// FromDiscovery evaluates def against obs and, on a match, builds the Service
// together with the Port entities it binds to. It returns (nil, nil, nil) when
// the definition does not match; callers must not persist anything in that case.
func FromDiscovery(def *catalog.Definition, obs *Observation, hostID, interfaceID string, alreadyMatched []types.Service) (*types.Service, []types.Port, error) {
	res, err := def.Pattern.Match(obs.matchContext(obs.OpenPorts, alreadyMatched))
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating %s: %w", def.Name, err)
	}
	if res == nil {
		return nil, nil, nil
	}

	now := time.Now().UTC()
	svc := &types.Service{
		ID:         uuid.New().String(),
		HostID:     hostID,
		Definition: def.Name,
		Category:   def.Category,
		Generic:    def.Generic,
		Gateway:    def.IsGateway(),
		Name:       def.Name,
		Source:     obs.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if obs.Container != nil {
		svc.ContainerID = obs.Container.ID
		if obs.Container.Name != "" && def.Name == catalog.NameDockerContainer {
			svc.Name = obs.Container.Name
		}
	}

	ports := make([]types.Port, 0, len(res.Ports))
	for _, pb := range res.Ports {
		ports = append(ports, types.Port{ID: uuid.New().String(), PortBase: pb})
	}

	// Gateway-position services and port-less matches apply to the whole interface.
	if def.Layer() == types.BindingInterface || len(ports) == 0 {
		if interfaceID != "" {
			svc.Bindings = append(svc.Bindings, types.NewInterfaceBinding(uuid.New().String(), interfaceID))
		}
		return svc, ports, nil
	}
	for _, p := range ports {
		svc.Bindings = append(svc.Bindings, types.NewPortBinding(uuid.New().String(), p.ID, interfaceID))
	}
	return svc, ports, nil
}

// Classifier runs the catalog against observations.
type Classifier struct {
	registry *catalog.Registry
	logger   *slog.Logger
}

// New creates a classifier over registry.
func New(registry *catalog.Registry, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		registry: registry,
		logger:   logger.With("component", "classifier"),
	}
}

// Registry returns the catalog the classifier evaluates.
func (c *Classifier) Registry() *catalog.Registry { return c.registry }

// Classify builds the host record for obs. It returns nil if the observation has
// nothing worth recording.
func (c *Classifier) Classify(obs *Observation) *Result {
	if !obs.Interesting() {
		return nil
	}
	return c.classify(obs)
}

func (c *Classifier) classify(obs *Observation) *Result {
	host, iface := newHost(obs)
	namedByService := false

	var services []types.Service
	unclaimed := slices.Clone(obs.OpenPorts)
	var explained []types.PortBase

	for _, def := range c.registry.All() {
		if !def.Discoverable() {
			continue
		}

		narrowed := *obs
		narrowed.OpenPorts = unclaimed
		if def.Generic && len(explained) > 0 {
			narrowed.OpenPorts = slices.DeleteFunc(slices.Clone(unclaimed), func(u types.PortBase) bool {
				return slices.Contains(explained, u)
			})
		}

		svc, ports, err := FromDiscovery(&def, &narrowed, host.ID, iface.ID, services)
		if err != nil {
			if errors.Is(err, pattern.ErrInvalidPattern) {
				c.logger.Warn("skipping definition", "definition", def.Name, "ip", obs.IP.String(), "error", err)
			} else {
				c.logger.Error("classification failed", "definition", def.Name, "ip", obs.IP.String(), "error", err)
			}
			continue
		}
		if svc == nil {
			continue
		}

		c.logger.Debug("service matched",
			"definition", def.Name,
			"ip", obs.IP.String(),
			"generic", def.Generic,
			"ports", len(ports),
		)

		if !def.Generic {
			explained = append(explained, def.Pattern.DiscoveryPorts()...)
			if !namedByService {
				host.Name = def.Name
				namedByService = true
			}
		}
		for _, p := range ports {
			unclaimed = slices.DeleteFunc(unclaimed, func(u types.PortBase) bool { return u == p.PortBase })
		}
		host.Ports = append(host.Ports, ports...)
		host.Services = append(host.Services, svc.ID)
		services = append(services, *svc)
	}

	for _, pb := range unclaimed {
		host.Ports = append(host.Ports, types.Port{ID: uuid.New().String(), PortBase: pb})
	}
	if host.Name == "" {
		host.Name = UnknownHostName
	}

	return &Result{Host: host, Services: services}
}

// ClassifySelf builds the daemon's own host. Unlike Classify it always returns
// a result: the host carries every local interface in ifaces and a daemon
// service bound to apiPort on the observed interface.
func (c *Classifier) ClassifySelf(obs *Observation, apiPort uint16, ifaces []types.Interface) *Result {
	r := c.classify(obs)
	host := &r.Host

	for _, iface := range ifaces {
		if host.FindInterface(iface) == nil {
			if iface.ID == "" {
				iface.ID = uuid.New().String()
			}
			host.Interfaces = append(host.Interfaces, iface)
		}
	}

	def, ok := c.registry.Find(catalog.NameNetScopeDaemon)
	if !ok {
		return r
	}

	base := types.TCPPort(apiPort)
	port := host.FindPort(base)
	if port == nil {
		host.Ports = append(host.Ports, types.Port{ID: uuid.New().String(), PortBase: base})
		port = &host.Ports[len(host.Ports)-1]
	}

	now := time.Now().UTC()
	svc := types.Service{
		ID:         uuid.New().String(),
		HostID:     host.ID,
		Definition: def.Name,
		Category:   def.Category,
		Name:       def.Name,
		Bindings:   []types.Binding{types.NewPortBinding(uuid.New().String(), port.ID, host.Interfaces[0].ID)},
		Source:     obs.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	host.Services = append(host.Services, svc.ID)
	r.Services = append(r.Services, svc)
	return r
}

func newHost(obs *Observation) (types.Host, types.Interface) {
	now := time.Now().UTC()
	iface := types.Interface{
		ID:   uuid.New().String(),
		Name: obs.InterfaceName,
		IP:   obs.IP.String(),
		MAC:  obs.MAC,
	}
	if obs.Subnet != nil {
		iface.SubnetCIDR = obs.Subnet.CIDR
	}

	host := types.Host{
		ID:         uuid.New().String(),
		Name:       obs.Hostname,
		Hostname:   obs.Hostname,
		Interfaces: []types.Interface{iface},
		Source:     obs.Source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return host, iface
}
