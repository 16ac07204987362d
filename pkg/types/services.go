package types

import (
	"slices"
	"time"
)

// ServiceCategory groups service definitions for display.
type ServiceCategory string

const (
	CategoryDNS            ServiceCategory = "dns"
	CategoryAdBlock        ServiceCategory = "adblock"
	CategoryNetworkCore    ServiceCategory = "network_core"
	CategoryNetworkAccess  ServiceCategory = "network_access"
	CategoryPrinter        ServiceCategory = "printer"
	CategoryIoT            ServiceCategory = "iot"
	CategoryStorage        ServiceCategory = "storage"
	CategoryBackup         ServiceCategory = "backup"
	CategoryMonitoring     ServiceCategory = "monitoring"
	CategoryVirtualization ServiceCategory = "virtualization"
	CategoryVPN            ServiceCategory = "vpn"
	CategoryWorkstation    ServiceCategory = "workstation"
	CategoryReverseProxy   ServiceCategory = "reverse_proxy"
	CategoryDashboard      ServiceCategory = "dashboard"
	CategoryNetScope       ServiceCategory = "netscope"
)

// =============================================================================
// BINDINGS
// =============================================================================

// BindingType distinguishes layer-3 from layer-4 bindings.
type BindingType string

const (
	// BindingInterface applies the service to a whole interface.
	BindingInterface BindingType = "interface"
	// BindingPort ties the service to one port, optionally scoped to an interface.
	BindingPort BindingType = "port"
)

// Binding associates a service with a port and/or interface on its host.
type Binding struct {
	ID          string      `json:"id"`
	Type        BindingType `json:"type"`
	PortID      string      `json:"port_id,omitempty"`
	InterfaceID string      `json:"interface_id,omitempty"`
}

// NewInterfaceBinding builds a layer-3 binding.
func NewInterfaceBinding(id, interfaceID string) Binding {
	return Binding{ID: id, Type: BindingInterface, InterfaceID: interfaceID}
}

// NewPortBinding builds a layer-4 binding. interfaceID may be empty.
func NewPortBinding(id, portID, interfaceID string) Binding {
	return Binding{ID: id, Type: BindingPort, PortID: portID, InterfaceID: interfaceID}
}

// Equal compares bindings by what they point at. The binding's own ID is ignored,
// so the same port rediscovered in a later session compares equal.
func (b Binding) Equal(o Binding) bool {
	if b.Type != o.Type {
		return false
	}
	switch b.Type {
	case BindingPort:
		return b.PortID == o.PortID && b.InterfaceID == o.InterfaceID
	default:
		return b.InterfaceID == o.InterfaceID
	}
}

// =============================================================================
// SERVICES
// =============================================================================

// EntitySourceKind records how an entity came into being.
type EntitySourceKind string

const (
	SourceManual    EntitySourceKind = "manual"
	SourceSystem    EntitySourceKind = "system"
	SourceDiscovery EntitySourceKind = "discovery"
)

// DiscoveryMetadata records one discovery run that observed an entity.
type DiscoveryMetadata struct {
	DiscoveryType DiscoveryType `json:"discovery_type"`
	DaemonID      string        `json:"daemon_id"`
	Date          time.Time     `json:"date"`
}

// EntitySource is the provenance of a host or service.
type EntitySource struct {
	Kind     EntitySourceKind    `json:"kind"`
	Metadata []DiscoveryMetadata `json:"metadata,omitempty"`
}

// Observe records a discovery run, keeping one entry per daemon and discovery
// type. It reports whether a new entry was added; for a known pair only the
// date advances.
func (e *EntitySource) Observe(md DiscoveryMetadata) bool {
	for i := range e.Metadata {
		cur := &e.Metadata[i]
		if cur.DaemonID != md.DaemonID || cur.DiscoveryType != md.DiscoveryType {
			continue
		}
		if md.Date.After(cur.Date) {
			cur.Date = md.Date
		}
		return false
	}
	e.Metadata = append(e.Metadata, md)
	return true
}

// DiscoverySource builds the provenance for an entity found by a daemon.
func DiscoverySource(daemonID string, dt DiscoveryType, at time.Time) EntitySource {
	return EntitySource{
		Kind:     SourceDiscovery,
		Metadata: []DiscoveryMetadata{{DiscoveryType: dt, DaemonID: daemonID, Date: at}},
	}
}

// Service is a classified service instance on a host.
type Service struct {
	ID         string          `json:"id"`
	HostID     string          `json:"host_id"`
	Definition string          `json:"service_definition"`
	Category   ServiceCategory `json:"category"`
	Generic    bool            `json:"generic"`
	// Gateway is set for services detected by their routing position.
	Gateway     bool         `json:"gateway,omitempty"`
	Name        string       `json:"name"`
	Bindings    []Binding    `json:"bindings"`
	ContainerID string       `json:"container_id,omitempty"`
	Source      EntitySource `json:"source"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasBinding reports whether the service already holds a binding equal to b.
func (s *Service) HasBinding(b Binding) bool {
	return slices.ContainsFunc(s.Bindings, b.Equal)
}

// SharesBinding reports whether any binding of o is also held by s.
func (s *Service) SharesBinding(o *Service) bool {
	for _, b := range o.Bindings {
		if s.HasBinding(b) {
			return true
		}
	}
	return false
}

// IsDuplicateOf reports whether o describes the same service instance as s:
// same host, same definition and at least one equal binding.
// Services without bindings are compared by host and definition only.
func (s *Service) IsDuplicateOf(o *Service) bool {
	if s.HostID != o.HostID || s.Definition != o.Definition {
		return false
	}
	if len(s.Bindings) == 0 && len(o.Bindings) == 0 {
		return true
	}
	if s.ContainerID != "" && s.ContainerID == o.ContainerID {
		return true
	}
	return s.SharesBinding(o)
}

// Merge folds bindings and discovery metadata from o into s.
// It returns true if s changed.
func (s *Service) Merge(o *Service) bool {
	changed := false
	for _, b := range o.Bindings {
		if !s.HasBinding(b) {
			s.Bindings = append(s.Bindings, b)
			changed = true
		}
	}
	if len(o.Source.Metadata) > 0 && s.Source.Kind == "" {
		s.Source.Kind = o.Source.Kind
	}
	for _, md := range o.Source.Metadata {
		if s.Source.Observe(md) {
			changed = true
		}
	}
	return changed
}

// PortIDs returns the ids of all ports the service is bound to.
func (s *Service) PortIDs() []string {
	var ids []string
	for _, b := range s.Bindings {
		if b.Type == BindingPort && b.PortID != "" {
			ids = append(ids, b.PortID)
		}
	}
	return ids
}

// =============================================================================
// DISCOVERY REPORTS
// =============================================================================

// DiscoveredHost is what a daemon ships for each classified host.
type DiscoveredHost struct {
	SessionID     string        `json:"session_id"`
	DaemonID      string        `json:"daemon_id"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
	Host          Host          `json:"host"`
	Subnets       []Subnet      `json:"subnets,omitempty"`
	Services      []Service     `json:"services"`
	DiscoveredAt  time.Time     `json:"discovered_at"`
}

// HostBatch is the body of POST /api/v1/discovery/hosts.
type HostBatch struct {
	DaemonID string           `json:"daemon_id"`
	Hosts    []DiscoveredHost `json:"hosts"`
}

// HostBatchResponse acknowledges a batch.
type HostBatchResponse struct {
	Accepted int `json:"accepted"`
}
