package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/netscope-io/netscope/control-plane/internal/metrics"
	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// HOST INGEST
// =============================================================================

// IngestHosts accepts a daemon's host batch. With a host queue configured the
// reports are buffered and applied later by the flusher.
func (s *Service) IngestHosts(ctx context.Context, daemonID string, hosts []types.DiscoveredHost) (int, error) {
	for i := range hosts {
		if hosts[i].DaemonID == "" {
			hosts[i].DaemonID = daemonID
		}
		if hosts[i].DaemonID != daemonID {
			return 0, fmt.Errorf("%w: report for daemon %s in batch from %s", ErrInvalidRequest, hosts[i].DaemonID, daemonID)
		}
	}
	if len(hosts) == 0 {
		return 0, nil
	}

	if s.hostQueue != nil {
		if err := s.hostQueue.Push(ctx, hosts); err != nil {
			s.logger.Warn("host buffer push failed, applying directly", "count", len(hosts), "error", err)
		} else {
			return len(hosts), nil
		}
	}
	if err := s.ApplyHosts(ctx, hosts); err != nil {
		return 0, err
	}
	return len(hosts), nil
}

// ApplyHosts writes host reports to the inventory. Malformed reports are
// logged and skipped; storage errors are returned together.
func (s *Service) ApplyHosts(ctx context.Context, hosts []types.DiscoveredHost) error {
	var errs []error
	for i := range hosts {
		if err := s.applyHost(ctx, &hosts[i]); err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				s.logger.Warn("skipping host report", "session_id", hosts[i].SessionID, "error", err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		metrics.HostsIngestedTotal.Inc()
	}
	return errors.Join(errs...)
}

func (s *Service) applyHost(ctx context.Context, report *types.DiscoveredHost) error {
	if len(report.Host.Interfaces) == 0 && report.Host.Hostname == "" {
		return fmt.Errorf("%w: host has neither interfaces nor hostname", ErrInvalidRequest)
	}
	at := report.DiscoveredAt
	if at.IsZero() {
		at = s.now()
	}

	for i := range report.Subnets {
		sub := report.Subnets[i]
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		if _, err := s.store.UpsertSubnet(ctx, &sub); err != nil {
			return err
		}
	}

	existing, err := s.store.FindHostByInterfaces(ctx, report.Host.Interfaces)
	if err != nil {
		return fmt.Errorf("matching host: %w", err)
	}
	if existing == nil {
		existing, err = s.store.FindHostByHostname(ctx, report.Host.Hostname)
		if err != nil {
			return fmt.Errorf("matching host: %w", err)
		}
	}

	source := report.Host.Source
	if len(source.Metadata) == 0 {
		source = types.DiscoverySource(report.DaemonID, report.DiscoveryType, at)
	}
	host, ids := mergeHost(existing, &report.Host, source, at)
	if err := s.store.UpsertHost(ctx, host); err != nil {
		return err
	}

	serviceCount := len(host.Services)
	for i := range report.Services {
		svc := report.Services[i]
		svc.HostID = host.ID
		ids.remap(&svc)
		if len(svc.Source.Metadata) == 0 {
			svc.Source = source
		}
		saved, err := s.CreateService(ctx, &svc)
		if err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				s.logger.Warn("skipping service", "host_id", host.ID, "definition", svc.Definition, "error", err)
				continue
			}
			return err
		}
		if !slices.Contains(host.Services, saved.ID) {
			host.Services = append(host.Services, saved.ID)
		}
	}
	if len(host.Services) != serviceCount {
		if err := s.store.UpsertHost(ctx, host); err != nil {
			return err
		}
	}

	s.logger.Debug("host applied",
		"host_id", host.ID,
		"name", host.Name,
		"merged", existing != nil,
		"services", len(report.Services))
	return nil
}

// idMap translates entity ids assigned by a daemon into the ids already
// stored for the same port or interface.
type idMap struct {
	ports      map[string]string
	interfaces map[string]string
}

func (m idMap) remap(svc *types.Service) {
	for i := range svc.Bindings {
		b := &svc.Bindings[i]
		if id, ok := m.ports[b.PortID]; ok {
			b.PortID = id
		}
		if id, ok := m.interfaces[b.InterfaceID]; ok {
			b.InterfaceID = id
		}
	}
}

// mergeHost folds an incoming host into the stored one. Ports and interfaces
// already present keep their stored ids, so bindings of rediscovered services
// compare equal to the stored ones.
func mergeHost(existing, incoming *types.Host, source types.EntitySource, at time.Time) (*types.Host, idMap) {
	ids := idMap{ports: map[string]string{}, interfaces: map[string]string{}}

	if existing == nil {
		host := *incoming
		if host.ID == "" {
			host.ID = uuid.New().String()
		}
		host.Interfaces = slices.Clone(incoming.Interfaces)
		for i := range host.Interfaces {
			if host.Interfaces[i].ID == "" {
				host.Interfaces[i].ID = uuid.New().String()
			}
		}
		host.Ports = slices.Clone(incoming.Ports)
		for i := range host.Ports {
			if host.Ports[i].ID == "" {
				host.Ports[i].ID = uuid.New().String()
			}
		}
		host.Services = nil
		host.Source = source
		host.CreatedAt = at
		host.UpdatedAt = at
		return &host, ids
	}

	host := *existing
	host.Interfaces = slices.Clone(existing.Interfaces)
	host.Ports = slices.Clone(existing.Ports)
	host.Services = slices.Clone(existing.Services)

	for _, iface := range incoming.Interfaces {
		if stored := host.FindInterface(iface); stored != nil {
			ids.interfaces[iface.ID] = stored.ID
			if stored.MAC == "" && iface.MAC != "" {
				stored.MAC = iface.MAC
			}
			continue
		}
		if iface.ID == "" {
			iface.ID = uuid.New().String()
		}
		host.Interfaces = append(host.Interfaces, iface)
	}
	for _, port := range incoming.Ports {
		if stored := host.FindPort(port.PortBase); stored != nil {
			ids.ports[port.ID] = stored.ID
			continue
		}
		if port.ID == "" {
			port.ID = uuid.New().String()
		}
		host.Ports = append(host.Ports, port)
	}

	if host.Hostname == "" {
		host.Hostname = incoming.Hostname
	}
	if incoming.Name != "" && isAddressName(&host) {
		host.Name = incoming.Name
	}
	host.Source.Metadata = slices.Clone(host.Source.Metadata)
	for _, md := range source.Metadata {
		host.Source.Observe(md)
	}
	host.UpdatedAt = at
	return &host, ids
}

// isAddressName reports whether the host is still named after one of its
// addresses, which any better name may replace.
func isAddressName(h *types.Host) bool {
	if h.Name == "" {
		return true
	}
	for _, iface := range h.Interfaces {
		if iface.IP == h.Name {
			return true
		}
	}
	return false
}

// =============================================================================
// SERVICES
// =============================================================================

// CreateService stores a service. A service duplicating one already on the
// host (same definition, an equal binding) is merged into the stored row and
// the stored service is returned in its place.
func (s *Service) CreateService(ctx context.Context, svc *types.Service) (*types.Service, error) {
	if svc.HostID == "" || svc.Definition == "" {
		return nil, fmt.Errorf("%w: service needs a host and a definition", ErrInvalidRequest)
	}

	existing, err := s.store.ListServicesForHost(ctx, svc.HostID)
	if err != nil {
		return nil, fmt.Errorf("listing host services: %w", err)
	}
	now := s.now()
	for i := range existing {
		stored := &existing[i]
		if !stored.IsDuplicateOf(svc) {
			continue
		}
		if !stored.Merge(withBindingIDs(svc)) {
			metrics.RecordService("unchanged")
			return stored, nil
		}
		stored.UpdatedAt = now
		if err := s.store.SaveService(ctx, stored); err != nil {
			return nil, err
		}
		metrics.RecordService("merged")
		s.logger.Debug("service merged into existing", "service_id", stored.ID, "definition", stored.Definition)
		return stored, nil
	}

	created := *withBindingIDs(svc)
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Name == "" {
		created.Name = created.Definition
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	if err := s.store.SaveService(ctx, &created); err != nil {
		return nil, err
	}
	metrics.RecordService("created")
	s.logger.Debug("service created", "service_id", created.ID, "host_id", created.HostID, "definition", created.Definition)
	return &created, nil
}

// withBindingIDs returns a copy of svc whose bindings all carry an id.
func withBindingIDs(svc *types.Service) *types.Service {
	out := *svc
	out.Bindings = slices.Clone(svc.Bindings)
	for i := range out.Bindings {
		if out.Bindings[i].ID == "" {
			out.Bindings[i].ID = uuid.New().String()
		}
	}
	return &out
}

// ListHosts returns the inventory's hosts.
func (s *Service) ListHosts(ctx context.Context) ([]types.Host, error) {
	return s.store.ListHosts(ctx)
}

// GetHost returns a host with its services, or nil if it does not exist.
func (s *Service) GetHost(ctx context.Context, id string) (*types.Host, []types.Service, error) {
	host, err := s.store.GetHost(ctx, id)
	if err != nil || host == nil {
		return nil, nil, err
	}
	services, err := s.store.ListServicesForHost(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return host, services, nil
}

// GetService returns a service by id, or nil if it does not exist.
func (s *Service) GetService(ctx context.Context, id string) (*types.Service, error) {
	return s.store.GetService(ctx, id)
}

// ListServices returns every service.
func (s *Service) ListServices(ctx context.Context) ([]types.Service, error) {
	return s.store.ListServices(ctx)
}

// ListSubnets returns every known subnet.
func (s *Service) ListSubnets(ctx context.Context) ([]types.Subnet, error) {
	return s.store.ListSubnets(ctx)
}
