package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// SUBNETS
// =============================================================================

// UpsertSubnet stores a subnet keyed by CIDR and returns the stored row.
// A subnet seen again keeps its id and name.
func (s *Store) UpsertSubnet(ctx context.Context, sub *types.Subnet) (*types.Subnet, error) {
	var out types.Subnet
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subnets (id, cidr, name, subnet_type)
		VALUES ($1, $2::cidr, $3, $4)
		ON CONFLICT (cidr) DO UPDATE SET
			subnet_type = EXCLUDED.subnet_type,
			updated_at = NOW()
		RETURNING id, cidr::text, name, subnet_type
	`, sub.ID, sub.CIDR, sub.Name, sub.Type).Scan(&out.ID, &out.CIDR, &out.Name, &out.Type)
	if err != nil {
		return nil, fmt.Errorf("upserting subnet %s: %w", sub.CIDR, err)
	}
	return &out, nil
}

// ListSubnets returns all known subnets.
func (s *Store) ListSubnets(ctx context.Context) ([]types.Subnet, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, cidr::text, name, subnet_type FROM subnets ORDER BY cidr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subnets []types.Subnet
	for rows.Next() {
		var sub types.Subnet
		if err := rows.Scan(&sub.ID, &sub.CIDR, &sub.Name, &sub.Type); err != nil {
			return nil, err
		}
		subnets = append(subnets, sub)
	}
	return subnets, rows.Err()
}

// =============================================================================
// HOSTS
// =============================================================================

const hostColumns = `id, name, COALESCE(hostname, ''), interfaces, ports, services, source, created_at, updated_at`

func scanHost(row pgx.Row) (*types.Host, error) {
	var h types.Host
	var ifacesJSON, portsJSON, servicesJSON, sourceJSON []byte
	err := row.Scan(&h.ID, &h.Name, &h.Hostname, &ifacesJSON, &portsJSON, &servicesJSON, &sourceJSON,
		&h.CreatedAt, &h.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ifacesJSON, &h.Interfaces); err != nil {
		return nil, fmt.Errorf("decoding interfaces: %w", err)
	}
	if err := json.Unmarshal(portsJSON, &h.Ports); err != nil {
		return nil, fmt.Errorf("decoding ports: %w", err)
	}
	if err := json.Unmarshal(servicesJSON, &h.Services); err != nil {
		return nil, fmt.Errorf("decoding services: %w", err)
	}
	if err := json.Unmarshal(sourceJSON, &h.Source); err != nil {
		return nil, fmt.Errorf("decoding source: %w", err)
	}
	return &h, nil
}

// GetHost retrieves a host by ID.
func (s *Store) GetHost(ctx context.Context, id string) (*types.Host, error) {
	return scanHost(s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id))
}

// FindHostByInterfaces returns the oldest host holding any of the given
// interfaces, compared by address and subnet.
func (s *Store) FindHostByInterfaces(ctx context.Context, ifaces []types.Interface) (*types.Host, error) {
	if len(ifaces) == 0 {
		return nil, nil
	}
	ips := make([]string, len(ifaces))
	cidrs := make([]string, len(ifaces))
	for i, iface := range ifaces {
		ips[i] = iface.IP
		cidrs[i] = iface.SubnetCIDR
	}
	return scanHost(s.pool.QueryRow(ctx, `
		SELECT `+hostColumns+` FROM hosts h
		WHERE EXISTS (
			SELECT 1
			FROM jsonb_array_elements(h.interfaces) AS i
			JOIN unnest($1::text[], $2::text[]) AS want(ip, cidr)
				ON i->>'ip_address' = want.ip AND i->>'subnet_cidr' = want.cidr
		)
		ORDER BY h.created_at
		LIMIT 1
	`, ips, cidrs))
}

// FindHostByHostname returns the oldest host with the given hostname.
func (s *Store) FindHostByHostname(ctx context.Context, hostname string) (*types.Host, error) {
	if hostname == "" {
		return nil, nil
	}
	return scanHost(s.pool.QueryRow(ctx, `
		SELECT `+hostColumns+` FROM hosts WHERE hostname = $1 ORDER BY created_at LIMIT 1
	`, hostname))
}

// UpsertHost inserts a host or replaces the stored row with the same id.
func (s *Store) UpsertHost(ctx context.Context, h *types.Host) error {
	ifacesJSON, err := marshalJSON(h.Interfaces)
	if err != nil {
		return err
	}
	portsJSON, err := marshalJSON(h.Ports)
	if err != nil {
		return err
	}
	servicesJSON, err := marshalJSON(h.Services)
	if err != nil {
		return err
	}
	sourceJSON, err := json.Marshal(h.Source)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hosts (id, name, hostname, interfaces, ports, services, source, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = COALESCE(EXCLUDED.hostname, hosts.hostname),
			interfaces = EXCLUDED.interfaces,
			ports = EXCLUDED.ports,
			services = EXCLUDED.services,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
	`, h.ID, h.Name, h.Hostname, ifacesJSON, portsJSON, servicesJSON, sourceJSON, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting host %s: %w", h.ID, err)
	}
	return nil
}

// ListHosts returns all hosts ordered by name.
func (s *Store) ListHosts(ctx context.Context) ([]types.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// =============================================================================
// SERVICES
// =============================================================================

const serviceColumns = `id, host_id, service_definition, category, generic, gateway, name,
	bindings, COALESCE(container_id, ''), source, created_at, updated_at`

func scanService(row pgx.Row) (*types.Service, error) {
	var svc types.Service
	var bindingsJSON, sourceJSON []byte
	err := row.Scan(&svc.ID, &svc.HostID, &svc.Definition, &svc.Category, &svc.Generic, &svc.Gateway, &svc.Name,
		&bindingsJSON, &svc.ContainerID, &sourceJSON, &svc.CreatedAt, &svc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bindingsJSON, &svc.Bindings); err != nil {
		return nil, fmt.Errorf("decoding bindings: %w", err)
	}
	if err := json.Unmarshal(sourceJSON, &svc.Source); err != nil {
		return nil, fmt.Errorf("decoding source: %w", err)
	}
	return &svc, nil
}

func (s *Store) queryServices(ctx context.Context, sql string, args ...any) ([]types.Service, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []types.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}

// GetService retrieves a service by ID.
func (s *Store) GetService(ctx context.Context, id string) (*types.Service, error) {
	return scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
}

// ListServicesForHost returns a host's services, oldest first.
func (s *Store) ListServicesForHost(ctx context.Context, hostID string) ([]types.Service, error) {
	return s.queryServices(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE host_id = $1 ORDER BY created_at
	`, hostID)
}

// ListServices returns every service.
func (s *Store) ListServices(ctx context.Context) ([]types.Service, error) {
	return s.queryServices(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY host_id, created_at`)
}

// SaveService inserts a service or replaces the stored row with the same id.
func (s *Store) SaveService(ctx context.Context, svc *types.Service) error {
	bindingsJSON, err := marshalJSON(svc.Bindings)
	if err != nil {
		return err
	}
	sourceJSON, err := json.Marshal(svc.Source)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO services (id, host_id, service_definition, category, generic, gateway, name,
			bindings, container_id, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			bindings = EXCLUDED.bindings,
			container_id = EXCLUDED.container_id,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
	`, svc.ID, svc.HostID, svc.Definition, svc.Category, svc.Generic, svc.Gateway, svc.Name,
		bindingsJSON, svc.ContainerID, sourceJSON, svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving service %s: %w", svc.ID, err)
	}
	return nil
}
