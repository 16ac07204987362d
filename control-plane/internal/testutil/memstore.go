package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/netscope-io/netscope/pkg/types"
)

// MemStore is an in-memory stand-in for the PostgreSQL store.
// FailWith, when set, makes every write return that error.
type MemStore struct {
	mu sync.Mutex

	Daemons   map[string]*types.Daemon
	APIKeys   map[string]string
	Sessions  map[string]types.DiscoverySession
	Subnets   map[string]types.Subnet
	Hosts     map[string]*types.Host
	Services  map[string]*types.Service
	hostOrder []string
	svcOrder  []string

	FailWith error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		Daemons:  make(map[string]*types.Daemon),
		APIKeys:  make(map[string]string),
		Sessions: make(map[string]types.DiscoverySession),
		Subnets:  make(map[string]types.Subnet),
		Hosts:    make(map[string]*types.Host),
		Services: make(map[string]*types.Service),
	}
}

// ===== DAEMONS =====

func (m *MemStore) CreateDaemon(ctx context.Context, d *types.Daemon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	cp := *d
	m.Daemons[d.ID] = &cp
	return nil
}

func (m *MemStore) UpdateDaemon(ctx context.Context, d *types.Daemon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.Daemons[d.ID]; !ok {
		return fmt.Errorf("daemon not found: %s", d.ID)
	}
	cp := *d
	m.Daemons[d.ID] = &cp
	return nil
}

func (m *MemStore) GetDaemon(ctx context.Context, id string) (*types.Daemon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Daemons[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) GetDaemonByName(ctx context.Context, name string) (*types.Daemon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.Daemons {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ListDaemons(ctx context.Context) ([]types.Daemon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Daemon, 0, len(m.Daemons))
	for _, d := range m.Daemons {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b types.Daemon) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemStore) UpdateDaemonHeartbeat(ctx context.Context, daemonID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	d, ok := m.Daemons[daemonID]
	if !ok {
		return fmt.Errorf("daemon not found: %s", daemonID)
	}
	d.Version = version
	d.Status = types.DaemonStatusActive
	return nil
}

func (m *MemStore) SetDaemonAPIKey(ctx context.Context, daemonID, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.APIKeys[daemonID] = keyHash
	return nil
}

func (m *MemStore) GetDaemonAPIKeyHash(ctx context.Context, daemonID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.APIKeys[daemonID], nil
}

func (m *MemStore) DeleteDaemon(ctx context.Context, daemonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	delete(m.Daemons, daemonID)
	delete(m.APIKeys, daemonID)
	for id, sess := range m.Sessions {
		if sess.DaemonID == daemonID {
			delete(m.Sessions, id)
		}
	}
	return nil
}

// ===== SESSIONS =====

func (m *MemStore) SaveDiscoverySession(ctx context.Context, sess *types.DiscoverySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Sessions[sess.SessionID] = *sess
	return nil
}

func (m *MemStore) DeleteDiscoverySessions(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.Sessions, id)
	}
	return nil
}

func (m *MemStore) ListDiscoverySessions(ctx context.Context) ([]types.DiscoverySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DiscoverySession, 0, len(m.Sessions))
	for _, s := range m.Sessions {
		out = append(out, s)
	}
	return out, nil
}

// ===== INVENTORY =====

func (m *MemStore) UpsertSubnet(ctx context.Context, sub *types.Subnet) (*types.Subnet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if stored, ok := m.Subnets[sub.CIDR]; ok {
		stored.Type = sub.Type
		m.Subnets[sub.CIDR] = stored
		return &stored, nil
	}
	m.Subnets[sub.CIDR] = *sub
	cp := *sub
	return &cp, nil
}

func (m *MemStore) ListSubnets(ctx context.Context) ([]types.Subnet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Subnet, 0, len(m.Subnets))
	for _, s := range m.Subnets {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemStore) GetHost(ctx context.Context, id string) (*types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyHost(m.Hosts[id]), nil
}

func (m *MemStore) FindHostByInterfaces(ctx context.Context, ifaces []types.Interface) (*types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.hostOrder {
		h := m.Hosts[id]
		for _, iface := range ifaces {
			if h.FindInterface(iface) != nil {
				return copyHost(h), nil
			}
		}
	}
	return nil, nil
}

func (m *MemStore) FindHostByHostname(ctx context.Context, hostname string) (*types.Host, error) {
	if hostname == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.hostOrder {
		if h := m.Hosts[id]; h.Hostname == hostname {
			return copyHost(h), nil
		}
	}
	return nil, nil
}

func (m *MemStore) UpsertHost(ctx context.Context, h *types.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.Hosts[h.ID]; !ok {
		m.hostOrder = append(m.hostOrder, h.ID)
	}
	m.Hosts[h.ID] = copyHost(h)
	return nil
}

func (m *MemStore) ListHosts(ctx context.Context) ([]types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Host, 0, len(m.hostOrder))
	for _, id := range m.hostOrder {
		out = append(out, *copyHost(m.Hosts[id]))
	}
	return out, nil
}

func (m *MemStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.Services[id]
	if !ok {
		return nil, nil
	}
	return copyService(svc), nil
}

func (m *MemStore) ListServicesForHost(ctx context.Context, hostID string) ([]types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Service
	for _, id := range m.svcOrder {
		if svc := m.Services[id]; svc.HostID == hostID {
			out = append(out, *copyService(svc))
		}
	}
	return out, nil
}

func (m *MemStore) ListServices(ctx context.Context) ([]types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Service, 0, len(m.svcOrder))
	for _, id := range m.svcOrder {
		out = append(out, *copyService(m.Services[id]))
	}
	return out, nil
}

func (m *MemStore) SaveService(ctx context.Context, svc *types.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, ok := m.Hosts[svc.HostID]; !ok {
		return errors.New("services_host_id_fkey: host does not exist")
	}
	if _, ok := m.Services[svc.ID]; !ok {
		m.svcOrder = append(m.svcOrder, svc.ID)
	}
	m.Services[svc.ID] = copyService(svc)
	return nil
}

// ServiceCount returns the number of stored services.
func (m *MemStore) ServiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Services)
}

// HostCount returns the number of stored hosts.
func (m *MemStore) HostCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Hosts)
}

func copyHost(h *types.Host) *types.Host {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Interfaces = slices.Clone(h.Interfaces)
	cp.Ports = slices.Clone(h.Ports)
	cp.Services = slices.Clone(h.Services)
	cp.Source.Metadata = slices.Clone(h.Source.Metadata)
	return &cp
}

func copyService(s *types.Service) *types.Service {
	cp := *s
	cp.Bindings = slices.Clone(s.Bindings)
	cp.Source.Metadata = slices.Clone(s.Source.Metadata)
	return &cp
}

// =============================================================================
// DAEMON CLIENT
// =============================================================================

// FakeDaemonClient records control calls and returns the configured errors.
type FakeDaemonClient struct {
	mu sync.Mutex

	InitiateErr error
	CancelErr   error
	Initiated   []types.InitiateDiscoveryRequest
	Cancelled   []string
	Tokens      []string
}

func (f *FakeDaemonClient) Initiate(ctx context.Context, daemon *types.Daemon, token string, req types.InitiateDiscoveryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens = append(f.Tokens, token)
	if f.InitiateErr != nil {
		return f.InitiateErr
	}
	f.Initiated = append(f.Initiated, req)
	return nil
}

func (f *FakeDaemonClient) Cancel(ctx context.Context, daemon *types.Daemon, token, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens = append(f.Tokens, token)
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Cancelled = append(f.Cancelled, sessionID)
	return nil
}
