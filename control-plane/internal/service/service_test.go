package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/netscope-io/netscope/control-plane/internal/daemonclient"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/secrets"
	"github.com/netscope-io/netscope/control-plane/internal/testutil"
	"github.com/netscope-io/netscope/pkg/types"
)

type fixture struct {
	svc     *Service
	store   *testutil.MemStore
	client  *testutil.FakeDaemonClient
	tokens  secrets.TokenStore
	daemon  *types.Daemon
	control string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger()
	store := testutil.NewMemStore()
	tokens, err := secrets.NewLocalTokenStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	client := &testutil.FakeDaemonClient{}
	registry := discovery.NewRegistry(store, logger)
	svc := NewService(store, registry, client, tokens, logger)

	daemon := testutil.FixtureDaemon()
	store.Daemons[daemon.ID] = daemon
	control, err := tokens.IssueControlToken(context.Background(), daemon.ID)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, store: store, client: client, tokens: tokens, daemon: daemon, control: control}
}

func (f *fixture) startSession(t *testing.T) *types.DiscoverySession {
	t.Helper()
	sess, err := f.svc.InitiateDiscovery(context.Background(), types.DaemonInitiateRequest{DaemonID: f.daemon.ID})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func progress(sess *types.DiscoverySession, seq uint64, phase types.DiscoveryPhase) types.DiscoveryUpdatePayload {
	return types.DiscoveryUpdatePayload{
		SessionID: sess.SessionID,
		DaemonID:  sess.DaemonID,
		DiscoverySessionUpdate: types.DiscoverySessionUpdate{
			Seq:   seq,
			Phase: phase,
			Total: 254,
		},
	}
}

// =============================================================================
// DAEMONS
// =============================================================================

func TestRegisterDaemon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := types.DaemonRegisterRequest{Name: "basement-rack", IP: "192.168.1.20", Port: 60073, Version: "1.2.0"}

	first, err := f.svc.RegisterDaemon(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.DaemonID == "" || first.APIKey == "" || first.ControlToken == "" {
		t.Fatalf("incomplete credentials: %+v", first)
	}
	if ok, _ := f.svc.AuthenticateDaemon(ctx, first.DaemonID, first.APIKey); !ok {
		t.Error("issued api key does not authenticate")
	}
	stored, _ := f.tokens.GetControlToken(ctx, first.DaemonID)
	if stored != first.ControlToken {
		t.Error("control token not stored")
	}

	req.IP = "192.168.1.21"
	second, err := f.svc.RegisterDaemon(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.DaemonID != first.DaemonID {
		t.Errorf("re-registration changed id: %s -> %s", first.DaemonID, second.DaemonID)
	}
	if ok, _ := f.svc.AuthenticateDaemon(ctx, first.DaemonID, first.APIKey); ok {
		t.Error("old api key still authenticates after re-registration")
	}
	if d, _ := f.svc.GetDaemon(ctx, first.DaemonID); d.IP != "192.168.1.21" {
		t.Errorf("ip = %s, want updated address", d.IP)
	}
}

func TestRegisterDaemon_Invalid(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  types.DaemonRegisterRequest
	}{
		{"missing name", types.DaemonRegisterRequest{IP: "10.0.0.1", Port: 60073}},
		{"bad ip", types.DaemonRegisterRequest{Name: "d", IP: "not-an-ip", Port: 60073}},
		{"bad port", types.DaemonRegisterRequest{Name: "d", IP: "10.0.0.1", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.RegisterDaemon(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRegisterDaemon_FailsOrphanedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t)

	_, err := f.svc.RegisterDaemon(ctx, types.DaemonRegisterRequest{
		Name: f.daemon.Name, IP: f.daemon.IP, Port: f.daemon.Port, Version: "1.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetSessionStatus(sess.SessionID)
	if got.Phase != types.PhaseFinished || got.Outcome != types.PhaseFailed {
		t.Errorf("session after restart = %s/%s, want finished/failed", got.Phase, got.Outcome)
	}
	if _, busy := f.svc.Sessions().IsDaemonDiscovering(f.daemon.ID); busy {
		t.Error("restarted daemon still holds a session")
	}
}

func TestProcessHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessHeartbeat(ctx, types.Heartbeat{DaemonID: "missing"}); !errors.Is(err, ErrDaemonNotFound) {
		t.Errorf("unknown daemon error = %v", err)
	}

	resp, err := f.svc.ProcessHeartbeat(ctx, types.Heartbeat{DaemonID: f.daemon.ID, Version: "1.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Acknowledged || resp.ActiveSessionID != "" {
		t.Errorf("idle heartbeat response = %+v", resp)
	}

	sess := f.startSession(t)
	resp, _ = f.svc.ProcessHeartbeat(ctx, types.Heartbeat{DaemonID: f.daemon.ID, Discovering: true})
	if resp.ActiveSessionID != sess.SessionID {
		t.Errorf("active session = %q, want %q", resp.ActiveSessionID, sess.SessionID)
	}
}

func TestDeleteDaemon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t)

	if err := f.svc.DeleteDaemon(ctx, f.daemon.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.store.Daemons[f.daemon.ID]; ok {
		t.Error("daemon still stored")
	}
	got, _ := f.svc.GetSessionStatus(sess.SessionID)
	if got.Phase != types.PhaseFinished || got.Outcome != types.PhaseCancelled {
		t.Errorf("session after removal = %s/%s, want finished/cancelled", got.Phase, got.Outcome)
	}
	if token, _ := f.tokens.GetControlToken(ctx, f.daemon.ID); token != "" {
		t.Error("control token not revoked")
	}

	if err := f.svc.DeleteDaemon(ctx, f.daemon.ID); !errors.Is(err, ErrDaemonNotFound) {
		t.Errorf("second delete error = %v, want ErrDaemonNotFound", err)
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestInitiateDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.InitiateDiscovery(ctx, types.DaemonInitiateRequest{
		DaemonID: f.daemon.ID,
		Subnets:  []string{"192.168.1.0/24"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Phase != types.PhaseInitiated || sess.DiscoveryType != types.DiscoveryNetwork {
		t.Errorf("session = %+v", sess)
	}
	if len(f.client.Initiated) != 1 || f.client.Initiated[0].SessionID != sess.SessionID {
		t.Fatalf("daemon calls = %+v", f.client.Initiated)
	}
	if f.client.Tokens[0] != f.control {
		t.Error("daemon was not called with its control token")
	}
	if len(f.client.Initiated[0].Subnets) != 1 {
		t.Errorf("subnets not forwarded: %+v", f.client.Initiated[0])
	}

	_, err = f.svc.InitiateDiscovery(ctx, types.DaemonInitiateRequest{DaemonID: f.daemon.ID})
	if !errors.Is(err, discovery.ErrAlreadyRunning) {
		t.Errorf("second initiate error = %v, want ErrAlreadyRunning", err)
	}
	if len(f.client.Initiated) != 1 {
		t.Error("daemon must not be contacted when the slot is taken")
	}
}

func TestInitiateDiscovery_DaemonRejects(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"daemon busy", &daemonclient.StatusError{StatusCode: 409, Message: "already running"}, discovery.ErrAlreadyRunning},
		{"unreachable", fmt.Errorf("sending request: connection refused"), ErrDaemonUnreachable},
		{"bad token", &daemonclient.StatusError{StatusCode: 401, Message: "unauthorized"}, ErrDaemonUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.client.InitiateErr = tt.err

			_, err := f.svc.InitiateDiscovery(context.Background(), types.DaemonInitiateRequest{DaemonID: f.daemon.ID})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if _, busy := f.svc.Sessions().IsDaemonDiscovering(f.daemon.ID); busy {
				t.Error("rejected session still holds the daemon slot")
			}
			if n := len(f.svc.ActiveSessions()); n != 0 {
				t.Errorf("active sessions = %d", n)
			}
			for _, sess := range f.store.Sessions {
				if sess.Phase != types.PhaseFinished || sess.Outcome != types.PhaseFailed || sess.Error == nil {
					t.Errorf("persisted session = %+v", sess)
				}
			}
		})
	}
}

func TestInitiateDiscovery_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  types.DaemonInitiateRequest
		err  error
	}{
		{"no daemon", types.DaemonInitiateRequest{}, ErrInvalidRequest},
		{"unknown daemon", types.DaemonInitiateRequest{DaemonID: "missing"}, ErrDaemonNotFound},
		{"bad type", types.DaemonInitiateRequest{DaemonID: f.daemon.ID, DiscoveryType: "bluetooth"}, ErrInvalidRequest},
		{"bad subnet", types.DaemonInitiateRequest{DaemonID: f.daemon.ID, Subnets: []string{"10.0.0.0"}}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.InitiateDiscovery(context.Background(), tt.req); !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
		})
	}
	if f.svc.Sessions().Len() != 0 {
		t.Error("invalid requests must not create sessions")
	}
}

func TestDaemonInitiate(t *testing.T) {
	f := newFixture(t)
	sess, err := f.svc.DaemonInitiate(context.Background(), types.DaemonInitiateRequest{
		DaemonID:      f.daemon.ID,
		DiscoveryType: types.DiscoverySelfReport,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sess.DiscoveryType != types.DiscoverySelfReport {
		t.Errorf("type = %s", sess.DiscoveryType)
	}
	if len(f.client.Initiated) != 0 {
		t.Error("daemon-initiated sessions must not call back into the daemon")
	}
	if id, _ := f.svc.Sessions().IsDaemonDiscovering(f.daemon.ID); id != sess.SessionID {
		t.Errorf("daemon slot = %q", id)
	}
}

func TestCancelDiscovery(t *testing.T) {
	tests := []struct {
		name        string
		daemonErr   error
		wantErr     error
		wantPhase   types.DiscoveryPhase
		wantOutcome types.DiscoveryPhase
	}{
		{"cooperative", nil, nil, types.PhaseInitiated, ""},
		{"forced abort", &daemonclient.StatusError{StatusCode: 500, Message: "forced abort"}, nil, types.PhaseFinished, types.PhaseCancelled},
		{"not running on daemon", &daemonclient.StatusError{StatusCode: 409, Message: "not running"}, nil, types.PhaseFinished, types.PhaseCancelled},
		{"unreachable", errors.New("connection refused"), ErrDaemonUnreachable, types.PhaseInitiated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sess := f.startSession(t)
			f.client.CancelErr = tt.daemonErr

			_, err := f.svc.CancelDiscovery(context.Background(), sess.SessionID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			got, _ := f.svc.GetSessionStatus(sess.SessionID)
			if got.Phase != tt.wantPhase || got.Outcome != tt.wantOutcome {
				t.Errorf("session = %s/%s, want %s/%s", got.Phase, got.Outcome, tt.wantPhase, tt.wantOutcome)
			}
		})
	}
}

func TestCancelDiscovery_CooperativeCompletesOnReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t)

	if _, err := f.svc.CancelDiscovery(ctx, sess.SessionID); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.UpdateDiscovery(ctx, progress(sess, 1, types.PhaseCancelled))
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != types.PhaseFinished || got.Outcome != types.PhaseCancelled {
		t.Errorf("session = %s/%s", got.Phase, got.Outcome)
	}
	if _, err := f.svc.CancelDiscovery(ctx, sess.SessionID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("cancel after end error = %v, want ErrNotRunning", err)
	}
	if _, err := f.svc.CancelDiscovery(ctx, "missing"); !errors.Is(err, discovery.ErrSessionNotFound) {
		t.Errorf("cancel unknown error = %v", err)
	}
}

func TestUpdateDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t)

	scanning := progress(sess, 2, types.PhaseScanning)
	scanning.Completed = 40
	scanning.DiscoveredCount = 3
	got, err := f.svc.UpdateDiscovery(ctx, scanning)
	if err != nil {
		t.Fatal(err)
	}
	if got.Completed != 40 || got.DiscoveredCount != 3 || got.StartedAt == nil {
		t.Errorf("after scanning update = %+v", got)
	}

	if _, err := f.svc.UpdateDiscovery(ctx, progress(sess, 1, types.PhaseStarted)); !errors.Is(err, discovery.ErrStaleUpdate) {
		t.Errorf("late update error = %v, want ErrStaleUpdate", err)
	}

	done, err := f.svc.UpdateDiscovery(ctx, progress(sess, 3, types.PhaseComplete))
	if err != nil {
		t.Fatal(err)
	}
	if done.Phase != types.PhaseFinished || done.Outcome != types.PhaseComplete || done.FinishedAt == nil {
		t.Errorf("terminal update result = %+v", done)
	}
	if _, busy := f.svc.Sessions().IsDaemonDiscovering(f.daemon.ID); busy {
		t.Error("completed session still holds the daemon slot")
	}
	if _, err := f.svc.UpdateDiscovery(ctx, progress(sess, 4, types.PhaseScanning)); !errors.Is(err, discovery.ErrStaleUpdate) {
		t.Errorf("update after finish error = %v", err)
	}

	// The daemon is free for a new session.
	f.startSession(t)
}

func TestUpdateDiscovery_Invalid(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	bad := progress(sess, 1, types.PhaseFinished)
	if _, err := f.svc.UpdateDiscovery(context.Background(), bad); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("server-only phase error = %v, want ErrInvalidRequest", err)
	}
	other := progress(sess, 1, types.PhaseStarted)
	other.DaemonID = "someone-else"
	if _, err := f.svc.UpdateDiscovery(context.Background(), other); !errors.Is(err, discovery.ErrDaemonMismatch) {
		t.Errorf("foreign daemon error = %v", err)
	}
}

func TestFailStaleSessions(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)
	time.Sleep(5 * time.Millisecond)

	if n := f.svc.FailStaleSessions(context.Background(), time.Millisecond); n != 1 {
		t.Fatalf("failed = %d, want 1", n)
	}
	got, _ := f.svc.GetSessionStatus(sess.SessionID)
	if got.Phase != types.PhaseFinished || got.Outcome != types.PhaseFailed || got.Error == nil {
		t.Errorf("timed out session = %+v", got)
	}
	if n := f.svc.CleanupSessions(context.Background(), time.Hour); n != 0 {
		t.Errorf("cleanup removed %d recent sessions", n)
	}
}

// =============================================================================
// INVENTORY
// =============================================================================

func seedHost(t *testing.T, f *fixture) (*types.Host, *types.Service) {
	t.Helper()
	ctx := context.Background()
	host := testutil.FixtureHost()
	if err := f.store.UpsertHost(ctx, host); err != nil {
		t.Fatal(err)
	}
	svc := testutil.FixtureService(host)
	if err := f.store.SaveService(ctx, svc); err != nil {
		t.Fatal(err)
	}
	return host, svc
}

func TestCreateService_DuplicateBindingReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	host, original := seedHost(t, f)

	// Same (port, interface) pair, fresh binding id.
	dup := testutil.FixtureService(host, func(s *types.Service) {
		s.ID = ""
		s.Bindings = s.Bindings[:1]
		s.Bindings[0].ID = "another-binding-id"
		s.Source = types.EntitySource{}
	})

	got, err := f.svc.CreateService(context.Background(), dup)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != original.ID {
		t.Errorf("id = %s, want original %s", got.ID, original.ID)
	}
	if n := f.store.ServiceCount(); n != 1 {
		t.Errorf("services stored = %d, want 1", n)
	}
}

func TestCreateService_MergesNewBindings(t *testing.T) {
	f := newFixture(t)
	host, original := seedHost(t, f)
	ctx := context.Background()

	extra := types.Port{ID: "port-http", PortBase: types.PortHttp}
	host.Ports = append(host.Ports, extra)
	f.store.UpsertHost(ctx, host)

	dup := testutil.FixtureService(host, func(s *types.Service) { s.ID = "" })
	got, err := f.svc.CreateService(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != original.ID || len(got.Bindings) != 3 {
		t.Errorf("merged service = %s with %d bindings, want %s with 3", got.ID, len(got.Bindings), original.ID)
	}

	distinct := testutil.FixtureService(host, func(s *types.Service) {
		s.ID = ""
		s.Definition = "Pi-Hole"
	})
	created, err := f.svc.CreateService(ctx, distinct)
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == original.ID || f.store.ServiceCount() != 2 {
		t.Error("different definition must create a new service")
	}

	if _, err := f.svc.CreateService(ctx, &types.Service{Definition: "Pi-Hole"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("service without host error = %v", err)
	}
}

func TestApplyHosts_RediscoveryReusesEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host := testutil.FixtureHost()
	svc := testutil.FixtureService(host)
	if err := f.svc.ApplyHosts(ctx, []types.DiscoveredHost{testutil.FixtureDiscoveredHost(f.daemon.ID, host, *svc)}); err != nil {
		t.Fatal(err)
	}

	// A later session sees the same host; the daemon mints new ids for everything.
	again := testutil.FixtureHost(func(h *types.Host) { h.Hostname = "pi.lan" })
	againSvc := testutil.FixtureService(again)
	if err := f.svc.ApplyHosts(ctx, []types.DiscoveredHost{testutil.FixtureDiscoveredHost(f.daemon.ID, again, *againSvc)}); err != nil {
		t.Fatal(err)
	}

	if n := f.store.HostCount(); n != 1 {
		t.Fatalf("hosts = %d, want 1", n)
	}
	if n := f.store.ServiceCount(); n != 1 {
		t.Fatalf("services = %d, want 1", n)
	}
	hosts, _ := f.svc.ListHosts(ctx)
	stored := hosts[0]
	if stored.ID != host.ID || stored.Hostname != "pi.lan" || len(stored.Services) != 1 {
		t.Errorf("stored host = %+v", stored)
	}
	if len(stored.Ports) != 2 || len(stored.Interfaces) != 1 {
		t.Errorf("ports/interfaces duplicated: %d/%d", len(stored.Ports), len(stored.Interfaces))
	}
	// Same daemon and discovery type: one provenance entry, not one per scan.
	if len(stored.Source.Metadata) != 1 {
		t.Errorf("host metadata entries = %d, want 1", len(stored.Source.Metadata))
	}
	services, _ := f.svc.ListServices(ctx)
	if len(services[0].Source.Metadata) != 1 {
		t.Errorf("service metadata entries = %d, want 1", len(services[0].Source.Metadata))
	}
	if len(f.store.Subnets) != 1 {
		t.Errorf("subnets = %d", len(f.store.Subnets))
	}
}

type fakeQueue struct {
	pushed []types.DiscoveredHost
	err    error
}

func (q *fakeQueue) Push(ctx context.Context, hosts []types.DiscoveredHost) error {
	if q.err != nil {
		return q.err
	}
	q.pushed = append(q.pushed, hosts...)
	return nil
}

func TestIngestHosts(t *testing.T) {
	t.Run("buffered", func(t *testing.T) {
		f := newFixture(t)
		q := &fakeQueue{}
		f.svc.SetHostQueue(q)
		report := testutil.FixtureDiscoveredHost("", testutil.FixtureHost())

		n, err := f.svc.IngestHosts(context.Background(), f.daemon.ID, []types.DiscoveredHost{report})
		if err != nil || n != 1 {
			t.Fatalf("ingest = %d, %v", n, err)
		}
		if len(q.pushed) != 1 || q.pushed[0].DaemonID != f.daemon.ID {
			t.Errorf("queued = %+v", q.pushed)
		}
		if f.store.HostCount() != 0 {
			t.Error("buffered reports must not be written directly")
		}
	})

	t.Run("buffer down falls back to direct write", func(t *testing.T) {
		f := newFixture(t)
		f.svc.SetHostQueue(&fakeQueue{err: errors.New("redis: connection refused")})
		report := testutil.FixtureDiscoveredHost(f.daemon.ID, testutil.FixtureHost())

		if _, err := f.svc.IngestHosts(context.Background(), f.daemon.ID, []types.DiscoveredHost{report}); err != nil {
			t.Fatal(err)
		}
		if f.store.HostCount() != 1 {
			t.Error("expected direct write")
		}
	})

	t.Run("foreign report", func(t *testing.T) {
		f := newFixture(t)
		report := testutil.FixtureDiscoveredHost("other-daemon", testutil.FixtureHost())
		if _, err := f.svc.IngestHosts(context.Background(), f.daemon.ID, []types.DiscoveredHost{report}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("error = %v, want ErrInvalidRequest", err)
		}
	})
}

func TestApplyHosts_StoreErrorsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith = errors.New("connection reset")
	report := testutil.FixtureDiscoveredHost(f.daemon.ID, testutil.FixtureHost())
	if err := f.svc.ApplyHosts(context.Background(), []types.DiscoveredHost{report}); err == nil {
		t.Error("expected store error to propagate for requeue")
	}

	f.store.FailWith = nil
	empty := testutil.FixtureDiscoveredHost(f.daemon.ID, testutil.FixtureHost(func(h *types.Host) { h.Interfaces = nil }))
	if err := f.svc.ApplyHosts(context.Background(), []types.DiscoveredHost{empty}); err != nil {
		t.Errorf("malformed report should be skipped, got %v", err)
	}
}

func TestListDefinitions(t *testing.T) {
	f := newFixture(t)
	defs := f.svc.ListDefinitions()
	if len(defs) == 0 {
		t.Fatal("expected built-in definitions")
	}
}

func TestAPIKey(t *testing.T) {
	key, hash, err := GenerateDaemonAPIKey("0c8f2a7e-1111-2222-3333-444455556666")
	if err != nil {
		t.Fatal(err)
	}
	if len(key) > 72 {
		t.Errorf("key length %d exceeds bcrypt input limit", len(key))
	}
	if !VerifyAPIKey(key, hash) {
		t.Error("key does not verify against its hash")
	}
	if VerifyAPIKey(key+"x", hash) || VerifyAPIKey(key, "") {
		t.Error("verification accepted a wrong key or empty hash")
	}
}
