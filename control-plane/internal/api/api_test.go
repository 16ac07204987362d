package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/netscope-io/netscope/control-plane/internal/daemonclient"
	"github.com/netscope-io/netscope/control-plane/internal/discovery"
	"github.com/netscope-io/netscope/control-plane/internal/secrets"
	"github.com/netscope-io/netscope/control-plane/internal/service"
	"github.com/netscope-io/netscope/control-plane/internal/testutil"
	"github.com/netscope-io/netscope/pkg/catalog"
	"github.com/netscope-io/netscope/pkg/types"
)

type testServer struct {
	srv    *Server
	store  *testutil.MemStore
	client *testutil.FakeDaemonClient
	creds  types.DaemonRegisterResponse
}

func newTestServer(t *testing.T, enforce bool) *testServer {
	t.Helper()
	logger := testutil.NewTestLogger()
	store := testutil.NewMemStore()
	tokens, err := secrets.NewLocalTokenStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	client := &testutil.FakeDaemonClient{}
	svc := service.NewService(store, discovery.NewRegistry(store, logger), client, tokens, logger)

	ts := &testServer{
		srv:    NewServerWithAuth(svc, nil, nil, logger, enforce),
		store:  store,
		client: client,
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/daemons/register",
		types.DaemonRegisterRequest{Name: "basement-rack", IP: "192.168.1.20", Port: 60073, Version: "1.0.0"}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body)
	}
	ts.creds = decodeData[types.DaemonRegisterResponse](t, rec)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		ts.authorize(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+ts.creds.APIKey)
	req.Header.Set("X-Daemon-ID", ts.creds.DaemonID)
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env types.ApiResponse[T]
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body, err)
	}
	if !env.Success || env.Data == nil {
		t.Fatalf("unsuccessful envelope: %s", rec.Body)
	}
	return *env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env types.ApiResponse[struct{}]
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %s: %v", rec.Body, err)
	}
	if env.Success {
		t.Fatalf("expected failure envelope: %s", rec.Body)
	}
	return env.Error
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeData[healthResponse](t, rec); got.Status != "ok" {
		t.Errorf("status = %q", got.Status)
	}
}

func TestInfrastructureHealth_NoCollector(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/v1/health/infrastructure", nil, false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodOptions, "/api/v1/discovery/initiate", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

// =============================================================================
// DAEMON AUTH
// =============================================================================

func TestDaemonAuth(t *testing.T) {
	ts := newTestServer(t, true)
	path := fmt.Sprintf("/api/v1/daemons/%s/heartbeat", ts.creds.DaemonID)
	hb := types.Heartbeat{Version: "1.0.0"}

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"valid", func(r *http.Request) { ts.authorize(r) }, http.StatusOK},
		{"missing credentials", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) {
			ts.authorize(r)
			r.Header.Set("Authorization", "Bearer netscope_nope")
		}, http.StatusUnauthorized},
		{"unknown daemon", func(r *http.Request) {
			ts.authorize(r)
			r.Header.Set("X-Daemon-ID", "someone-else")
		}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(hb)
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
			tt.mutate(req)
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestDaemonAuth_GracePeriod(t *testing.T) {
	ts := newTestServer(t, false)
	path := fmt.Sprintf("/api/v1/daemons/%s/heartbeat", ts.creds.DaemonID)
	rec := ts.do(t, http.MethodPost, path, types.Heartbeat{}, false)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in grace period: %s", rec.Code, rec.Body)
	}
}

func TestHeartbeat_OtherDaemonForbidden(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/v1/daemons/someone-else/heartbeat", types.Heartbeat{}, true)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRegister_Invalid(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/v1/daemons/register", types.DaemonRegisterRequest{Name: "x"}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	decodeError(t, rec)
}

// =============================================================================
// DISCOVERY
// =============================================================================

func TestDiscoveryLifecycle(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(t, http.MethodPost, "/api/v1/discovery/initiate",
		types.DaemonInitiateRequest{DaemonID: ts.creds.DaemonID, DiscoveryType: types.DiscoveryNetwork}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d: %s", rec.Code, rec.Body)
	}
	sess := decodeData[types.DiscoverySession](t, rec)
	if len(ts.client.Initiated) != 1 || ts.client.Initiated[0].SessionID != sess.SessionID {
		t.Fatalf("daemon initiate calls = %+v", ts.client.Initiated)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/discovery/active", nil, false)
	if active := decodeData[[]types.DiscoverySession](t, rec); len(active) != 1 {
		t.Errorf("active = %d, want 1", len(active))
	}

	update := func(seq uint64, phase types.DiscoveryPhase) types.DiscoveryUpdatePayload {
		return types.DiscoveryUpdatePayload{
			SessionID:              sess.SessionID,
			DiscoverySessionUpdate: types.DiscoverySessionUpdate{Seq: seq, Phase: phase, Completed: 10, Total: 254},
		}
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/daemons/discovery_update", update(1, types.PhaseScanning), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost, "/api/v1/daemons/discovery_update", update(1, types.PhaseScanning), true)
	if rec.Code != http.StatusConflict {
		t.Errorf("replayed update status = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/daemons/discovery_update", update(2, types.PhaseComplete), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/discovery/"+sess.SessionID+"/status", nil, false)
	status := decodeData[types.DiscoverySession](t, rec)
	if status.Phase != types.PhaseFinished || status.Outcome != types.PhaseComplete {
		t.Errorf("final session = %+v", status)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/discovery/"+sess.SessionID+"/cancel", nil, false)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel finished status = %d, want 409", rec.Code)
	}
}

func TestInitiateDiscovery_Errors(t *testing.T) {
	tests := []struct {
		name      string
		daemonErr error
		req       func(daemonID string) types.DaemonInitiateRequest
		want      int
	}{
		{
			name: "unknown daemon",
			req:  func(string) types.DaemonInitiateRequest { return types.DaemonInitiateRequest{DaemonID: "nope"} },
			want: http.StatusNotFound,
		},
		{
			name: "bad subnet",
			req: func(id string) types.DaemonInitiateRequest {
				return types.DaemonInitiateRequest{DaemonID: id, Subnets: []string{"not-a-cidr"}}
			},
			want: http.StatusBadRequest,
		},
		{
			name:      "daemon busy",
			daemonErr: fmt.Errorf("%w: already scanning", daemonclient.ErrConflict),
			req:       func(id string) types.DaemonInitiateRequest { return types.DaemonInitiateRequest{DaemonID: id} },
			want:      http.StatusConflict,
		},
		{
			name:      "daemon down",
			daemonErr: errors.New("connection refused"),
			req:       func(id string) types.DaemonInitiateRequest { return types.DaemonInitiateRequest{DaemonID: id} },
			want:      http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, true)
			ts.client.InitiateErr = tt.daemonErr
			rec := ts.do(t, http.MethodPost, "/api/v1/discovery/initiate", tt.req(ts.creds.DaemonID), false)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestDaemonInitiate(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/api/v1/discovery/daemon-initiate",
		types.DaemonInitiateRequest{DiscoveryType: types.DiscoverySelfReport}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	sess := decodeData[types.DiscoverySession](t, rec)
	if sess.DaemonID != ts.creds.DaemonID || sess.DiscoveryType != types.DiscoverySelfReport {
		t.Errorf("session = %+v", sess)
	}
	if len(ts.client.Initiated) != 0 {
		t.Error("daemon-initiated session must not call back into the daemon")
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/discovery/daemon-initiate",
		types.DaemonInitiateRequest{DaemonID: "someone-else"}, true)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign daemon status = %d, want 403", rec.Code)
	}
}

func TestSessionStatus_NotFound(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/v1/discovery/missing/status", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// =============================================================================
// HOST INGESTION
// =============================================================================

func gzipJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestIngestHosts(t *testing.T) {
	ts := newTestServer(t, true)
	host := testutil.FixtureHost()
	batch := types.HostBatch{
		DaemonID: ts.creds.DaemonID,
		Hosts:    []types.DiscoveredHost{testutil.FixtureDiscoveredHost(ts.creds.DaemonID, host, *testutil.FixtureService(host))},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/discovery/hosts", gzipJSON(t, batch))
	req.Header.Set("Content-Encoding", "gzip")
	ts.authorize(req)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := decodeData[types.HostBatchResponse](t, rec); got.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", got.Accepted)
	}
	if ts.store.HostCount() != 1 || ts.store.ServiceCount() != 1 {
		t.Errorf("stored hosts=%d services=%d", ts.store.HostCount(), ts.store.ServiceCount())
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/hosts", nil, false)
	hosts := decodeData[[]types.Host](t, rec)
	if len(hosts) != 1 {
		t.Fatalf("hosts = %d", len(hosts))
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/hosts/"+hosts[0].ID, nil, false)
	detail := decodeData[hostDetail](t, rec)
	if len(detail.Services) != 1 {
		t.Fatalf("host services = %d, want 1", len(detail.Services))
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/services/"+detail.Services[0].ID, nil, false)
	if svc := decodeData[types.Service](t, rec); svc.HostID != hosts[0].ID {
		t.Errorf("service host = %s, want %s", svc.HostID, hosts[0].ID)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/services/missing", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing service status = %d, want 404", rec.Code)
	}
}

func TestIngestHosts_BadBodies(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		name     string
		body     *bytes.Buffer
		encoding string
		want     int
	}{
		{"invalid gzip", bytes.NewBufferString("plain text"), "gzip", http.StatusBadRequest},
		{"invalid json", bytes.NewBufferString("{"), "", http.StatusBadRequest},
		{"foreign daemon", gzipJSON(t, types.HostBatch{DaemonID: "someone-else"}), "gzip", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/discovery/hosts", tt.body)
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			ts.authorize(req)
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestListEndpointsEncodeEmptyLists(t *testing.T) {
	ts := newTestServer(t, true)
	for _, path := range []string{"/api/v1/hosts", "/api/v1/services", "/api/v1/subnets"} {
		rec := ts.do(t, http.MethodGet, path, nil, false)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
			continue
		}
		if !bytes.Contains(rec.Body.Bytes(), []byte(`"data":[]`)) {
			t.Errorf("%s body = %s, want empty list", path, rec.Body)
		}
	}
}

func TestDaemons(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/v1/daemons", nil, false)
	if daemons := decodeData[[]types.Daemon](t, rec); len(daemons) != 1 {
		t.Errorf("daemons = %d, want 1", len(daemons))
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/daemons/"+ts.creds.DaemonID, nil, false)
	if d := decodeData[types.Daemon](t, rec); d.Name != "basement-rack" {
		t.Errorf("daemon = %+v", d)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/daemons/missing", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing daemon status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodDelete, "/api/v1/daemons/"+ts.creds.DaemonID, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodDelete, "/api/v1/daemons/"+ts.creds.DaemonID, nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestListDefinitions(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/api/v1/catalog/definitions", nil, false)
	defs := decodeData[[]catalog.Summary](t, rec)
	if len(defs) != catalog.Default().Len() {
		t.Errorf("definitions = %d, want %d", len(defs), catalog.Default().Len())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/metrics", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", service.ErrInvalidRequest), http.StatusBadRequest},
		{discovery.ErrInvalidPhase, http.StatusBadRequest},
		{service.ErrDaemonNotFound, http.StatusNotFound},
		{discovery.ErrSessionNotFound, http.StatusNotFound},
		{discovery.ErrDaemonMismatch, http.StatusForbidden},
		{fmt.Errorf("%w: busy", discovery.ErrAlreadyRunning), http.StatusConflict},
		{discovery.ErrStaleUpdate, http.StatusConflict},
		{discovery.ErrInvalidTransition, http.StatusConflict},
		{service.ErrNotRunning, http.StatusConflict},
		{service.ErrDaemonUnreachable, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
