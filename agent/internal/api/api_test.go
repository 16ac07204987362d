package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/netscope-io/netscope/agent/internal/discovery"
	"github.com/netscope-io/netscope/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDiscovery mimics the single-slot discoverer.
type fakeDiscovery struct {
	running     string
	started     []discovery.Session
	cancelClean bool
}

func (f *fakeDiscovery) Start(sess discovery.Session) error {
	if f.running != "" {
		return discovery.ErrAlreadyRunning
	}
	f.running = sess.ID
	f.started = append(f.started, sess)
	return nil
}

func (f *fakeDiscovery) Cancel(sessionID string) (bool, error) {
	if f.running == "" {
		return false, discovery.ErrNotRunning
	}
	if sessionID != "" && sessionID != f.running {
		return false, discovery.ErrSessionMismatch
	}
	f.running = ""
	return f.cancelClean, nil
}

func (f *fakeDiscovery) Running() bool     { return f.running != "" }
func (f *fakeDiscovery) SessionID() string { return f.running }

func newTestServer(disc Discovery) *Server {
	s := NewServer(disc, "test", testLogger())
	s.SetIdentity("d-1", "ctl-token")
	return s
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestInitiate(t *testing.T) {
	tests := []struct {
		name    string
		running string
		token   string
		body    string
		status  int
	}{
		{"starts session", "", "ctl-token", `{"session_id":"s1","discovery_type":"network"}`, http.StatusOK},
		{"defaults to network", "", "ctl-token", `{"session_id":"s1"}`, http.StatusOK},
		{"already running", "s0", "ctl-token", `{"session_id":"s1","discovery_type":"network"}`, http.StatusConflict},
		{"missing token", "", "", `{"session_id":"s1"}`, http.StatusUnauthorized},
		{"wrong token", "", "nope", `{"session_id":"s1"}`, http.StatusUnauthorized},
		{"missing session", "", "ctl-token", `{"discovery_type":"network"}`, http.StatusBadRequest},
		{"bad type", "", "ctl-token", `{"session_id":"s1","discovery_type":"bluetooth"}`, http.StatusBadRequest},
		{"bad subnet", "", "ctl-token", `{"session_id":"s1","subnets":["10.0.0.0"]}`, http.StatusBadRequest},
		{"malformed", "", "ctl-token", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disc := &fakeDiscovery{running: tt.running}
			rec := do(newTestServer(disc), http.MethodPost, "/api/discovery/initiate", tt.token, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusOK {
				if len(disc.started) != 1 || disc.started[0].Type != types.DiscoveryNetwork {
					t.Errorf("started = %+v", disc.started)
				}
			}
		})
	}
}

func TestInitiate_ResponseEnvelope(t *testing.T) {
	disc := &fakeDiscovery{}
	rec := do(newTestServer(disc), http.MethodPost, "/api/discovery/initiate", "ctl-token",
		`{"session_id":"s1","discovery_type":"docker"}`)

	var resp types.ApiResponse[types.InitiateDiscoveryResponse]
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Data == nil || resp.Data.SessionID != "s1" {
		t.Errorf("response = %+v", resp)
	}
	if disc.started[0].Type != types.DiscoveryDocker {
		t.Errorf("type = %s", disc.started[0].Type)
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		running string
		clean   bool
		body    string
		status  int
	}{
		{"cooperative", "s1", true, `{"session_id":"s1"}`, http.StatusOK},
		{"any session", "s1", true, `{}`, http.StatusOK},
		{"forced abort", "s1", false, `{"session_id":"s1"}`, http.StatusInternalServerError},
		{"nothing running", "", true, `{"session_id":"s1"}`, http.StatusConflict},
		{"other session", "s2", true, `{"session_id":"s1"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disc := &fakeDiscovery{running: tt.running, cancelClean: tt.clean}
			rec := do(newTestServer(disc), http.MethodPost, "/api/discovery/cancel", "ctl-token", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestHealth(t *testing.T) {
	disc := &fakeDiscovery{running: "s7"}
	rec := do(newTestServer(disc), http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp types.ApiResponse[Health]
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.Discovering || resp.Data.SessionID != "s7" || resp.Data.DaemonID != "d-1" {
		t.Errorf("health = %+v", resp.Data)
	}
}

func TestUnregisteredDaemonRejectsControlCalls(t *testing.T) {
	s := NewServer(&fakeDiscovery{}, "test", testLogger())
	rec := do(s, http.MethodPost, "/api/discovery/initiate", "anything", `{"session_id":"s1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
