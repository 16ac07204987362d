package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/netscope-io/netscope/control-plane/internal/config"
	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// DISCOVERY SESSIONS
// =============================================================================

func (s *Server) handleInitiateDiscovery(w http.ResponseWriter, r *http.Request) {
	var req types.DaemonInitiateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.svc.InitiateDiscovery(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *sess)
}

func (s *Server) handleDaemonInitiate(w http.ResponseWriter, r *http.Request) {
	var req types.DaemonInitiateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.claimDaemonID(w, r, &req.DaemonID) {
		return
	}

	sess, err := s.svc.DaemonInitiate(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *sess)
}

func (s *Server) handleDiscoveryUpdate(w http.ResponseWriter, r *http.Request) {
	var update types.DiscoveryUpdatePayload
	if err := readJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.claimDaemonID(w, r, &update.DaemonID) {
		return
	}

	sess, err := s.svc.UpdateDiscovery(r.Context(), update)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSessionStatus(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *sess)
}

func (s *Server) handleCancelDiscovery(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.CancelDiscovery(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *sess)
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, nonNil(s.svc.ActiveSessions()))
}

// claimDaemonID fills an empty body daemon id from the authenticated caller
// and rejects one naming a different daemon. It reports whether the handler
// should continue.
func (s *Server) claimDaemonID(w http.ResponseWriter, r *http.Request, id *string) bool {
	caller := daemonID(r)
	switch {
	case *id == "" && caller == "":
		writeError(w, http.StatusBadRequest, "daemon_id is required")
		return false
	case *id == "":
		*id = caller
	case caller != "" && *id != caller:
		writeError(w, http.StatusForbidden, "request for another daemon")
		return false
	}
	return true
}

// =============================================================================
// HOST INGESTION
// =============================================================================

func (s *Server) handleIngestHosts(w http.ResponseWriter, r *http.Request) {
	var reader io.ReadCloser = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gzip")
			return
		}
		defer gz.Close()
		reader = gz
	}
	reader = http.MaxBytesReader(w, reader, config.MaxHostBatchBytes)

	var batch types.HostBatch
	if err := json.NewDecoder(reader).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "host batch too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.claimDaemonID(w, r, &batch.DaemonID) {
		return
	}

	accepted, err := s.svc.IngestHosts(r.Context(), batch.DaemonID, batch.Hosts)
	if err != nil {
		s.logger.Warn("host ingestion failed",
			"daemon_id", batch.DaemonID,
			"count", len(batch.Hosts),
			"error", err)
		s.writeServiceError(w, r, err)
		return
	}

	writeData(w, http.StatusAccepted, types.HostBatchResponse{Accepted: accepted})
}
