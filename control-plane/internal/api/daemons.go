package api

import (
	"net/http"

	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// DAEMON ENDPOINTS
// =============================================================================

func (s *Server) handleDaemonRegister(w http.ResponseWriter, r *http.Request) {
	var req types.DaemonRegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.svc.RegisterDaemon(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *resp)
}

func (s *Server) handleDaemonHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if caller := daemonID(r); caller != "" && caller != id {
		writeError(w, http.StatusForbidden, "heartbeat for another daemon")
		return
	}

	var hb types.Heartbeat
	if err := readJSON(r, &hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hb.DaemonID = id

	resp, err := s.svc.ProcessHeartbeat(r.Context(), hb)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, *resp)
}

func (s *Server) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	daemons, err := s.svc.ListDaemons(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(daemons))
}

func (s *Server) handleGetDaemon(w http.ResponseWriter, r *http.Request) {
	daemon, err := s.svc.GetDaemon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if daemon == nil {
		writeError(w, http.StatusNotFound, "daemon not found")
		return
	}
	writeData(w, http.StatusOK, *daemon)
}

type deleteDaemonResponse struct {
	DaemonID string `json:"daemon_id"`
}

func (s *Server) handleDeleteDaemon(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.DeleteDaemon(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, deleteDaemonResponse{DaemonID: id})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
