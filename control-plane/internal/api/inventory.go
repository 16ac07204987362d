package api

import (
	"net/http"

	"github.com/netscope-io/netscope/pkg/types"
)

// =============================================================================
// INVENTORY
// =============================================================================

type hostDetail struct {
	Host     types.Host      `json:"host"`
	Services []types.Service `json:"services"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.svc.ListHosts(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(hosts))
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, services, err := s.svc.GetHost(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if host == nil {
		writeError(w, http.StatusNotFound, "host not found")
		return
	}
	writeData(w, http.StatusOK, hostDetail{Host: *host, Services: nonNil(services)})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.svc.ListServices(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(services))
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.svc.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if svc == nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeData(w, http.StatusOK, *svc)
}

func (s *Server) handleListSubnets(w http.ResponseWriter, r *http.Request) {
	subnets, err := s.svc.ListSubnets(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(subnets))
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.svc.ListDefinitions())
}
