package httpapi

import (
	"net/http"
)

type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) decodeEndpoint(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req endpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return req.Endpoint, true
}

func (s *Server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.decodeEndpoint(w, r)
	if !ok {
		return
	}
	if err := s.endpoints.Add(r.Context(), userID(r.Context()), ep); err != nil {
		s.fail(w, r, "addEndpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.decodeEndpoint(w, r)
	if !ok {
		return
	}
	if err := s.endpoints.Delete(r.Context(), userID(r.Context()), ep); err != nil {
		s.fail(w, r, "deleteEndpoint", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
