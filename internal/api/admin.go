package api

import (
	"net/http"
	"strconv"

	"Confluence/internal/access"
	"Confluence/internal/gateway"
)

// adminRequest reads the body and authenticates the caller of an admin route.
// It writes the error response and returns false on failure.
func (s *Server) adminRequest(w http.ResponseWriter, r *http.Request) ([]byte, access.Principal, bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, access.Anonymous, false
	}

	p, err := s.principal(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, access.Anonymous, false
	}

	return body, p, true
}

// handleAddGateway handles POST /admin/gateways requests.
func (s *Server) handleAddGateway(w http.ResponseWriter, r *http.Request) {
	body, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	var req GatewayRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.ID.IsZero() {
		writeError(w, http.StatusBadRequest, "missing gateway id")
		return
	}

	if err := s.engine.AddGatewayAt(r.Context(), p, req.ID, req.Addr); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleRemoveGateway handles DELETE /admin/gateways/{id} requests.
func (s *Server) handleRemoveGateway(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	id, err := gateway.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.RemoveGateway(r.Context(), p, id); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleSetThreshold handles PUT /admin/threshold requests.
func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	body, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	var req ThresholdRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SetThreshold(r.Context(), p, req.Threshold); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleRegisterRemote handles PUT /admin/remotes/{network} requests.
func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	body, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	var req RemoteRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	network := r.PathValue("network")
	if err := validateAddress("network", network); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.RegisterRemote(r.Context(), p, network, req.Address); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handlePause handles POST /admin/pause requests.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Pause(r.Context(), p); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleUnpause handles POST /admin/unpause requests.
func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	if err := s.engine.Unpause(r.Context(), p); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleSnapshot handles GET /admin/snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.adminRequest(w, r)
	if !ok {
		return
	}

	data, err := s.engine.Snapshot(r.Context(), p)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
