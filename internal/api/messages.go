package api

import (
	"net/http"
	"strconv"

	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/outbound"
)

// handleSend handles POST /send requests.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.principal(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req SendRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller, err := validateSend(&req, p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.engine.Send(r.Context(), caller, req.Destination, req.Receiver, req.Payload, req.Attributes)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	logger.Debug("send accepted", "outbox", out.ID.String(), "dst", req.Destination)

	writeJSON(w, http.StatusAccepted, newOutboxView(out))
}

// handleGetMessage handles GET /messages/{id} requests.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	fp, err := message.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.engine.Message(fp)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newMessageView(t))
}

// handleRetry handles POST /messages/{id}/retry requests.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	fp, err := message.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Retry(r.Context(), fp); err != nil {
		writeEngineError(w, err)
		return
	}

	t, err := s.engine.Message(fp)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newMessageView(t))
}

// handleGetOutbox handles GET /outbox/{id} requests.
func (s *Server) handleGetOutbox(w http.ResponseWriter, r *http.Request) {
	id, err := outbound.ParseOutboxID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.engine.Outbox(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newOutboxView(out))
}

// handleEvents handles GET /events requests: the latest events, oldest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, s.engine.Events().Recent(limit))
}
