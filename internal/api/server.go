package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Confluence/internal/access"
	"Confluence/internal/aggregator"
	"Confluence/internal/events"
	"Confluence/internal/execution"
	"Confluence/internal/gateway"
	"Confluence/internal/inbound"
	"Confluence/internal/logger"
	"Confluence/internal/message"
	"Confluence/internal/metrics"
	"Confluence/internal/outbound"
	"Confluence/internal/remote"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// defaultEventLimit is the number of events returned by GET /events without a limit.
	defaultEventLimit = 100
)

// Engine is the aggregator surface served over HTTP.
type Engine interface {
	Status() aggregator.Status
	Send(ctx context.Context, caller, dst, receiver string, payload []byte, attrs [][]byte) (*outbound.Outbox, error)
	Message(fp message.Fingerprint) (*inbound.Tracker, error)
	Outbox(id outbound.OutboxID) (*outbound.Outbox, error)
	Retry(ctx context.Context, fp message.Fingerprint) error
	AddGatewayAt(ctx context.Context, p access.Principal, id gateway.ID, addr string) error
	RemoveGateway(ctx context.Context, p access.Principal, id gateway.ID) error
	SetThreshold(ctx context.Context, p access.Principal, n int) error
	RegisterRemote(ctx context.Context, p access.Principal, network, address string) error
	Pause(ctx context.Context, p access.Principal) error
	Unpause(ctx context.Context, p access.Principal) error
	Snapshot(ctx context.Context, p access.Principal) ([]byte, error)
	Events() *events.Bus
}

// Server is the HTTP API server.
type Server struct {
	addr    string           // addr is the HTTP listen address
	engine  Engine           // engine is the aggregator being served
	metrics *metrics.Metrics // metrics records requests and serves /metrics, may be nil
	server  *http.Server     // server is the underlying HTTP server
	now     func() time.Time // now is the clock for signed requests
}

// New creates a new HTTP API server.
func New(addr string, engine Engine, m *metrics.Metrics) *Server {
	return &Server{
		addr:    addr,
		engine:  engine,
		metrics: m,
		now:     time.Now,
	}
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /messages/{id}", s.handleGetMessage)
	mux.HandleFunc("POST /messages/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /outbox/{id}", s.handleGetOutbox)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("POST /admin/gateways", s.handleAddGateway)
	mux.HandleFunc("DELETE /admin/gateways/{id}", s.handleRemoveGateway)
	mux.HandleFunc("PUT /admin/threshold", s.handleSetThreshold)
	mux.HandleFunc("PUT /admin/remotes/{network}", s.handleRegisterRemote)
	mux.HandleFunc("POST /admin/pause", s.handlePause)
	mux.HandleFunc("POST /admin/unpause", s.handleUnpause)
	mux.HandleFunc("GET /admin/snapshot", s.handleSnapshot)

	if s.metrics == nil {
		return mux
	}

	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.instrument(mux)
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records every request by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}

		s.metrics.HTTPRequest(r.Method, pattern, rec.status, time.Since(start))
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var dispatchErr *outbound.DispatchError

	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, aggregator.ErrSystemPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, aggregator.ErrUnknownMessage),
		errors.Is(err, outbound.ErrOutboxNotFound),
		errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, aggregator.ErrAlreadyExecuted),
		errors.Is(err, aggregator.ErrQuorumNotReached),
		errors.Is(err, gateway.ErrAlreadyPresent),
		errors.Is(err, gateway.ErrThresholdUnsatisfiable):
		return http.StatusConflict
	case errors.Is(err, aggregator.ErrEmptyReceiver),
		errors.Is(err, gateway.ErrInvalidThreshold),
		errors.Is(err, remote.ErrRemoteNotRegistered),
		errors.Is(err, remote.ErrEmptyAddress),
		errors.Is(err, remote.ErrEmptyNetwork),
		errors.Is(err, outbound.ErrNoChannelFactory):
		return http.StatusBadRequest
	case errors.Is(err, aggregator.ErrExecutionFailed),
		errors.Is(err, execution.ErrInvalidExecutionReturnValue):
		return http.StatusFailedDependency
	case errors.Is(err, outbound.ErrNoGateways), errors.As(err, &dispatchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "error", err)
	}

	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
