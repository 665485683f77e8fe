// Package transport exposes a recovery resolver over HTTP so operators can
// inspect and settle in-doubt branches on a running watcher.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/recovery"
)

// HTTPServer serves the recovery admin endpoints
type HTTPServer struct {
	addr      string
	resource  string
	resolver  *recovery.Resolver
	decisions *recovery.DecisionLog
	mux       *http.ServeMux
	server    *http.Server
	logger    *zap.Logger
}

// ServerOption configures an HTTPServer.
type ServerOption func(*HTTPServer)

// WithDecisions enables POST /decisions backed by log.
func WithDecisions(log *recovery.DecisionLog) ServerOption {
	return func(s *HTTPServer) { s.decisions = log }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *HTTPServer) {
		if h != nil {
			s.mux.Handle("/metrics", h)
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *HTTPServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResourceName sets the resource label reported by GET /in-doubt.
func WithResourceName(name string) ServerOption {
	return func(s *HTTPServer) { s.resource = name }
}

// NewHTTPServer creates the admin server for resolver
func NewHTTPServer(addr string, resolver *recovery.Resolver, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		resolver: resolver,
		mux:      http.NewServeMux(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/in-doubt", s.handleInDoubt)
	s.mux.HandleFunc("/resolve", s.handleResolve)
	s.mux.HandleFunc("/decisions", s.handleDecision)
}

// Handler returns the route table, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean stop.
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("admin server listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "OK",
		Address:   s.addr,
		Resources: s.resolver.Len(),
	})
}

func (s *HTTPServer) handleInDoubt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := s.resolver.Scan(r.Context())
	if err != nil && len(records) == 0 {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err != nil {
		s.logger.Warn("partial recovery scan", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, protocol.ScanResponse{
		Resource:  s.resource,
		InDoubt:   records,
		Generated: time.Now().UTC(),
	})
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := s.resolver.Resolve(r.Context())
	if err != nil {
		s.logger.Warn("resolve request finished with errors", zap.Error(err))
		if len(resp.Errors) == 0 {
			resp.Errors = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.decisions == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.DecisionResponse{Error: "Decision log not configured"})
		return
	}

	var req protocol.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.DecisionResponse{Error: "Invalid request body"})
		return
	}

	xid, err := protocol.ParseXid(req.Xid)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.DecisionResponse{Error: err.Error()})
		return
	}
	outcome, err := recovery.ParseOutcome(req.Outcome)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.DecisionResponse{Error: err.Error()})
		return
	}

	if err := s.decisions.Record(xid, outcome); err != nil {
		writeJSON(w, http.StatusInternalServerError, protocol.DecisionResponse{Error: err.Error()})
		return
	}

	s.logger.Info("decision recorded", zap.Stringer("xid", xid), zap.String("outcome", string(outcome)))
	writeJSON(w, http.StatusOK, protocol.DecisionResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IsClosed reports whether err is the result of a clean Stop.
func IsClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
