package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/reliefops/relief-orchestrator/internal/orchestrator"
	"github.com/reliefops/relief-orchestrator/internal/requeststore"
	"github.com/reliefops/relief-orchestrator/internal/resourcepool"
	"github.com/reliefops/relief-orchestrator/internal/statuscache"
)

// Waker triggers an immediate orchestrator polling cycle.
type Waker interface {
	Wake()
}

// Server is the HTTP API server
type Server struct {
	store *requeststore.Store
	pool  *resourcepool.Pool
	waker Waker
	cache *statuscache.Cache // optional
	addr  string
	mux   *http.ServeMux

	sseHub *SSEHub
	wsHub  *WSHub

	httpServer *http.Server
}

// NewServer creates a new API server. waker and cache may be nil.
func NewServer(store *requeststore.Store, pool *resourcepool.Pool, waker Waker, cache *statuscache.Cache, addr string) *Server {
	s := &Server{
		store:  store,
		pool:   pool,
		waker:  waker,
		cache:  cache,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		wsHub:  NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/requests", s.requestsHandler())
	s.mux.HandleFunc("/api/requests/", s.requestHandler())
	s.mux.HandleFunc("/api/wake", s.wakeHandler())
	s.mux.HandleFunc("/api/metrics", s.metricsHandler())
	s.mux.HandleFunc("/api/lots", s.lotsHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		s.httpServer.Close()
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Publish fans a pipeline event out to the SSE and WebSocket feeds.
// Satisfies the orchestrator's event sink.
func (s *Server) Publish(e orchestrator.Event) {
	s.sseHub.Broadcast(e)
	s.wsHub.Broadcast(e)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
