// Package server wires the knowledge-graph store, the MCP tool surface,
// the WebSocket broadcast hub, and Prometheus metrics into one HTTP
// server.
//
// Endpoints:
//   - /mcp, /mcp/*  - MCP JSON-RPC tool surface
//   - /ws           - WebSocket event subscription
//   - /health       - liveness probe
//   - /metrics      - Prometheus scrape target
//
// Example:
//
//	store, _ := muninn.New(cfg.StoreConfig())
//	srv, _ := server.New(store, nil)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/orneryd/muninn/pkg/broadcast"
	"github.com/orneryd/muninn/pkg/mcp"
	"github.com/orneryd/muninn/pkg/muninn"
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "localhost")
	Address string
	// Port to listen on (default: 7749)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// EnableCORS for cross-origin requests
	EnableCORS bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      "localhost",
		Port:         7749,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		EnableCORS:   true,
	}
}

// Server is the combined HTTP server for the knowledge-graph store.
type Server struct {
	config  *Config
	store   *muninn.Store
	hub     *broadcast.Hub
	mcpSrv  *mcp.Server
	metrics *Metrics

	httpServer *http.Server
	listener   net.Listener
	closed     atomic.Bool
	started    time.Time
}

// New creates a server over the given store. The hub is registered as
// the store's broadcast sink by the caller; pass it here so /ws and the
// client gauge work.
func New(store *muninn.Store, hub *broadcast.Hub, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if hub == nil {
		hub = broadcast.NewHub()
	}

	mcpCfg := mcp.DefaultServerConfig()
	mcpCfg.Address = config.Address
	mcpCfg.Port = config.Port
	mcpCfg.EnableCORS = config.EnableCORS

	return &Server{
		config:  config,
		store:   store,
		hub:     hub,
		mcpSrv:  mcp.NewServer(store, mcpCfg),
		metrics: NewMetrics(store, hub),
	}, nil
}

// Hub returns the broadcast hub for wiring into muninn.Config.Broadcast.
func (s *Server) Hub() *broadcast.Hub {
	return s.hub
}

// RegisterRoutes installs all endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	inner := http.NewServeMux()
	s.mcpSrv.RegisterRoutes(inner)
	mux.Handle("/mcp", s.metrics.Instrument("mcp", inner))
	mux.Handle("/mcp/", s.metrics.Instrument("mcp", inner))

	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.Handle("/health", s.metrics.Instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", s.metrics.Handler())
}

// Start begins listening. Returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	if s.closed.Load() {
		return fmt.Errorf("server closed")
	}
	s.started = time.Now()

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = corsMiddleware(mux)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("muninn listening on %s", addr)
	return nil
}

// Addr returns the bound address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down the HTTP server and disconnects all subscribers. The
// store itself is stopped by the caller that started it.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ping := s.store.Ping()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          ping.Status,
		"uptime":          time.Since(s.started).String(),
		"active_sessions": ping.ActiveSessions,
		"ws_clients":      s.hub.Count(),
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
