// Package mcp exposes the knowledge-graph store over the MCP (Model
// Context Protocol) JSON-RPC tool surface.
//
// Tool Surface (9 tools):
//   - kg_read: full snapshot of both graph levels
//   - kg_register_session: issue a session ID for sync tracking
//   - kg_sync: diff of foreign changes since session start
//   - kg_put_node / kg_put_edge: upserts
//   - kg_delete_node / kg_delete_edge: removal
//   - kg_recall: bring an archived node back
//   - kg_ping: health and statistics
//
// Example Usage:
//
//	store, _ := muninn.New(muninn.Config{UserPath: "user.json"})
//	server := mcp.NewServer(store, nil)
//	if err := server.Start(":7749"); err != nil {
//	    log.Fatal(err)
//	}
//
// MCP Protocol:
//
// The server implements the MCP JSON-RPC protocol over HTTP:
//   - initialize: exchange capabilities
//   - tools/list: list available tools
//   - tools/call: execute a tool
//
// Store errors surface to the agent as a CallToolResponse with IsError
// set and a {"error": "<message>"} text payload, never as transport
// failures; an LLM can read the message and correct itself.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/orneryd/muninn/pkg/muninn"
)

// Version reported in initialize and health responses.
const Version = "1.0.0"

// Server implements the MCP protocol over a knowledge-graph store.
type Server struct {
	store  *muninn.Store
	config *ServerConfig

	httpServer *http.Server
	mu         sync.RWMutex
	started    time.Time
	closed     bool

	handlers map[string]ToolHandler
}

// ServerConfig holds MCP server configuration.
type ServerConfig struct {
	// Address to bind to (default: "localhost")
	Address string `yaml:"address"`
	// Port to listen on (default: 7749)
	Port int `yaml:"port"`
	// ReadTimeout for requests
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout for responses
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxRequestSize in bytes (default: 4MB)
	MaxRequestSize int64 `yaml:"max_request_size"`
	// EnableCORS for cross-origin requests
	EnableCORS bool `yaml:"enable_cors"`
}

// DefaultServerConfig returns sensible defaults for the MCP server.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        "localhost",
		Port:           7749,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 4 * 1024 * 1024,
		EnableCORS:     true,
	}
}

// ToolHandler is a function that handles a tool call
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// NewServer creates a new MCP server over the given store.
func NewServer(store *muninn.Store, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}

	s := &Server{
		store:    store,
		config:   config,
		handlers: make(map[string]ToolHandler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers[ToolRead] = s.handleRead
	s.handlers[ToolRegisterSession] = s.handleRegisterSession
	s.handlers[ToolSync] = s.handleSync
	s.handlers[ToolPutNode] = s.handlePutNode
	s.handlers[ToolPutEdge] = s.handlePutEdge
	s.handlers[ToolDeleteNode] = s.handleDeleteNode
	s.handlers[ToolDeleteEdge] = s.handleDeleteEdge
	s.handlers[ToolRecall] = s.handleRecall
	s.handlers[ToolPing] = s.handlePing
}

// RegisterRoutes registers MCP handlers on an existing http.ServeMux.
//
// Routes registered:
//   - POST /mcp            - Main JSON-RPC endpoint
//   - POST /mcp/initialize - Initialize MCP connection
//   - GET/POST /mcp/tools/list - List available tools
//   - POST /mcp/tools/call - Execute a tool
//   - GET /mcp/health      - MCP health check
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.started = time.Now()

	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/initialize", s.handleInitialize)
	mux.HandleFunc("/mcp/tools/list", s.handleListTools)
	mux.HandleFunc("/mcp/tools/call", s.handleCallTool)
	mux.HandleFunc("/mcp/health", s.handleHealth)
}

// Start begins listening on its own HTTP server. For integration into a
// larger mux use RegisterRoutes instead.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("server already closed")
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = s.corsMiddleware(mux)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("MCP server error: %v", err)
		}
	}()

	log.Printf("MCP server started on %s", addr)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
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

// =============================================================================
// MCP Protocol Handlers
// =============================================================================

// handleMCP is the main MCP JSON-RPC endpoint.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		JSONRPC string                 `json:"jsonrpc"`
		ID      interface{}            `json:"id"`
		Method  string                 `json:"method"`
		Params  map[string]interface{} `json:"params"`
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSONRPCError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	var result interface{}
	switch req.Method {
	case "initialize":
		result = s.doInitialize()
	case "tools/list":
		result = s.doListTools()
	case "tools/call":
		result = s.doCallTool(r.Context(), req.Params)
	case "notifications/initialized":
		// Fire-and-forget client notification.
		result = map[string]interface{}{}
	default:
		s.writeJSONRPCError(w, req.ID, -32601, "Method not found", req.Method)
		return
	}

	s.writeJSONRPCResult(w, req.ID, result)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.doInitialize())
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.doListTools())
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.writeJSON(w, http.StatusOK, s.doCallTool(r.Context(), map[string]interface{}{
		"name":      req.Name,
		"arguments": req.Arguments,
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.started).String(),
		"version": Version,
	})
}

// =============================================================================
// MCP Protocol Implementation
// =============================================================================

func (s *Server) doInitialize() InitResponse {
	return InitResponse{
		ProtocolVersion: "2024-11-05",
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{
				"listChanged": false,
			},
		},
		ServerInfo: ServerInfo{
			Name:    "Muninn Knowledge Graph",
			Version: Version,
		},
	}
}

func (s *Server) doListTools() ListToolsResponse {
	return ListToolsResponse{Tools: GetToolDefinitions()}
}

// doCallTool dispatches to the named tool handler and wraps the outcome
// in MCP content format. Errors become an {"error": message} payload
// with IsError set.
func (s *Server) doCallTool(ctx context.Context, params map[string]interface{}) CallToolResponse {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	handler, ok := s.handlers[name]
	if !ok {
		return errorResponse(fmt.Errorf("unknown tool: %s", name))
	}

	result, err := handler(ctx, args)
	if err != nil {
		log.Printf("tool %s failed: %v", name, err)
		return errorResponse(err)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errorResponse(fmt.Errorf("failed to encode result: %w", err))
	}
	return CallToolResponse{
		Content: []Content{{Type: "text", Text: string(resultJSON)}},
	}
}

func errorResponse(err error) CallToolResponse {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return CallToolResponse{
		Content: []Content{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

// =============================================================================
// Tool Handlers
// =============================================================================

func (s *Server) handleRead(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.Read(getString(args, "session_id"))
}

func (s *Server) handleRegisterSession(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.RegisterSession(getString(args, "project_path"))
}

func (s *Server) handleSync(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.Sync(getString(args, "session_id"), getBool(args, "exclude_own", true))
}

func (s *Server) handlePutNode(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.PutNode(
		getString(args, "level"),
		getString(args, "id"),
		getString(args, "gist"),
		getStringSlice(args, "touches"),
		getStringSlice(args, "notes"),
		getString(args, "session_id"),
	)
}

func (s *Server) handlePutEdge(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.PutEdge(
		getString(args, "level"),
		getString(args, "from"),
		getString(args, "to"),
		getString(args, "rel"),
		getStringSlice(args, "notes"),
		getString(args, "session_id"),
	)
}

func (s *Server) handleDeleteNode(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.DeleteNode(
		getString(args, "level"),
		getString(args, "id"),
		getString(args, "session_id"),
	)
}

func (s *Server) handleDeleteEdge(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.DeleteEdge(
		getString(args, "level"),
		getString(args, "from"),
		getString(args, "to"),
		getString(args, "rel"),
		getString(args, "session_id"),
	)
}

func (s *Server) handleRecall(_ context.Context, args map[string]interface{}) (interface{}, error) {
	return s.store.Recall(
		getString(args, "level"),
		getString(args, "id"),
		getString(args, "session_id"),
	)
}

func (s *Server) handlePing(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.store.Ping(), nil
}

// =============================================================================
// Response Helpers
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id interface{}, result interface{}) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message, data string) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"data":    data,
		},
	})
}
