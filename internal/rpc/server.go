// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("rpc: server closed")

	// ErrNoPortAvailable is returned when no port in the configured range is available.
	ErrNoPortAvailable = errors.New("rpc: no port available in range")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout.
	ErrShutdownTimeout = errors.New("rpc: shutdown timeout exceeded")
)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// PortRange specifies the range of ports to try (inclusive).
	// Default: [9876, 9899]
	PortRange [2]int

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	// AuthToken is the required token for WebSocket connections.
	// If empty, authentication is disabled.
	AuthToken string

	// Logger is the structured logger for server events.
	// If nil, a default logger is used.
	Logger *slog.Logger
}

// DefaultConfig returns a ServerConfig with sensible defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		PortRange:       [2]int{9876, 9899},
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is an IPC server that handles WebSocket connections from batch
// worker processes and dispatches commands through a Registry.
type Server struct {
	config   *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	registry *Registry

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	port       int
	closed     bool

	// Authentication
	tokenValidator *TokenValidator

	// Connection tracking
	connMu      sync.RWMutex
	connections map[*websocket.Conn]*connState

	// Shutdown coordination
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// connState tracks per-connection write serialization, since gorilla's
// websocket.Conn forbids concurrent writers.
type connState struct {
	writeMu sync.Mutex
}

// NewServer creates a new IPC server with the given configuration.
// The server starts with an empty Registry; attach handlers with
// SetRegistry.
func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	if config.PortRange[0] == 0 {
		config.PortRange = [2]int{9876, 9899}
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local loopback transport only, origin is not meaningful.
				return true
			},
		},
		registry:    NewRegistry(),
		connections: make(map[*websocket.Conn]*connState),
		shutdownCh:  make(chan struct{}),
	}

	// Initialize token validator if auth is enabled
	if config.AuthToken != "" {
		s.tokenValidator = NewTokenValidator(config.AuthToken)
	}

	return s
}

// SetRegistry attaches the command registry used to dispatch incoming
// requests, replacing the current one. It may be called before or after
// Start; each request is dispatched with the registry attached when it
// arrives.
func (s *Server) SetRegistry(registry *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = registry
}

// Start starts the RPC server and finds an available port in the configured range.
// It returns the port number on which the server is listening, or an error.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServerClosed
	}

	if s.httpServer != nil {
		return s.port, nil // Already started
	}

	// Find an available port
	port, listener, err := s.findAvailablePort()
	if err != nil {
		return 0, err
	}

	s.listener = listener
	s.port = port

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout intentionally omitted to support long-lived WebSocket connections
	}

	// Start HTTP server in background
	go func() {
		s.logger.Info("rpc server starting",
			"port", port,
			"portRange", s.config.PortRange)

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()

	s.logger.Info("rpc server started", "port", port)
	return port, nil
}

// findAvailablePort attempts to find an available port in the configured range.
func (s *Server) findAvailablePort() (int, net.Listener, error) {
	startPort := s.config.PortRange[0]
	endPort := s.config.PortRange[1]

	for port := startPort; port <= endPort; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return port, listener, nil
		}
		s.logger.Debug("port unavailable", "port", port, "error", err)
	}

	return 0, nil, ErrNoPortAvailable
}

// Port returns the port the server is listening on, or 0 if not started.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	status := "ready"
	httpStatus := http.StatusOK

	if closed {
		status = "error"
		httpStatus = http.StatusServiceUnavailable
	}

	response := map[string]string{
		"status":  status,
		"version": ProtocolVersion,
		"message": "station IPC server",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}

// handleWebSocket handles WebSocket upgrade requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	// Check authentication token if configured
	if s.tokenValidator != nil {
		token := r.Header.Get("X-Auth-Token")
		if err := s.tokenValidator.Validate(token, r.RemoteAddr); err != nil {
			// Log auth failure without leaking the token
			if errors.Is(err, ErrRateLimitExceeded) {
				s.logger.Warn("authentication rate limit exceeded",
					"remote", r.RemoteAddr,
					"error", err)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			} else {
				s.logger.Warn("authentication failed",
					"remote", r.RemoteAddr,
					"hasToken", token != "",
					"error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			}
			return
		}
	}

	// Upgrade to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.logger.Info("websocket connection established", "remote", r.RemoteAddr)

	state := &connState{}

	// Track connection
	s.connMu.Lock()
	s.connections[conn] = state
	s.connMu.Unlock()

	// Handle connection in background
	go s.handleConnection(conn, state)
}

// handleConnection manages a WebSocket connection lifecycle: it pings the
// peer for liveness and dispatches every inbound command to the registry,
// writing the resulting response (or error) back on the same connection.
func (s *Server) handleConnection(conn *websocket.Conn, state *connState) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()

		conn.Close()
		s.logger.Info("websocket connection closed", "remote", conn.RemoteAddr())
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()

		for {
			select {
			case <-s.shutdownCh:
				return
			case <-done:
				return
			case <-pingTicker.C:
				state.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				state.writeMu.Unlock()
				if err != nil {
					s.logger.Debug("ping failed", "error", err)
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		req, err := ParseMessage(payload)
		if err != nil {
			s.logger.Warn("malformed ipc message", "error", err)
			continue
		}

		switch req.Type {
		case MessageTypeHandshake:
			s.writeMessage(conn, state, NewHandshake())
		case MessageTypeRequest:
			// Each request dispatches on its own goroutine: responses are
			// correlated by id, so a slow command never delays a newer one.
			go s.dispatch(conn, state, req)
		default:
			s.logger.Debug("ignoring non-request ipc message", "type", req.Type)
		}
	}
}

// dispatch invokes the registered handler for a request and writes its
// response (or a structured error) back to the connection.
func (s *Server) dispatch(conn *websocket.Conn, state *connState, req *Message) {
	s.mu.RLock()
	registry := s.registry
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := registry.Handle(ctx, req)
	if err != nil {
		s.logger.Warn("ipc command failed", "command", req.Command, "error", err)
		resp = NewErrorResponse(req.CorrelationID, "COMMAND_FAILED", err.Error(), nil)
	}

	s.writeMessage(conn, state, resp)
}

// PublishEvent broadcasts an event message to every currently connected
// peer (normally the single supervisor connection a worker maintains).
// Publishing is fire-and-forget: a write failure is logged and does not
// return to the caller, matching the emitter's no-throw contract.
func (s *Server) PublishEvent(batchID, eventType string, data interface{}) error {
	msg, err := NewEvent(batchID, eventType, data)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}

	s.connMu.RLock()
	defer s.connMu.RUnlock()

	for conn, state := range s.connections {
		s.writeMessage(conn, state, msg)
	}

	return nil
}

// writeMessage serializes and writes a message to a connection, guarding
// against concurrent writers.
func (s *Server) writeMessage(conn *websocket.Conn, state *connState, msg *Message) {
	state.writeMu.Lock()
	defer state.writeMu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("ipc write failed", "error", err)
	}
}

// Shutdown gracefully shuts down the server, closing all connections.
// It waits up to the configured ShutdownTimeout for connections to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		s.logger.Info("rpc server shutting down")

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		// Close all WebSocket connections
		s.connMu.Lock()
		for conn := range s.connections {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.connMu.Unlock()

		// Shutdown HTTP server
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = ErrShutdownTimeout
				} else {
					shutdownErr = err
				}
			}
		}

		// Clean up token validator
		if s.tokenValidator != nil {
			s.tokenValidator.Close()
		}

		s.logger.Info("rpc server shutdown complete")
	})

	return shutdownErr
}

// Close immediately closes the server without waiting for connections to close.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
