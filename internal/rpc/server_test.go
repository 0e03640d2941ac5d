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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// waitForServerReady polls the health endpoint until the server is ready or timeout.
func waitForServerReady(t *testing.T, port int) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond, "server should become ready")
}

func TestServerConfig_Defaults(t *testing.T) {
	config := DefaultConfig()

	if config.PortRange != [2]int{9876, 9899} {
		t.Errorf("expected default port range [9876,9899], got %v", config.PortRange)
	}

	if config.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected default shutdown timeout 5s, got %v", config.ShutdownTimeout)
	}

	if config.Logger == nil {
		t.Error("expected default logger, got nil")
	}
}

func TestNewServer(t *testing.T) {
	tests := []struct {
		name   string
		config *ServerConfig
	}{
		{
			name:   "with nil config",
			config: nil,
		},
		{
			name:   "with custom config",
			config: &ServerConfig{PortRange: [2]int{10000, 10010}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(tt.config)
			if server == nil {
				t.Fatal("expected server, got nil")
			}

			if server.config == nil {
				t.Error("expected config, got nil")
			}

			if server.logger == nil {
				t.Error("expected logger, got nil")
			}

			if server.connections == nil {
				t.Error("expected connections map, got nil")
			}
		})
	}
}

func TestServer_StartAndPort(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{19876, 19890},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	if port < config.PortRange[0] || port > config.PortRange[1] {
		t.Errorf("port %d outside configured range %v", port, config.PortRange)
	}

	if server.Port() != port {
		t.Errorf("Port() returned %d, expected %d", server.Port(), port)
	}

	// Starting again should return same port
	port2, err := server.Start(ctx)
	if err != nil {
		t.Errorf("second start failed: %v", err)
	}

	if port2 != port {
		t.Errorf("second start returned different port: %d vs %d", port2, port)
	}
}

func TestServer_PortBindingFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{1, 1}, // Port 1 requires root, will fail
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	_, err := server.Start(ctx)
	if err == nil {
		t.Fatal("expected error when no port in range is available")
	}

	if err != ErrNoPortAvailable {
		t.Errorf("expected ErrNoPortAvailable, got %v", err)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{19900, 19910},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("health check request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if health["status"] != "ready" {
		t.Errorf("expected status 'ready', got %q", health["status"])
	}

	if health["version"] == "" {
		t.Error("expected version in health response")
	}

	if health["message"] == "" {
		t.Error("expected message in health response")
	}
}

func TestServer_HealthEndpoint_AfterShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange:       [2]int{19921, 19930},
		ShutdownTimeout: 1 * time.Second,
		Logger:          logger,
	}

	server := NewServer(config)

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		if !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("unexpected error: %v", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		t.Error("expected non-OK status after shutdown")
	}
}

func TestServer_WebSocketUpgrade(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{19941, 19950},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	if conn == nil {
		t.Fatal("expected connection, got nil")
	}
}

func TestServer_WebSocketAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authToken := "test-secret-token-12345"
	config := &ServerConfig{
		PortRange: [2]int{19961, 19970},
		AuthToken: authToken,
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	t.Run("without token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			t.Fatal("expected dial to fail without auth token")
		}

		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", resp.StatusCode)
		}
	})

	t.Run("with wrong token", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Auth-Token", "wrong-token")

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
		if err == nil {
			t.Fatal("expected dial to fail with wrong token")
		}

		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", resp.StatusCode)
		}
	})

	t.Run("with correct token", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Auth-Token", authToken)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
		if err != nil {
			t.Fatalf("dial with correct token failed: %v", err)
		}
		defer conn.Close()

		if conn == nil {
			t.Fatal("expected connection, got nil")
		}
	})
}

func TestServer_RateLimiting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authToken := "test-secret-token-rate-limit"
	config := &ServerConfig{
		PortRange: [2]int{20021, 20030},
		AuthToken: authToken,
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	t.Run("rate limit after max failed attempts", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Auth-Token", "wrong-token")

		for i := 0; i < MaxFailedAttempts; i++ {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
			if err == nil {
				t.Fatal("expected dial to fail with wrong token")
			}

			if resp == nil {
				t.Fatal("expected response, got nil")
			}

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("attempt %d: expected status 401, got %d", i, resp.StatusCode)
			}
		}

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, headers)
		if err == nil {
			t.Fatal("expected dial to fail due to rate limit")
		}

		if resp == nil {
			t.Fatal("expected response, got nil")
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("expected status 429, got %d", resp.StatusCode)
		}
	})
}

func TestServer_Shutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange:       [2]int{19981, 19990},
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	}

	server := NewServer(config)

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	shutdownErr := server.Shutdown(ctx)
	if shutdownErr != nil {
		t.Errorf("shutdown failed: %v", shutdownErr)
	}

	if err := server.Shutdown(ctx); err != ErrServerClosed {
		t.Errorf("expected ErrServerClosed on second shutdown, got %v", err)
	}

	if _, err := server.Start(ctx); err != ErrServerClosed {
		t.Errorf("expected ErrServerClosed after shutdown, got %v", err)
	}
}

func TestServer_ShutdownWithConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange:       [2]int{20001, 20010},
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	}

	server := NewServer(config)

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	shutdownErr := server.Shutdown(ctx)
	if shutdownErr != nil {
		t.Errorf("shutdown with connections failed: %v", shutdownErr)
	}

	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Error("expected read error after shutdown")
	}
}

func TestServer_CommandDispatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{20041, 20050},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	registry := NewRegistry()
	registry.Register("PING", func(ctx context.Context, req *Message) (*Message, error) {
		return NewResponse(req.CorrelationID, map[string]string{"status": "ok"})
	})
	server.SetRegistry(registry)

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	req, err := NewCommand("PING", "batch-1", nil)
	if err != nil {
		t.Fatalf("NewCommand() failed: %v", err)
	}

	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if resp.Type != MessageTypeResponse {
		t.Errorf("expected response type, got %s", resp.Type)
	}

	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("expected correlation ID %s, got %s", req.CorrelationID, resp.CorrelationID)
	}
}

func TestServer_PublishEvent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{20081, 20090},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the connection before publishing.
	require.Eventually(t, func() bool {
		server.connMu.RLock()
		defer server.connMu.RUnlock()
		return len(server.connections) == 1
	}, time.Second, 10*time.Millisecond, "connection should be tracked")

	if err := server.PublishEvent("batch-1", "STATUS_UPDATE", map[string]string{"status": "running"}); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if msg.Type != MessageTypeEvent {
		t.Errorf("expected event type, got %s", msg.Type)
	}

	if msg.BatchID != "batch-1" {
		t.Errorf("expected batch ID 'batch-1', got %s", msg.BatchID)
	}

	if msg.EventType != "STATUS_UPDATE" {
		t.Errorf("expected event type 'STATUS_UPDATE', got %s", msg.EventType)
	}
}

func TestServer_CommandDispatch_NotFound(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := &ServerConfig{
		PortRange: [2]int{20061, 20070},
		Logger:    logger,
	}

	server := NewServer(config)
	defer server.Close()

	ctx := context.Background()
	port, err := server.Start(ctx)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	waitForServerReady(t, port)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	req, err := NewCommand("NO_SUCH_COMMAND", "batch-1", nil)
	if err != nil {
		t.Fatalf("NewCommand() failed: %v", err)
	}

	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if resp.Type != MessageTypeError {
		t.Errorf("expected error type, got %s", resp.Type)
	}
}
