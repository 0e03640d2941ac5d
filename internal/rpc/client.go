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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrCommandTimeout is returned when a command receives no response within its deadline.
	ErrCommandTimeout = errors.New("rpc: command timed out")
)

// EventHandler receives an event message published by a worker.
type EventHandler func(msg *Message)

// ClientConfig configures a Client connection to a worker's IPC server.
type ClientConfig struct {
	// URL is the ws:// address of the worker's IPC endpoint, e.g.
	// ws://127.0.0.1:9876/ws.
	URL string

	// AuthToken is sent as the X-Auth-Token header during the handshake.
	AuthToken string

	// DialTimeout bounds the initial connection attempt.
	// Default: 5 seconds.
	DialTimeout time.Duration

	// Logger is the structured logger for client events.
	Logger *slog.Logger
}

// Client is the supervisor's IPC connection to a single batch worker. It
// sends commands and correlates their responses, and delivers worker-
// published events to a registered handler.
type Client struct {
	config  *ClientConfig
	logger  *slog.Logger
	conn    *websocket.Conn
	BatchID string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	eventMu sync.RWMutex
	onEvent EventHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial establishes a websocket connection to a worker's IPC server and
// starts its background read loop.
func Dial(ctx context.Context, batchID string, config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, errors.New("rpc: client config is required")
	}

	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.DialTimeout}

	var header http.Header
	if config.AuthToken != "" {
		header = http.Header{}
		header.Set("X-Auth-Token", config.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", config.URL, err)
	}

	c := &Client{
		config:  config,
		logger:  config.Logger,
		conn:    conn,
		BatchID: batchID,
		pending: make(map[string]chan *Message),
		closed:  make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// OnEvent registers the handler invoked for every event message published
// by the worker. Only one handler may be registered; a later call replaces
// the previous one.
func (c *Client) OnEvent(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onEvent = handler
}

// SendCommand sends a command to the worker and blocks until either a
// response arrives, the context is cancelled, or timeout elapses.
func (c *Client) SendCommand(ctx context.Context, command string, params interface{}, timeout time.Duration) (*Message, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	req, err := NewCommand(command, c.BatchID, params)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[req.CorrelationID] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.CorrelationID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	writeErr := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("rpc: write command %s: %w", command, writeErr)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, ErrClientClosed
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, command, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClientClosed
	}
}

// readLoop dispatches incoming responses to waiting callers and incoming
// events to the registered handler. It runs until the connection closes.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("ipc client read error", "batchId", c.BatchID, "error", err)
			}
			return
		}

		msg, err := ParseMessage(payload)
		if err != nil {
			c.logger.Warn("malformed ipc message", "batchId", c.BatchID, "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeResponse, MessageTypeError:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.CorrelationID]
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case MessageTypeEvent:
			c.eventMu.RLock()
			handler := c.onEvent
			c.eventMu.RUnlock()
			if handler != nil {
				handler(msg)
			}
		case MessageTypeHandshake:
			// Acknowledged implicitly; no action required.
		default:
			c.logger.Debug("ignoring unexpected ipc message", "type", msg.Type)
		}
	}
}

// Close closes the underlying connection and releases any pending callers
// with ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}
