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

/*
Package rpc provides a WebSocket-based IPC transport between the station
supervisor and its batch worker subprocesses.

This package implements a bidirectional command/response protocol over
local WebSocket connections, used by the supervisor to drive a worker's
sequence executor and receive status updates and events in return.

# Overview

The IPC server supports:

  - Command/response messaging with correlation IDs
  - Event streams for sequence progress (step start/complete, logs)
  - Token-based authentication
  - Multiple concurrent worker connections

# Server Setup

Create and start an IPC server:

	cfg := &rpc.ServerConfig{
	    PortRange: [2]int{9000, 9100},
	    AuthToken: "secret-token",
	    Logger:    slog.Default(),
	}

	server := rpc.NewServer(cfg)
	port, err := server.Start(ctx)
	if err != nil {
	    log.Fatal(err)
	}

# Commands

The supervisor dispatches these commands to a worker:

  - START_SEQUENCE: begin executing a named sequence with parameters
  - STOP_SEQUENCE: request cooperative cancellation of the running sequence
  - GET_STATUS: report current batch/sequence/hardware status
  - MANUAL_CONTROL: invoke a single hardware driver action directly
  - SHUTDOWN: request a graceful worker exit
  - PING: liveness probe

# Protocol

Messages follow a JSON envelope:

	// Request
	{
	    "type": "request",
	    "correlationId": "req-123",
	    "command": "START_SEQUENCE",
	    "batchId": "batch-1",
	    "params": {...}
	}

	// Response
	{
	    "type": "response",
	    "correlationId": "req-123",
	    "result": {...}
	}

	// Error
	{
	    "type": "error",
	    "correlationId": "req-123",
	    "error": {
	        "code": "SEQUENCE_NOT_FOUND",
	        "message": "no sequence registered with that name"
	    }
	}

# Authentication

When AuthToken is configured, a connecting peer must present it in the
X-Auth-Token header during the WebSocket upgrade. Validation is
constant-time and rate-limited per remote address.

# Connection Lifecycle

 1. Each worker hosts a Server on its supervisor-assigned port
 2. The supervisor (or an operator CLI) dials in as a Client
 3. The server validates authentication (if enabled)
 4. Bidirectional message exchange for the batch's lifetime
 5. The server tracks active connections for graceful shutdown

# Graceful Shutdown

The server supports graceful shutdown:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
	    log.Printf("Shutdown error: %v", err)
	}

Active connections are closed with a close frame.
*/
package rpc
