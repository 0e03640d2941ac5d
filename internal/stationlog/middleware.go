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

package stationlog

import (
	"log/slog"
	"time"
)

// IPCRequest represents an incoming IPC command for logging purposes.
type IPCRequest struct {
	// MessageType is the type of IPC message (e.g., "START_SEQUENCE", "GET_STATUS").
	MessageType string

	// CorrelationID is the correlation ID for tracing the command across the
	// master/worker boundary.
	CorrelationID string

	// RequestID is the unique ID for this specific command.
	RequestID string

	// RemoteAddr is the remote address of the worker connection.
	RemoteAddr string

	// Metadata contains additional command metadata.
	Metadata map[string]interface{}
}

// IPCResponse represents an IPC command result for logging purposes.
type IPCResponse struct {
	// Success indicates whether the command completed successfully.
	Success bool

	// Error is the error message if the command failed.
	Error string

	// DurationMs is the duration of the command in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]interface{}
}

// LogIPCRequest logs an incoming IPC command.
func LogIPCRequest(logger *slog.Logger, req *IPCRequest) {
	attrs := []any{
		"event", "ipc_request",
		"message_type", req.MessageType,
		"remote", req.RemoteAddr,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("ipc command received", attrs...)
}

// LogIPCResponse logs an IPC command result.
func LogIPCResponse(logger *slog.Logger, req *IPCRequest, resp *IPCResponse) {
	attrs := []any{
		"event", "ipc_response",
		"message_type", req.MessageType,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
		"remote", req.RemoteAddr,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "ipc command completed"

	if !resp.Success {
		level = slog.LevelError
		message = "ipc command failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// IPCMiddleware wraps an IPC command handler with logging.
// It logs the command when it arrives and the result when it completes.
type IPCMiddleware struct {
	logger *slog.Logger
}

// NewIPCMiddleware creates a new IPC logging middleware.
func NewIPCMiddleware(logger *slog.Logger) *IPCMiddleware {
	return &IPCMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that processes an IPC command.
// It logs the command and result automatically.
func (m *IPCMiddleware) Handler(req *IPCRequest, handler func() error) error {
	start := time.Now()

	LogIPCRequest(m.logger, req)

	err := handler()

	duration := time.Since(start).Milliseconds()

	resp := &IPCResponse{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	LogIPCResponse(m.logger, req, resp)

	return err
}

// HandlerWithMetadata wraps a function that processes an IPC command and
// returns metadata. It logs the command and result with the returned
// metadata attached.
func (m *IPCMiddleware) HandlerWithMetadata(req *IPCRequest, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogIPCRequest(m.logger, req)

	metadata, err := handler()

	duration := time.Since(start).Milliseconds()

	resp := &IPCResponse{
		Success:    err == nil,
		DurationMs: duration,
		Metadata:   metadata,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	LogIPCResponse(m.logger, req, resp)

	return metadata, err
}
