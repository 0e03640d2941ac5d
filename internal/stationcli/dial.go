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

package stationcli

import (
	"context"
	"fmt"
	"time"

	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/stationconfig"
)

const defaultIPCBasePort = 9200

// loadConfig reads the configuration the running daemon was started
// with. stationctl never mutates it; it only needs the batch list and
// IPC parameters to find a worker's port and auth token.
func loadConfig() (*stationconfig.Config, error) {
	cfg, err := stationconfig.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("stationctl: %w", err)
	}
	return cfg, nil
}

// portFor computes batchID's IPC port the same way the supervisor
// does: IPCBasePort plus the batch's position in the configured list.
func portFor(cfg *stationconfig.Config, batchID string) (int, error) {
	base := cfg.Server.IPCBasePort
	if base == 0 {
		base = defaultIPCBasePort
	}
	for i, b := range cfg.Batches {
		if b.ID == batchID {
			return base + i, nil
		}
	}
	return 0, &ExitError{Code: ExitBatchNotFound, Message: fmt.Sprintf("no configured batch %q", batchID)}
}

// dialBatch connects to batchID's worker over loopback IPC, the same
// protocol and auth scheme the supervisor uses to drive the worker it
// spawned.
func dialBatch(ctx context.Context, cfg *stationconfig.Config, batchID string) (*rpc.Client, error) {
	port, err := portFor(cfg, batchID)
	if err != nil {
		return nil, err
	}

	client, err := rpc.Dial(ctx, batchID, &rpc.ClientConfig{
		URL:       fmt.Sprintf("ws://127.0.0.1:%d/ws", port),
		AuthToken: cfg.Server.IPCAuthToken,
	})
	if err != nil {
		return nil, &ExitError{
			Code:    ExitFailure,
			Message: fmt.Sprintf("connect to batch %q (is the station running?)", batchID),
			Cause:   err,
		}
	}
	return client, nil
}

// sendCommand round-trips one command and converts a worker's structured
// error reply into a Go error, so callers never mistake a rejection for
// a successful response.
func sendCommand(ctx context.Context, client *rpc.Client, command string, params interface{}, timeout time.Duration) (*rpc.Message, error) {
	resp, err := client.SendCommand(ctx, command, params, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Type == rpc.MessageTypeError && resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}
