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
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stationservice/station/internal/station/api"
)

const commandTimeout = 10 * time.Second

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Report a batch worker's current execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, batchID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	client, err := dialBatch(ctx, cfg, batchID)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := sendCommand(ctx, client, "GET_STATUS", nil, commandTimeout)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("get status for batch %q", batchID), Cause: err}
	}

	var result map[string]interface{}
	if err := resp.UnmarshalResult(&result); err != nil {
		return &ExitError{Code: ExitFailure, Message: "decode status response", Cause: err}
	}
	status := api.BatchStatusFromResult(batchID, result)

	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	cmd.Printf("batch:   %s\n", status.BatchID)
	cmd.Printf("status:  %s\n", status.Status)
	cmd.Printf("progress: %d%%\n", status.Progress)
	if status.ExecutionID != "" {
		cmd.Printf("execution: %s\n", status.ExecutionID)
	}
	return nil
}
