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

	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	var (
		wipID      string
		processID  int
		operatorID int
	)

	cmd := &cobra.Command{
		Use:   "start <batch-id>",
		Short: "Start the configured sequence on a batch worker",
		Long: `Start sends START_SEQUENCE to the batch worker. Pass --wip-id,
--process-id and --operator-id to run against a real work item; omitted,
the worker runs the sequence without a backend-tracked WIP context.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			if wipID != "" {
				params["wip_id"] = wipID
				params["process_id"] = processID
				params["operator_id"] = operatorID
			}
			return runStart(cmd, args[0], params)
		},
	}

	cmd.Flags().StringVar(&wipID, "wip-id", "", "WIP identifier to start against")
	cmd.Flags().IntVar(&processID, "process-id", 0, "Backend process id for this start")
	cmd.Flags().IntVar(&operatorID, "operator-id", 0, "Operator id for this start")

	return cmd
}

func runStart(cmd *cobra.Command, batchID string, params map[string]interface{}) error {
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

	if _, err := sendCommand(ctx, client, "START_SEQUENCE", params, commandTimeout); err != nil {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("start batch %q", batchID), Cause: err}
	}

	cmd.Printf("batch %q started\n", batchID)
	return nil
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <batch-id>",
		Short: "Stop the running sequence on a batch worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args[0])
		},
	}
}

func runStop(cmd *cobra.Command, batchID string) error {
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

	if _, err := sendCommand(ctx, client, "STOP_SEQUENCE", nil, commandTimeout); err != nil {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("stop batch %q", batchID), Cause: err}
	}

	cmd.Printf("batch %q stopped\n", batchID)
	return nil
}
