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
	"os"

	"github.com/spf13/cobra"
)

func newManualControlCommand() *cobra.Command {
	var (
		hardware    string
		command     string
		paramsJSON  string
		accessToken string
	)

	cmd := &cobra.Command{
		Use:   "manual-control <batch-id>",
		Short: "Drive a batch's hardware directly outside a sequence run",
		Long: `manual-control issues a single hardware command to a batch worker's
driver, bypassing sequence execution. Because this reaches real
equipment, it refuses to run unless the operator presents a backend
session access token that hasn't already expired.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accessToken == "" {
				accessToken = os.Getenv("STATION_ACCESS_TOKEN")
			}
			if err := checkSessionNotExpired(accessToken); err != nil {
				return &ExitError{Code: ExitUnauthorized, Message: "manual control denied", Cause: err}
			}

			params := map[string]interface{}{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return &ExitError{Code: ExitFailure, Message: "parse --params as JSON", Cause: err}
				}
			}

			return runManualControl(cmd, args[0], hardware, command, params)
		},
	}

	cmd.Flags().StringVar(&hardware, "hardware", "", "Configured hardware driver name (required)")
	cmd.Flags().StringVar(&command, "command", "", "Driver method to invoke (required)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON object of parameters for the command")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "Backend session access token (default: $STATION_ACCESS_TOKEN)")
	cmd.MarkFlagRequired("hardware")
	cmd.MarkFlagRequired("command")

	return cmd
}

func runManualControl(cmd *cobra.Command, batchID, hardware, command string, params map[string]interface{}) error {
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

	resp, err := sendCommand(ctx, client, "MANUAL_CONTROL", map[string]interface{}{
		"hardware": hardware,
		"command":  command,
		"params":   params,
	}, commandTimeout)
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("manual control on batch %q", batchID), Cause: err}
	}

	var result map[string]interface{}
	if err := resp.UnmarshalResult(&result); err != nil {
		return &ExitError{Code: ExitFailure, Message: "decode manual control response", Cause: err}
	}

	if jsonFlag {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	cmd.Printf("result: %v\n", result["result"])
	return nil
}
