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
	"encoding/json"

	"github.com/spf13/cobra"
)

func newSequencesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sequences",
		Short: "List configured batches and the sequence package each one runs",
		Long: `Sequence packages are registered inside a batch worker process, not
visible from the CLI's own process, so this reports what the
configuration document assigns rather than querying a running worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequences(cmd)
		},
	}
}

func runSequences(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if jsonFlag {
		type row struct {
			BatchID         string `json:"batch_id"`
			Name            string `json:"name"`
			SequencePackage string `json:"sequence_package"`
		}
		rows := make([]row, 0, len(cfg.Batches))
		for _, b := range cfg.Batches {
			rows = append(rows, row{BatchID: b.ID, Name: b.Name, SequencePackage: b.SequencePackage})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	for _, b := range cfg.Batches {
		cmd.Printf("%-16s %-24s %s\n", b.ID, b.Name, b.SequencePackage)
	}
	return nil
}
