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

// Package stationcli is the operator command surface for a station: it
// loads the same configuration document the master process loads and
// dials a batch worker's IPC server directly, the way the supervisor
// does internally, since no HTTP control plane sits in front of a
// station's processes.
package stationcli

import (
	"github.com/spf13/cobra"
)

// Global flag values, set by the root command and read by subcommands.
var (
	configFlag string
	jsonFlag   bool

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version information, called from main.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand builds the stationctl root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stationctl",
		Short: "Operate a station's batch workers",
		Long: `stationctl reads a station's configuration file and talks directly to
its running batch worker processes over loopback IPC. It does not go
through an HTTP API: there isn't one in front of a station, by design.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "/etc/station/station.yaml", "Path to station configuration file")
	cmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output machine-readable JSON")

	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newManualControlCommand())
	cmd.AddCommand(newSequencesCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print stationctl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("stationctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// HandleExitError prints err (if any) and exits with its carried code,
// or ExitFailure for anything else.
func HandleExitError(err error) {
	handleExitError(err)
}
