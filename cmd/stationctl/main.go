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

// Command stationctl is the operator CLI for a running station: it
// dials batch worker processes directly over loopback IPC to report
// status and drive sequence and manual-control commands.
package main

import (
	"github.com/stationservice/station/internal/stationcli"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	stationcli.SetVersion(version, commit, buildDate)

	rootCmd := stationcli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		stationcli.HandleExitError(err)
	}
}
