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

// Command stationd is the station control service's master process: it
// loads the station configuration, supervises one worker subprocess per
// configured batch, drains the offline sync queue, and exposes a minimal
// health/metrics surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stationservice/station/internal/stationconfig"
	"github.com/stationservice/station/internal/stationdaemon"
	"github.com/stationservice/station/internal/stationlog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", stationconfig.DefaultPath("/etc/station/station.yaml"), "Path to station configuration file")
		workerBinary = flag.String("worker-binary", "stationworker", "Path to the stationworker executable")
		sequenceRoot = flag.String("sequence-root", "/etc/station/sequences", "Root directory of sequence packages")
		dataDir      = flag.String("data-dir", "/var/lib/station", "Directory for the offline sync queue, per-batch queues, and worker logs")
		pidFile      = flag.String("pid-file", "/var/run/stationd.pid", "Path to write the daemon's pid file")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("stationd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := stationlog.New(stationlog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := stationconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load station configuration", "error", err)
		os.Exit(1)
	}

	d, err := stationdaemon.New(cfg, stationdaemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, *configPath, *workerBinary, *sequenceRoot, *dataDir, *pidFile)
	if err != nil {
		logger.Error("failed to construct daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", "error", err)
			os.Exit(1)
		}
	}
}
