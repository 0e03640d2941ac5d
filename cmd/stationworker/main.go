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

// Command stationworker is the batch worker subprocess. The supervisor
// spawns one of these per configured batch, passing it a dedicated IPC
// port and the batch's sequence package and hardware configuration; it
// runs until SHUTDOWN arrives over IPC or it receives SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/sequences/loader"
	"github.com/stationservice/station/internal/station/backend"
	"github.com/stationservice/station/internal/station/syncqueue"
	"github.com/stationservice/station/internal/station/worker"
	"github.com/stationservice/station/internal/stationconfig"
	"github.com/stationservice/station/internal/stationlog"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to station configuration file")
		batchID      = flag.String("batch", "", "Batch id this worker serves")
		port         = flag.Int("port", 0, "IPC port to bind (assigned by the supervisor)")
		authToken    = flag.String("auth-token", "", "IPC auth token shared with the supervisor")
		sequenceRoot = flag.String("sequence-root", "", "Root directory of sequence packages")
		queuePath    = flag.String("queue-path", "", "SQLite path for the offline sync queue")
	)
	flag.Parse()

	logger := stationlog.New(stationlog.FromEnv())
	logger = stationlog.WithBatchContext(logger, *batchID)
	slog.SetDefault(logger)

	if *batchID == "" || *port == 0 {
		logger.Error("--batch and --port are required")
		os.Exit(1)
	}

	cfg, err := stationconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load station configuration", "error", err)
		os.Exit(1)
	}

	batchCfg, ok := findBatch(cfg, *batchID)
	if !ok {
		logger.Error("batch not found in configuration", "batch", *batchID)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loader.New(*sequenceRoot, logger)
	if err := l.Watch(); err != nil {
		logger.Warn("manifest watch unavailable, cache will not self-invalidate", "error", err)
	}
	defer l.Close()
	built, err := worker.Build(ctx, l, batchCfg.SequencePackage, batchCfg.Hardware, logger)
	if err != nil {
		logger.Error("failed to build sequence", "error", err)
		os.Exit(1)
	}
	defer worker.DisconnectAll(context.Background(), built.Hardware, logger)

	backendClient, err := backend.New(backend.Config{
		URL:         cfg.Backend.URL,
		APIKey:      cfg.Backend.APIKey,
		StationID:   cfg.Backend.StationID,
		EquipmentID: cfg.Backend.EquipmentID,
		Timeout:     cfg.Backend.Timeout,
		MaxRetries:  cfg.Backend.MaxRetries,
	})
	if err != nil {
		logger.Error("failed to construct backend client", "error", err)
		os.Exit(1)
	}
	if cfg.Backend.URL != "" && !backendClient.HealthCheck(ctx) {
		logger.Warn("backend health check failed, starting offline; operations will queue for later sync")
	}

	if *queuePath == "" {
		logger.Error("--queue-path is required")
		os.Exit(1)
	}
	queue, err := syncqueue.Open(ctx, syncqueue.Config{Path: *queuePath})
	if err != nil {
		logger.Error("failed to open offline sync queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	server := rpc.NewServer(&rpc.ServerConfig{
		PortRange: [2]int{*port, *port},
		AuthToken: *authToken,
		Logger:    logger,
	})

	w := worker.New(worker.Config{
		BatchID:  *batchID,
		Manifest: built.Manifest,
		Sequence: built.Sequence,
		Hardware: built.Hardware,
		Server:   server,
		Backend:  backendClient,
		Queue:    queue,
		Logger:   logger,
	})

	boundPort, err := server.Start(ctx)
	if err != nil {
		logger.Error("failed to start ipc server", "error", err)
		os.Exit(1)
	}
	logger.Info("worker started", "batch", *batchID, "port", boundPort, "sequence", batchCfg.SequencePackage)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("worker received signal %v, shutting down\n", sig)
	case <-w.Done():
		logger.Info("worker received shutdown command")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ipc server shutdown did not complete cleanly", "error", err)
	}
}

func findBatch(cfg *stationconfig.Config, batchID string) (stationconfig.BatchConfig, bool) {
	for _, b := range cfg.Batches {
		if b.ID == batchID {
			return b, true
		}
	}
	return stationconfig.BatchConfig{}, false
}
