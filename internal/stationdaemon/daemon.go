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

// Package stationdaemon is the master process composition root: it wires
// station configuration, logging, the event bus, the offline sync engine,
// the backend client, the subscriber fan-out, and the batch supervisor
// into one process and exposes a minimal health/metrics surface. The
// operator-facing HTTP/WebSocket API that would sit in front of this is
// out of scope; what this package builds is the typed internals a future
// route layer would serialize.
package stationdaemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stationservice/station/internal/lifecycle"
	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/station/api"
	"github.com/stationservice/station/internal/station/backend"
	"github.com/stationservice/station/internal/station/events"
	"github.com/stationservice/station/internal/station/subscribers"
	"github.com/stationservice/station/internal/station/supervisor"
	"github.com/stationservice/station/internal/station/syncqueue"
	"github.com/stationservice/station/internal/stationconfig"
	"github.com/stationservice/station/internal/stationlog"
	"github.com/stationservice/station/internal/stationmetrics"
)

// syncDrainInterval is how often the sync engine wakes to drain the
// station-level offline queue, absent an explicit ForceSync call.
const syncDrainInterval = 30 * time.Second

// defaultIPCBasePort is used when the station configuration leaves
// server.ipc_base_port unset.
const defaultIPCBasePort = 9200

// Options carries build-time version information, injected via ldflags.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the station master process.
type Daemon struct {
	cfg    *stationconfig.Config
	opts   Options
	logger *slog.Logger

	emitter      *events.Emitter
	subscribers  *subscribers.Registry
	subscription events.Subscription
	queue        *syncqueue.Queue
	backend      *backend.Client
	supervisor   *supervisor.Supervisor

	// queueDir holds each worker's per-batch offline queue database. The
	// sync engine drains those files too (SQLite arbitrates the shared
	// access), so entries enqueued by a worker that has since exited are
	// still reconciled.
	queueDir    string
	batchIDs    []string
	batchQueues map[string]*syncqueue.Queue

	pidFiles     *lifecycle.PIDFileManager
	pidPath      string
	lifecycleLog *lifecycle.LifecycleLogger
	configPath   string

	httpServer *http.Server
	ln         net.Listener

	forceSyncCh chan struct{}
	syncDone    chan struct{}

	mu      sync.Mutex
	started bool
}

// New builds a Daemon from a loaded station configuration. It performs no
// I/O beyond creating its data, batch-queue and log directories, opening
// the offline sync queue's database and constructing the backend HTTP
// client; sockets and subprocesses are not created until Start.
func New(cfg *stationconfig.Config, opts Options, configPath, workerBinary, sequenceRoot, dataDir, pidPath string) (*Daemon, error) {
	logger := stationlog.WithComponent(stationlog.New(cfg.ToStationLogConfig()), "daemon")

	be, err := backend.New(backend.Config{
		URL:         cfg.Backend.URL,
		APIKey:      cfg.Backend.APIKey,
		StationID:   cfg.Backend.StationID,
		EquipmentID: cfg.Backend.EquipmentID,
		Timeout:     cfg.Backend.Timeout,
		MaxRetries:  cfg.Backend.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("stationdaemon: construct backend client: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("stationdaemon: create data dir: %w", err)
	}
	queuePath := filepath.Join(dataDir, "station-sync.db")
	queue, err := syncqueue.Open(context.Background(), syncqueue.Config{Path: queuePath})
	if err != nil {
		return nil, fmt.Errorf("stationdaemon: open offline sync queue: %w", err)
	}

	emitter := events.New(logger)
	subs := subscribers.New(logger)

	queueDir := filepath.Join(dataDir, "batch-queues")
	if err := os.MkdirAll(queueDir, 0700); err != nil {
		return nil, fmt.Errorf("stationdaemon: create batch queue dir: %w", err)
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("stationdaemon: create log dir: %w", err)
	}

	authToken := cfg.Server.IPCAuthToken
	if authToken == "" {
		generated, err := rpc.GenerateToken()
		if err != nil {
			return nil, fmt.Errorf("stationdaemon: generate ipc auth token: %w", err)
		}
		authToken = generated
		logger.Warn("no server.ipc_auth_token configured, generated a random one for this run; " +
			"an operator CLI will need it supplied separately to reach worker processes")
	}

	basePort := cfg.Server.IPCBasePort
	if basePort == 0 {
		basePort = defaultIPCBasePort
	}

	sup := supervisor.New(supervisor.Config{
		WorkerBinary: workerBinary,
		ConfigPath:   configPath,
		SequenceRoot: sequenceRoot,
		QueueDir:     queueDir,
		LogDir:       logDir,
		AuthToken:    authToken,
		BasePort:     basePort,
		Emitter:      emitter,
		Logger:       logger,
	}, cfg.Batches)

	batchIDs := make([]string, 0, len(cfg.Batches))
	for _, b := range cfg.Batches {
		batchIDs = append(batchIDs, b.ID)
	}

	d := &Daemon{
		cfg:          cfg,
		opts:         opts,
		logger:       logger,
		emitter:      emitter,
		subscribers:  subs,
		queue:        queue,
		backend:      be,
		supervisor:   sup,
		queueDir:     queueDir,
		batchIDs:     batchIDs,
		batchQueues:  make(map[string]*syncqueue.Queue),
		pidFiles:     lifecycle.NewPIDFileManager(pidPath),
		pidPath:      pidPath,
		lifecycleLog: lifecycle.NewLifecycleLogger(filepath.Join(dataDir, "lifecycle.log")),
		configPath:   configPath,
		forceSyncCh:  make(chan struct{}, 1),
	}
	return d, nil
}

// Supervisor returns the batch supervisor, used by the CLI and a future
// route layer to drive batch lifecycle and command routing.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.supervisor }

// Emitter returns the station event bus.
func (d *Daemon) Emitter() *events.Emitter { return d.emitter }

// Subscribers returns the push-client fan-out registry.
func (d *Daemon) Subscribers() *subscribers.Registry { return d.subscribers }

// ForceSync wakes the sync engine immediately instead of waiting for the
// next drain tick.
func (d *Daemon) ForceSync() {
	select {
	case d.forceSyncCh <- struct{}{}:
	default:
	}
}

// QueueStatus reports the station-level offline queue's pending and
// failed entry counts, the typed shape a route layer or the health
// endpoint would serialize.
func (d *Daemon) QueueStatus(ctx context.Context) (api.OfflineQueueStatus, error) {
	pending, err := d.queue.CountPending(ctx)
	if err != nil {
		return api.OfflineQueueStatus{}, fmt.Errorf("stationdaemon: count pending queue entries: %w", err)
	}
	failed, err := d.queue.CountFailed(ctx)
	if err != nil {
		return api.OfflineQueueStatus{}, fmt.Errorf("stationdaemon: count failed queue entries: %w", err)
	}
	return api.OfflineQueueStatus{Pending: pending, Failed: failed}, nil
}

// Start brings up the daemon and blocks until ctx is cancelled or an
// unrecoverable error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("stationdaemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	startedAt := time.Now()
	if err := d.lifecycleLog.LogStart(d.opts.Version, os.Args, d.configPath); err != nil {
		d.logger.Warn("lifecycle log write failed", "error", err)
	}

	if err := d.pidFiles.Create(os.Getpid()); err != nil {
		if logErr := d.lifecycleLog.LogStartFailure(err); logErr != nil {
			d.logger.Warn("lifecycle log write failed", "error", logErr)
		}
		return fmt.Errorf("stationdaemon: write pid file: %w", err)
	}

	d.subscription = d.subscribers.AttachTo(d.emitter)

	if err := d.supervisor.Start(ctx); err != nil {
		if logErr := d.lifecycleLog.LogStartFailure(err); logErr != nil {
			d.logger.Warn("lifecycle log write failed", "error", logErr)
		}
		return fmt.Errorf("stationdaemon: start supervisor: %w", err)
	}

	if err := d.lifecycleLog.LogStartSuccess(os.Getpid(), 0, time.Since(startedAt)); err != nil {
		d.logger.Warn("lifecycle log write failed", "error", err)
	}

	d.syncDone = make(chan struct{})
	go d.syncEngineLoop(ctx)

	if d.cfg.Server.BindAddress != "" {
		ln, err := net.Listen("tcp", d.cfg.Server.BindAddress)
		if err != nil {
			return fmt.Errorf("stationdaemon: listen on %s: %w", d.cfg.Server.BindAddress, err)
		}
		d.ln = ln

		mux := http.NewServeMux()
		mux.HandleFunc("/health", d.handleHealth)
		mux.Handle("/metrics", stationmetrics.Handler())
		d.httpServer = &http.Server{
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		d.logger.Info("daemon listening", slog.String("addr", d.cfg.Server.BindAddress))

		errCh := make(chan error, 1)
		go func() {
			if err := d.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- err
				return
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}

	<-ctx.Done()
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	qs, err := d.QueueStatus(r.Context())
	if err != nil {
		d.logger.Warn("health check: queue status error", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"station":%q,"status":"ok","offline_queue":{"pending":%d,"failed":%d}}`,
		d.cfg.Station.ID, qs.Pending, qs.Failed)
}

// Shutdown gracefully tears the daemon down: stops the sync engine, stops
// every running batch worker, closes the offline queue, and removes the
// pid file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	stoppedAt := time.Now()
	if err := d.lifecycleLog.LogStop(os.Getpid(), false); err != nil {
		d.logger.Warn("lifecycle log write failed", "error", err)
	}

	if d.syncDone != nil {
		close(d.forceSyncCh)
		<-d.syncDone
	}

	if err := d.supervisor.Stop(ctx); err != nil {
		d.logger.Warn("supervisor stop error", "error", err)
	}

	d.emitter.Off(d.subscription)

	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown error", "error", err)
		}
	}

	if err := d.queue.Close(); err != nil {
		d.logger.Warn("offline queue close error", "error", err)
	}
	for batchID, q := range d.batchQueues {
		if err := q.Close(); err != nil {
			d.logger.Warn("batch queue close error", "batch", batchID, "error", err)
		}
	}

	if err := d.pidFiles.Remove(); err != nil {
		d.logger.Warn("pid file remove error", "error", err)
	}

	d.started = false
	if err := d.lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(stoppedAt)); err != nil {
		d.logger.Warn("lifecycle log write failed", "error", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// syncEngineLoop drains the station-level offline queue and every batch
// worker's queue file on a fixed interval and on demand via ForceSync;
// deliver lists the actions replayed.
func (d *Daemon) syncEngineLoop(ctx context.Context) {
	defer close(d.syncDone)

	ticker := time.NewTicker(syncDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-d.forceSyncCh:
			if !ok {
				return
			}
			d.drainOnce(ctx)
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Daemon) drainOnce(ctx context.Context) {
	delivered, err := d.queue.Drain(ctx, d.deliver)
	if err != nil {
		d.logger.Warn("sync engine drain error", "error", err)
	}

	pending, _ := d.queue.CountPending(ctx)
	failed, _ := d.queue.CountFailed(ctx)

	for _, batchID := range d.batchIDs {
		q, err := d.batchQueue(ctx, batchID)
		if err != nil {
			d.logger.Warn("sync engine: open batch queue", "batch", batchID, "error", err)
			continue
		}
		n, err := q.Drain(ctx, d.deliver)
		if err != nil {
			d.logger.Warn("sync engine: batch queue drain error", "batch", batchID, "error", err)
		}
		delivered += n

		p, _ := q.CountPending(ctx)
		f, _ := q.CountFailed(ctx)
		pending += p
		failed += f
	}

	if delivered > 0 {
		d.logger.Info("sync engine delivered queued entries", "count", delivered)
	}
	stationmetrics.SetOfflineQueueDepth("pending", pending)
	stationmetrics.SetOfflineQueueDepth("failed", failed)
}

// batchQueue lazily opens (and caches) a batch worker's offline queue
// database. The file path is the same one the supervisor hands the
// worker; SQLite's own locking arbitrates concurrent access.
func (d *Daemon) batchQueue(ctx context.Context, batchID string) (*syncqueue.Queue, error) {
	if q, ok := d.batchQueues[batchID]; ok {
		return q, nil
	}
	q, err := syncqueue.Open(ctx, syncqueue.Config{Path: filepath.Join(d.queueDir, batchID+".db")})
	if err != nil {
		return nil, err
	}
	d.batchQueues[batchID] = q
	return q, nil
}

// deliver replays one queued entry against the backend client: the
// worker-enqueued start/complete process operations plus the master's own
// serial-conversion retries.
func (d *Daemon) deliver(entry syncqueue.Entry) error {
	ctx := context.Background()
	switch entry.Action {
	case "start_process":
		wipIntID := int(toFloat(entry.Payload["wip_int_id"]))
		req, _ := entry.Payload["request"].(map[string]interface{})
		startReq := backend.ProcessStartRequest{
			ProcessID:  int(toFloat(req["process_id"])),
			OperatorID: int(toFloat(req["operator_id"])),
		}
		if eq, ok := req["equipment_id"].(string); ok {
			startReq.EquipmentID = eq
		}
		if raw, ok := req["started_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				startReq.StartedAt = &t
			}
		}
		_, err := d.backend.StartProcess(ctx, wipIntID, startReq)
		return err
	case "complete_process":
		wipIntID := int(toFloat(entry.Payload["wip_int_id"]))
		processID := int(toFloat(entry.Payload["process_id"]))
		operatorID := int(toFloat(entry.Payload["operator_id"]))
		completeReq := backend.ProcessCompleteRequest{}
		if result, ok := entry.Payload["result"].(string); ok {
			completeReq.Result = result
		}
		if m, ok := entry.Payload["measurements"].(map[string]interface{}); ok {
			completeReq.Measurements = m
		}
		if defects, ok := entry.Payload["defects"].([]interface{}); ok {
			for _, v := range defects {
				if s, ok := v.(string); ok {
					completeReq.Defects = append(completeReq.Defects, s)
				}
			}
		}
		_, err := d.backend.CompleteProcess(ctx, wipIntID, processID, operatorID, completeReq)
		return err
	case "convert_to_serial":
		wipIntID := int(toFloat(entry.Payload["wip_int_id"]))
		var req backend.SerialConvertRequest
		if sn, ok := entry.Payload["serial_number"].(string); ok {
			req.SerialNumber = sn
		}
		_, err := d.backend.ConvertToSerial(ctx, wipIntID, req)
		return err
	default:
		d.logger.Warn("sync engine: unknown queued action, dropping", "action", entry.Action, "entity_id", entry.EntityID)
		return nil
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
