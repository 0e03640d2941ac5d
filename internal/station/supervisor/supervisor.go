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

// Package supervisor is the master-side lifecycle manager for batch
// worker subprocesses: it spawns and tears them down, dials their IPC
// servers, routes commands, forwards their published events onto the
// station event bus, and polls for crashed processes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/stationservice/station/internal/lifecycle"
	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/station/events"
	"github.com/stationservice/station/internal/station/stationerrors"
	"github.com/stationservice/station/internal/stationconfig"
	"github.com/stationservice/station/internal/stationlog"
	"github.com/stationservice/station/internal/stationmetrics"
)

// monitorInterval is how often the supervisor polls running worker pids
// for unexpected exit.
const monitorInterval = time.Second

// shutdownCommandTimeout bounds how long stopBatch waits for a worker's
// SHUTDOWN response before falling back to a forced process kill.
const shutdownCommandTimeout = 5 * time.Second

// workerStartTimeout bounds how long startBatch waits for a spawned
// worker's IPC server to come up.
const workerStartTimeout = 10 * time.Second

// Config configures a Supervisor.
type Config struct {
	// WorkerBinary is the path to the stationworker executable.
	WorkerBinary string
	// ConfigPath is passed through to every spawned worker.
	ConfigPath string
	// SequenceRoot is the sequence package directory passed to workers.
	SequenceRoot string
	// QueueDir holds each batch's offline sync queue SQLite file.
	QueueDir string
	// LogDir holds each batch's spawned-process stdout/stderr log.
	LogDir string
	// AuthToken is the shared IPC auth token workers require.
	AuthToken string
	// BasePort is the first port assigned to a batch worker; each
	// subsequent batch (by config order) gets BasePort+index.
	BasePort int
	// Emitter is the station event bus events are forwarded onto.
	Emitter *events.Emitter
	Logger  *slog.Logger
}

// runningWorker is the supervisor's live handle to one spawned worker.
type runningWorker struct {
	pid       int
	port      int
	client    *rpc.Client
	startedAt time.Time
}

// Supervisor owns the running-batches map and the worker monitor loop.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	spawner *lifecycle.Spawner

	mu      sync.RWMutex
	batches map[string]stationconfig.BatchConfig
	order   []string
	running map[string]*runningWorker

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New constructs a Supervisor from the station's configured batch list.
// It does not spawn anything until start is called.
func New(cfg Config, batches []stationconfig.BatchConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = stationlog.WithComponent(logger, "supervisor")

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		spawner: lifecycle.NewSpawner(),
		batches: make(map[string]stationconfig.BatchConfig, len(batches)),
		running: make(map[string]*runningWorker),
	}
	for _, b := range batches {
		s.batches[b.ID] = b
		s.order = append(s.order, b.ID)
	}
	return s
}

// start binds no network resources of its own (the IPC server lives in
// each worker); it auto-starts every batch with AutoStart set, then
// launches the monitor loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	for _, id := range ids {
		s.mu.RLock()
		b := s.batches[id]
		s.mu.RUnlock()
		if !b.AutoStart {
			continue
		}
		if err := s.StartBatch(ctx, id); err != nil {
			s.logger.Warn("auto-start failed", "batch", id, "error", err)
		}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	go s.monitorLoop(monitorCtx)

	return nil
}

// stop halts the monitor loop and gracefully shuts down every running
// worker.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.monitorCancel != nil {
		s.monitorCancel()
		<-s.monitorDone
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.StopBatch(ctx, id, shutdownCommandTimeout); err != nil {
			s.logger.Warn("stop batch during shutdown failed", "batch", id, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) portFor(batchID string) int {
	for i, id := range s.order {
		if id == batchID {
			return s.cfg.BasePort + i
		}
	}
	return s.cfg.BasePort
}

// StartBatch spawns batchID's worker subprocess, dials its IPC server,
// and registers it as running.
func (s *Supervisor) StartBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return &stationerrors.BatchNotFoundError{BatchID: batchID}
	}
	if _, running := s.running[batchID]; running {
		s.mu.Unlock()
		return &stationerrors.BatchAlreadyRunningError{BatchID: batchID}
	}
	s.mu.Unlock()

	port := s.portFor(batchID)
	args := []string{
		"-config", s.cfg.ConfigPath,
		"-batch", batchID,
		"-port", fmt.Sprintf("%d", port),
		"-sequence-root", s.cfg.SequenceRoot,
		"-queue-path", filepath.Join(s.cfg.QueueDir, batchID+".db"),
	}
	if s.cfg.AuthToken != "" {
		args = append(args, "-auth-token", s.cfg.AuthToken)
	}

	logPath := filepath.Join(s.cfg.LogDir, batchID+".log")
	pid, err := s.spawner.SpawnDetached(s.cfg.WorkerBinary, args, logPath)
	if err != nil {
		return fmt.Errorf("supervisor: spawn worker for batch %q: %w", batchID, err)
	}

	// Wait for the worker's IPC server to answer /health before dialing
	// the websocket, so a slow driver-connect phase doesn't surface as a
	// dial failure.
	checker := lifecycle.NewHealthChecker(fmt.Sprintf("http://127.0.0.1:%d/health", port)).
		WithBackoff(100*time.Millisecond, time.Second, 2.0)
	if err := checker.WaitUntilHealthy(workerStartTimeout); err != nil {
		_ = lifecycle.GracefulShutdown(pid, shutdownCommandTimeout, true)
		return fmt.Errorf("supervisor: worker for batch %q never became healthy: %w", batchID, err)
	}

	client, err := dialWorker(ctx, batchID, port, s.cfg.AuthToken, s.logger)
	if err != nil {
		_ = lifecycle.GracefulShutdown(pid, shutdownCommandTimeout, true)
		return fmt.Errorf("supervisor: connect to worker for batch %q: %w", batchID, err)
	}

	client.OnEvent(func(msg *rpc.Message) {
		s.forwardEvent(batchID, msg)
	})

	s.mu.Lock()
	s.running[batchID] = &runningWorker{pid: pid, port: port, client: client, startedAt: time.Now()}
	s.mu.Unlock()

	stationmetrics.SetBatchRunning(batchID, true)
	s.cfg.Emitter.Emit(events.BatchStarted, batchID, map[string]interface{}{"pid": pid})
	s.cfg.Emitter.Emit(events.BatchStatusChanged, batchID, map[string]interface{}{"status": "running"})

	s.logger.Info("batch started", "batch", batchID, "pid", pid, "port", port, "sequence_package", b.SequencePackage)
	return nil
}

// dialWorker connects to a worker whose /health endpoint has already
// answered, so a single dial attempt suffices.
func dialWorker(ctx context.Context, batchID string, port int, authToken string, logger *slog.Logger) (*rpc.Client, error) {
	return rpc.Dial(ctx, batchID, &rpc.ClientConfig{
		URL:       fmt.Sprintf("ws://127.0.0.1:%d/ws", port),
		AuthToken: authToken,
		Logger:    logger,
	})
}

// forwardEvent translates a worker-published IPC event into a station
// event bus emission.
func (s *Supervisor) forwardEvent(batchID string, msg *rpc.Message) {
	var data map[string]interface{}
	if err := msg.UnmarshalEventData(&data); err != nil {
		s.logger.Warn("failed to unmarshal event data", "batch", batchID, "error", err)
		return
	}

	eventType, ok := eventTypeFromIPC(msg.EventType)
	if !ok {
		return
	}
	s.cfg.Emitter.Emit(eventType, batchID, data)
}

// eventTypeFromIPC maps a worker's IPC event-type vocabulary onto the
// station bus's event types. STATUS_UPDATE events are absorbed into
// BATCH_STATUS_CHANGED rather than forwarded under their own name.
func eventTypeFromIPC(ipcType string) (events.Type, bool) {
	switch ipcType {
	case "STEP_START":
		return events.StepStarted, true
	case "STEP_COMPLETE":
		return events.StepCompleted, true
	case "SEQUENCE_COMPLETE":
		return events.SequenceCompleted, true
	case "WIP_PROCESS_COMPLETE":
		return events.WIPProcessComplete, true
	case "LOG":
		return events.Log, true
	case "ERROR":
		return events.Error, true
	case "STATUS_UPDATE":
		return events.BatchStatusChanged, true
	default:
		return "", false
	}
}

// StopBatch attempts a graceful SHUTDOWN over IPC first, falling back to
// a forced process kill if the worker doesn't exit within timeout.
func (s *Supervisor) StopBatch(ctx context.Context, batchID string, timeout time.Duration) error {
	s.mu.Lock()
	rw, ok := s.running[batchID]
	if !ok {
		s.mu.Unlock()
		return &stationerrors.BatchNotRunningError{BatchID: batchID}
	}
	delete(s.running, batchID)
	s.mu.Unlock()

	_, err := rw.client.SendCommand(ctx, "SHUTDOWN", nil, timeout)
	if err != nil {
		s.logger.Warn("shutdown command failed, forcing process kill", "batch", batchID, "error", err)
	}
	rw.client.Close()

	if err := lifecycle.GracefulShutdown(rw.pid, timeout, true); err != nil {
		s.logger.Warn("graceful shutdown did not complete cleanly", "batch", batchID, "pid", rw.pid, "error", err)
	}

	stationmetrics.SetBatchRunning(batchID, false)
	s.cfg.Emitter.Emit(events.BatchStopped, batchID, map[string]interface{}{"pid": rw.pid})
	s.cfg.Emitter.Emit(events.BatchStatusChanged, batchID, map[string]interface{}{"status": "idle"})

	s.logger.Info("batch stopped", "batch", batchID, "pid", rw.pid)
	return nil
}

// RestartBatch stops then starts a batch. A not-running batch is started
// directly rather than treated as an error.
func (s *Supervisor) RestartBatch(ctx context.Context, batchID string) error {
	s.mu.RLock()
	_, running := s.running[batchID]
	s.mu.RUnlock()

	if running {
		if err := s.StopBatch(ctx, batchID, shutdownCommandTimeout); err != nil {
			return err
		}
	}
	return s.StartBatch(ctx, batchID)
}

// SendCommand proxies a raw IPC command to a running batch's worker.
func (s *Supervisor) SendCommand(ctx context.Context, batchID, command string, params interface{}, timeout time.Duration) (*rpc.Message, error) {
	s.mu.RLock()
	rw, ok := s.running[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, &stationerrors.WorkerDisconnectedError{BatchID: batchID}
	}

	resp, err := rw.client.SendCommand(ctx, command, params, timeout)
	if err != nil {
		return nil, fmt.Errorf("supervisor: command %s to batch %q: %w", command, batchID, err)
	}
	if resp.Type == rpc.MessageTypeError && resp.Error != nil {
		return nil, fmt.Errorf("supervisor: batch %q rejected %s: %s", batchID, command, resp.Error.Message)
	}
	return resp, nil
}

// StartSequence, StopSequence, and ManualControl are thin proxies onto
// SendCommand for the three worker commands an operator drives directly.
func (s *Supervisor) StartSequence(ctx context.Context, batchID string, params map[string]interface{}) (*rpc.Message, error) {
	return s.SendCommand(ctx, batchID, "START_SEQUENCE", params, 10*time.Second)
}

func (s *Supervisor) StopSequence(ctx context.Context, batchID string) (*rpc.Message, error) {
	return s.SendCommand(ctx, batchID, "STOP_SEQUENCE", nil, 10*time.Second)
}

func (s *Supervisor) ManualControl(ctx context.Context, batchID, hardware, command string, params map[string]interface{}) (*rpc.Message, error) {
	return s.SendCommand(ctx, batchID, "MANUAL_CONTROL", map[string]interface{}{
		"hardware": hardware, "command": command, "params": params,
	}, 10*time.Second)
}

// GetBatchStatus merges the static batch config with live GET_STATUS
// data when the batch is running.
func (s *Supervisor) GetBatchStatus(ctx context.Context, batchID string) (map[string]interface{}, error) {
	s.mu.RLock()
	b, ok := s.batches[batchID]
	_, running := s.running[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, &stationerrors.BatchNotFoundError{BatchID: batchID}
	}

	status := map[string]interface{}{
		"id":               b.ID,
		"name":             b.Name,
		"sequence_package": b.SequencePackage,
		"running":          running,
	}
	if !running {
		status["status"] = "IDLE"
		return status, nil
	}

	resp, err := s.SendCommand(ctx, batchID, "GET_STATUS", nil, 5*time.Second)
	if err != nil {
		return status, err
	}
	var live map[string]interface{}
	if err := resp.UnmarshalResult(&live); err != nil {
		return status, fmt.Errorf("supervisor: unmarshal status for batch %q: %w", batchID, err)
	}
	for k, v := range live {
		status[k] = v
	}
	return status, nil
}

// GetAllBatchStatuses returns GetBatchStatus for every configured batch,
// in configured order.
func (s *Supervisor) GetAllBatchStatuses(ctx context.Context) map[string]map[string]interface{} {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	result := make(map[string]map[string]interface{}, len(ids))
	for _, id := range ids {
		status, err := s.GetBatchStatus(ctx, id)
		if err != nil {
			s.logger.Warn("get batch status failed", "batch", id, "error", err)
		}
		result[id] = status
	}
	return result
}

// AddBatch registers a new batch config in memory. It does not write the
// station configuration document; that is the daemon's responsibility.
func (s *Supervisor) AddBatch(b stationconfig.BatchConfig) error {
	s.mu.Lock()
	if _, exists := s.batches[b.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: batch %q already exists", b.ID)
	}
	s.batches[b.ID] = b
	s.order = append(s.order, b.ID)
	s.mu.Unlock()

	s.cfg.Emitter.Emit(events.BatchCreated, b.ID, map[string]interface{}{"name": b.Name, "sequence_package": b.SequencePackage})
	return nil
}

// RemoveBatch removes a batch config. It fails if the batch is currently
// running.
func (s *Supervisor) RemoveBatch(batchID string) error {
	s.mu.Lock()
	if _, running := s.running[batchID]; running {
		s.mu.Unlock()
		return &stationerrors.BatchAlreadyRunningError{BatchID: batchID}
	}
	if _, ok := s.batches[batchID]; !ok {
		s.mu.Unlock()
		return &stationerrors.BatchNotFoundError{BatchID: batchID}
	}
	delete(s.batches, batchID)
	for i, id := range s.order {
		if id == batchID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.cfg.Emitter.Emit(events.BatchDeleted, batchID, nil)
	return nil
}

// GetHardwareStatus combines the batch's configured hardware names with
// whatever status the worker reports, when running.
func (s *Supervisor) GetHardwareStatus(ctx context.Context, batchID string) (map[string]interface{}, error) {
	s.mu.RLock()
	b, ok := s.batches[batchID]
	_, running := s.running[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, &stationerrors.BatchNotFoundError{BatchID: batchID}
	}

	hardware := make(map[string]interface{}, len(b.Hardware))
	for name := range b.Hardware {
		hardware[name] = map[string]interface{}{"configured": true, "connected": false}
	}
	if !running {
		return hardware, nil
	}

	resp, err := s.SendCommand(ctx, batchID, "GET_STATUS", map[string]interface{}{"include_hardware": true}, 5*time.Second)
	if err != nil {
		return hardware, err
	}
	var live struct {
		Hardware map[string]map[string]interface{} `json:"hardware"`
	}
	if err := resp.UnmarshalResult(&live); err != nil {
		return hardware, fmt.Errorf("supervisor: unmarshal hardware status for batch %q: %w", batchID, err)
	}
	for name, status := range live.Hardware {
		merged, _ := hardware[name].(map[string]interface{})
		if merged == nil {
			merged = map[string]interface{}{"configured": false}
		}
		for k, v := range status {
			merged[k] = v
		}
		hardware[name] = merged
	}
	return hardware, nil
}

// GetAllBatchStatistics returns per-batch pass/fail/pass-rate totals,
// pulled from the worker's GET_STATUS statistics block when running and
// zeroed when not.
func (s *Supervisor) GetAllBatchStatistics(ctx context.Context) map[string]map[string]interface{} {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	result := make(map[string]map[string]interface{}, len(ids))
	for _, id := range ids {
		stats := map[string]interface{}{"total": 0, "pass": 0, "fail": 0, "pass_rate": 0.0}

		resp, err := s.SendCommand(ctx, id, "GET_STATUS", nil, 5*time.Second)
		if err == nil {
			var live map[string]interface{}
			if uerr := resp.UnmarshalResult(&live); uerr == nil {
				if total, ok := live["total_statistics"].(map[string]interface{}); ok {
					stats = total
				}
			}
		}
		result[id] = stats
	}
	return result
}

// monitorLoop polls every running worker's pid once per monitorInterval
// and reflects an unexpected exit as a crash.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	defer close(s.monitorDone)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

func (s *Supervisor) checkLiveness() {
	s.mu.RLock()
	crashed := make([]string, 0)
	pids := make(map[string]int, len(s.running))
	for id, rw := range s.running {
		pids[id] = rw.pid
	}
	s.mu.RUnlock()

	for id, pid := range pids {
		if lifecycle.IsProcessRunning(pid) {
			continue
		}
		crashed = append(crashed, id)
	}

	for _, id := range crashed {
		s.mu.Lock()
		rw, ok := s.running[id]
		if ok {
			rw.client.Close()
			delete(s.running, id)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		stationmetrics.SetBatchRunning(id, false)
		s.logger.Error("worker process crashed", "batch", id, "pid", rw.pid)
		s.cfg.Emitter.Emit(events.BatchCrashed, id, map[string]interface{}{"pid": rw.pid})
		s.cfg.Emitter.Emit(events.BatchStatusChanged, id, map[string]interface{}{"status": "crashed"})
	}
}
