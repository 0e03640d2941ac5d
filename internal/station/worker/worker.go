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

// Package worker is the batch worker subprocess loop: it hosts one
// sequence instance, dispatches IPC commands from the supervisor, and
// drives the executor against operator-supplied parameters, reporting
// WIP completion to the backend and falling back to the offline queue
// when the backend is unreachable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/sequences/executor"
	"github.com/stationservice/station/internal/sequences/manifest"
	"github.com/stationservice/station/internal/sequences/registry"
	"github.com/stationservice/station/internal/station/backend"
	"github.com/stationservice/station/internal/station/stationerrors"
	"github.com/stationservice/station/internal/station/syncqueue"
	"github.com/stationservice/station/internal/stationlog"
	"github.com/stationservice/station/internal/stationmetrics"
)

// Status is the worker's current execution state.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
)

var (
	// ErrAlreadyRunning is returned by START_SEQUENCE when an execution is
	// already in progress.
	ErrAlreadyRunning = errors.New("worker: sequence already running")

	// ErrRunning is returned by MANUAL_CONTROL while a sequence is running.
	ErrRunning = errors.New("worker: sequence is running")
)

// stepEntry is one row of the worker's locally tracked step list, used to
// answer GET_STATUS without re-deriving it from executor internals.
type stepEntry struct {
	Name     string                 `json:"name"`
	Status   string                 `json:"status"`
	Passed   bool                   `json:"passed,omitempty"`
	Duration float64                `json:"duration,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// wipContext is the work-in-process identity a running execution is bound
// to, set when START_SEQUENCE carries wip_id/process_id/operator_id.
type wipContext struct {
	WIPID       string
	WIPIntID    int
	ProcessID   int
	OperatorID  int
	EquipmentID string
}

// lastRunSnapshot preserves the most recently completed execution's
// progress so GET_STATUS can report it while the worker sits idle.
type lastRunSnapshot struct {
	ExecutionID string
	Steps       []stepEntry
	Passed      bool
}

// stats accumulates pass/fail counters across the worker process lifetime.
type stats struct {
	Total int
	Pass  int
	Fail  int
}

// Config constructs a Worker for one batch.
type Config struct {
	BatchID  string
	Manifest *manifest.SequenceManifest
	Sequence registry.Sequence
	Hardware map[string]registry.Driver
	Server   *rpc.Server
	Backend  *backend.Client
	Queue    *syncqueue.Queue
	Logger   *slog.Logger
}

// Worker owns one sequence instance and its hardware, and answers every
// IPC command the supervisor sends for this batch.
type Worker struct {
	batchID  string
	manifest *manifest.SequenceManifest
	seq      registry.Sequence
	hardware map[string]registry.Driver
	executor *executor.Executor
	server   *rpc.Server
	backend  *backend.Client
	queue    *syncqueue.Queue
	logger   *slog.Logger
	stats    stats

	mu          sync.Mutex
	status      Status
	executionID string
	startedAt   time.Time
	steps       []stepEntry
	wip         *wipContext
	lastRun     *lastRunSnapshot
	cancelRun   context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a Worker and registers its command handlers on the
// given server's registry. The server must not be started yet.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = stationlog.WithBatchContext(logger, cfg.BatchID)

	w := &Worker{
		batchID:    cfg.BatchID,
		manifest:   cfg.Manifest,
		seq:        cfg.Sequence,
		hardware:   cfg.Hardware,
		executor:   executor.New(logger),
		server:     cfg.Server,
		backend:    cfg.Backend,
		queue:      cfg.Queue,
		logger:     logger,
		status:     StatusIdle,
		shutdownCh: make(chan struct{}),
	}

	w.registerHandlers(cfg.Server)
	return w
}

// Done returns a channel closed once SHUTDOWN has been processed.
func (w *Worker) Done() <-chan struct{} {
	return w.shutdownCh
}

func (w *Worker) registerHandlers(server *rpc.Server) {
	registry := rpc.NewRegistry()
	registry.Register("START_SEQUENCE", w.handleStartSequence)
	registry.Register("STOP_SEQUENCE", w.handleStopSequence)
	registry.Register("GET_STATUS", w.handleGetStatus)
	registry.Register("MANUAL_CONTROL", w.handleManualControl)
	registry.Register("SHUTDOWN", w.handleShutdown)
	registry.Register("PING", w.handlePing)
	server.SetRegistry(registry)
}

// startSequenceParams mirrors the subset of parameters START_SEQUENCE
// recognizes as WIP context rather than sequence parameters.
type startSequenceParams map[string]interface{}

func (w *Worker) handleStartSequence(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	var params startSequenceParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, fmt.Errorf("worker: unmarshal start_sequence params: %w", err)
	}

	w.mu.Lock()
	if w.status == StatusRunning {
		w.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	executionID := uuid.New().String()[:8]
	wip := w.extractWIPContext(params)

	runCtx, cancel := context.WithCancel(context.Background())
	w.status = StatusRunning
	w.executionID = executionID
	w.startedAt = time.Now()
	w.steps = nil
	w.wip = wip
	w.cancelRun = cancel
	w.executor = executor.New(w.logger)
	exec := w.executor
	w.mu.Unlock()

	if wip != nil {
		if err := w.runBackendStartPath(runCtx, wip); err != nil {
			w.mu.Lock()
			w.status = StatusIdle
			w.executionID = ""
			w.wip = nil
			w.cancelRun = nil
			w.mu.Unlock()
			cancel()
			return nil, err
		}
	}

	w.publishStatus("running", 0)

	callbacks := executor.Callbacks{
		OnStepStart:    w.onStepStart,
		OnStepComplete: w.onStepComplete,
		OnLog:          w.onLog,
		OnError:        w.onError,
	}

	go func() {
		result := exec.Run(runCtx, w.seq, params, callbacks)
		w.onComplete(context.Background(), executionID, result)
	}()

	return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"execution_id": executionID})
}

// extractWIPContext pulls wip_id/process_id/operator_id/equipment_id out
// of the start_sequence parameters. All three of wip_id/process_id/
// operator_id must be present for the backend start path to run.
func (w *Worker) extractWIPContext(params map[string]interface{}) *wipContext {
	wipID, hasWIP := params["wip_id"].(string)
	processID, hasProcess := toInt(params["process_id"])
	operatorID, hasOperator := toInt(params["operator_id"])
	if !hasWIP || !hasProcess || !hasOperator || wipID == "" {
		return nil
	}

	equipmentID, _ := params["equipment_id"].(string)
	return &wipContext{WIPID: wipID, ProcessID: processID, OperatorID: operatorID, EquipmentID: equipmentID}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// runBackendStartPath performs the WIP lookup and start-process calls
// before the sequence begins. An unknown WIP id aborts the start (the
// operator scanned a barcode the backend has never seen); a transport
// failure on the lookup drops the WIP binding and continues offline; a
// business-rule rejection of start-process (prerequisite not met,
// duplicate pass, invalid WIP status) aborts the start; any other
// start-process failure is queued for offline sync and does not abort.
func (w *Worker) runBackendStartPath(ctx context.Context, wip *wipContext) error {
	lookup, err := w.backend.LookupWIP(ctx, wip.WIPID, wip.ProcessID)
	if err != nil {
		var notFound *stationerrors.WIPNotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		w.logger.Warn("wip lookup failed, marking worker offline", "wip_id", wip.WIPID, "error", err)
		w.mu.Lock()
		w.wip = nil
		w.mu.Unlock()
		return nil
	}
	wip.WIPIntID = lookup.ID

	startedAt := time.Now()
	_, err = w.backend.StartProcess(ctx, wip.WIPIntID, backend.ProcessStartRequest{
		ProcessID:   wip.ProcessID,
		OperatorID:  wip.OperatorID,
		EquipmentID: wip.EquipmentID,
		StartedAt:   &startedAt,
	})
	if err != nil {
		if isBusinessRuleRejection(err) {
			return err
		}
		w.logger.Warn("start-process failed, queuing for offline sync", "wip_id", wip.WIPID, "error", err)
		_, qerr := w.queue.Enqueue(ctx, "wip_process", wip.WIPID, "start_process", map[string]interface{}{
			"wip_int_id": wip.WIPIntID,
			"request": map[string]interface{}{
				"process_id":   wip.ProcessID,
				"operator_id":  wip.OperatorID,
				"equipment_id": wip.EquipmentID,
				"started_at":   startedAt.Format(time.RFC3339),
			},
		})
		if qerr != nil {
			w.logger.Error("failed to enqueue offline start_process entry", "error", qerr)
		}
	}
	return nil
}

// isBusinessRuleRejection distinguishes backend rejections the operator
// has to resolve (wrong process order, duplicate pass, bad WIP state)
// from transient transport failures that the offline queue reconciles.
func isBusinessRuleRejection(err error) bool {
	var (
		prereq    *stationerrors.PrerequisiteNotMetError
		duplicate *stationerrors.DuplicatePassError
		invalid   *stationerrors.InvalidWIPStatusError
	)
	return errors.As(err, &prereq) || errors.As(err, &duplicate) || errors.As(err, &invalid)
}

func (w *Worker) handleStopSequence(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"status": "ok"})
	}
	w.executor.Stop()
	if w.cancelRun != nil {
		w.cancelRun()
	}
	w.status = StatusIdle
	w.mu.Unlock()

	return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"status": "ok"})
}

// getStatusParams are GET_STATUS's optional include flags. Statistics
// are cheap to compute and always included in the response; the flag is
// accepted for wire compatibility.
type getStatusParams struct {
	IncludeHardware   bool `json:"include_hardware"`
	IncludeStatistics bool `json:"include_statistics"`
}

func (w *Worker) handleGetStatus(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	var flags getStatusParams
	if err := req.UnmarshalParams(&flags); err != nil {
		return nil, fmt.Errorf("worker: unmarshal get_status params: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == StatusIdle && w.lastRun != nil {
		result := map[string]interface{}{
			"status":           string(StatusIdle),
			"execution_id":     w.lastRun.ExecutionID,
			"progress":         100,
			"steps":            w.lastRun.Steps,
			"last_run_passed":  w.lastRun.Passed,
			"total_statistics": w.statsSnapshot(),
		}
		if flags.IncludeHardware {
			result["hardware"] = w.hardwareSnapshot()
		}
		return rpc.NewResponse(req.CorrelationID, result)
	}

	total := len(registry.SortedSteps(w.seq))
	completed := 0
	for _, s := range w.steps {
		if s.Status != "running" {
			completed++
		}
	}
	progress := 0
	if total > 0 {
		progress = completed * 100 / total
	}

	lastRunPassed := false
	if w.lastRun != nil {
		lastRunPassed = w.lastRun.Passed
	}

	result := map[string]interface{}{
		"status":           string(w.status),
		"execution_id":     w.executionID,
		"current_step":     w.currentStepName(),
		"step_index":       len(w.steps),
		"total_steps":      total,
		"progress":         progress,
		"started_at":       w.startedAt,
		"steps":            w.steps,
		"last_run_passed":  lastRunPassed,
		"total_statistics": w.statsSnapshot(),
	}
	if flags.IncludeHardware {
		result["hardware"] = w.hardwareSnapshot()
	}
	return rpc.NewResponse(req.CorrelationID, result)
}

// hardwareSnapshot reports each connected driver by hardware id. Drivers
// that failed to construct or connect at bootstrap were omitted from the
// hardware map, so presence here means connected.
func (w *Worker) hardwareSnapshot() map[string]interface{} {
	hardware := make(map[string]interface{}, len(w.hardware))
	for id := range w.hardware {
		hardware[id] = map[string]interface{}{"connected": true}
	}
	return hardware
}

func (w *Worker) currentStepName() string {
	if len(w.steps) == 0 {
		return ""
	}
	return w.steps[len(w.steps)-1].Name
}

func (w *Worker) statsSnapshot() map[string]interface{} {
	passRate := 0.0
	if w.stats.Total > 0 {
		passRate = float64(w.stats.Pass) / float64(w.stats.Total) * 100
	}
	return map[string]interface{}{
		"total":     w.stats.Total,
		"pass":      w.stats.Pass,
		"fail":      w.stats.Fail,
		"pass_rate": passRate,
	}
}

type manualControlParams struct {
	Hardware string                 `json:"hardware"`
	Command  string                 `json:"command"`
	Params   map[string]interface{} `json:"params"`
}

func (w *Worker) handleManualControl(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	w.mu.Lock()
	running := w.status == StatusRunning
	w.mu.Unlock()
	if running {
		return nil, ErrRunning
	}

	var params manualControlParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, fmt.Errorf("worker: unmarshal manual_control params: %w", err)
	}

	driver, ok := w.hardware[params.Hardware]
	if !ok {
		return nil, fmt.Errorf("worker: unknown hardware %q", params.Hardware)
	}

	result, err := invokeDriverMethod(ctx, driver, params.Command, params.Params)
	if err != nil {
		return nil, err
	}

	return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"result": result})
}

// invokeDriverMethod dynamically dispatches a manual-control command to a
// driver method by name. A driver exposes manual-control commands as
// exported methods with the signature
// func(context.Context, map[string]interface{}) (interface{}, error).
func invokeDriverMethod(ctx context.Context, driver registry.Driver, command string, params map[string]interface{}) (interface{}, error) {
	if command == "" {
		return nil, errors.New("worker: manual_control requires a command name")
	}

	methodName := strings.ToUpper(command[:1]) + command[1:]
	method := reflect.ValueOf(driver).MethodByName(methodName)
	if !method.IsValid() {
		return nil, fmt.Errorf("worker: driver has no method %q", methodName)
	}

	methodType := method.Type()
	if methodType.NumIn() != 2 || methodType.NumOut() != 2 {
		return nil, fmt.Errorf("worker: driver method %q has an unsupported signature", methodName)
	}

	results := method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(params)})

	var callErr error
	if errVal := results[1].Interface(); errVal != nil {
		callErr = errVal.(error)
	}
	return results[0].Interface(), callErr
}

func (w *Worker) handleShutdown(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	w.mu.Lock()
	if w.status == StatusRunning {
		w.executor.Stop()
		if w.cancelRun != nil {
			w.cancelRun()
		}
		w.status = StatusIdle
	}
	w.mu.Unlock()

	w.shutdownOnce.Do(func() { close(w.shutdownCh) })

	return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"status": "ok"})
}

func (w *Worker) handlePing(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	return rpc.NewResponse(req.CorrelationID, map[string]interface{}{"pong": true})
}

func (w *Worker) onStepStart(name string, step registry.StepDef) {
	w.mu.Lock()
	index := len(w.steps)
	w.steps = append(w.steps, stepEntry{Name: name, Status: "running"})
	total := len(registry.SortedSteps(w.seq))
	executionID := w.executionID
	w.mu.Unlock()

	w.publishEvent("STEP_START", map[string]interface{}{
		"step": name, "index": index, "total": total, "execution_id": executionID,
	})
	w.publishStatus("running", index*100/maxInt(total, 1))
}

func (w *Worker) onStepComplete(name string, result executor.StepResult) {
	w.mu.Lock()
	executionID := w.executionID
	for i := len(w.steps) - 1; i >= 0; i-- {
		if w.steps[i].Name == name && w.steps[i].Status == "running" {
			w.steps[i].Status = string(result.Status)
			w.steps[i].Passed = result.Passed
			w.steps[i].Duration = result.Duration
			w.steps[i].Result = result.Result
			w.steps[i].Error = result.Error
			break
		}
	}
	index := len(w.steps)
	total := len(registry.SortedSteps(w.seq))
	w.mu.Unlock()

	if !result.Passed {
		stationmetrics.RecordStepFailure(w.batchID, name)
	}

	w.publishEvent("STEP_COMPLETE", map[string]interface{}{
		"step": name, "index": index, "duration": result.Duration,
		"passed": result.Passed, "result": result.Result, "execution_id": executionID,
	})
	w.publishStatus("running", index*100/maxInt(total, 1))
}

func (w *Worker) onLog(level, msg string) {
	w.publishEvent("LOG", map[string]interface{}{"level": level, "message": msg})
}

func (w *Worker) onError(stepName string, err error) {
	w.publishEvent("ERROR", map[string]interface{}{
		"code": fmt.Sprintf("%T", err), "message": err.Error(), "step": stepName,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// onComplete runs the completion path for one execution: WIP result
// derivation, backend complete-process (or offline fallback), completion
// events, and last-run/state bookkeeping.
func (w *Worker) onComplete(ctx context.Context, executionID string, result *executor.ExecutionResult) {
	w.mu.Lock()
	wip := w.wip
	steps := append([]stepEntry(nil), w.steps...)
	w.mu.Unlock()

	stationmetrics.RecordExecution(w.batchID, result.SequenceName, string(result.Status), time.Duration(result.Duration*float64(time.Second)))

	var canConvert bool
	var wipStatus string
	if wip != nil {
		passResult := derivePassResult(result)
		measurements := extractMeasurements(result)
		defects := extractDefects(result)

		completedAt := result.CompletedAt
		completeResp, err := w.backend.CompleteProcess(ctx, wip.WIPIntID, wip.ProcessID, wip.OperatorID, backend.ProcessCompleteRequest{
			Result:       passResult,
			Measurements: measurements,
			Defects:      defects,
			CompletedAt:  &completedAt,
		})
		switch {
		case err != nil && isBusinessRuleRejection(err):
			// Retrying a rejected completion would never succeed; the
			// operator resolves these against the backend directly.
			w.logger.Error("complete-process rejected by backend", "wip_id", wip.WIPID, "error", err)
		case err != nil:
			w.logger.Warn("complete-process failed, queuing for offline sync", "wip_id", wip.WIPID, "error", err)
			_, qerr := w.queue.Enqueue(ctx, "wip_process", wip.WIPID, "complete_process", map[string]interface{}{
				"wip_int_id": wip.WIPIntID, "process_id": wip.ProcessID, "operator_id": wip.OperatorID,
				"result": passResult, "measurements": measurements, "defects": defects,
			})
			if qerr != nil {
				w.logger.Error("failed to enqueue offline complete_process entry", "error", qerr)
			}
		default:
			wipStatus = wipStatusFromResult(completeResp)
			canConvert = wipStatus == backend.StatusCompleted
		}
	}

	w.publishEvent("SEQUENCE_COMPLETE", map[string]interface{}{
		"execution_id": executionID, "overall_pass": result.OverallPass,
		"duration": result.Duration, "steps": steps,
	})

	if wip != nil {
		w.publishEvent("WIP_PROCESS_COMPLETE", map[string]interface{}{
			"wip_id": wip.WIPID, "process_id": wip.ProcessID,
			"result": derivePassResult(result), "wip_status": wipStatus, "can_convert": canConvert,
		})
	}

	w.mu.Lock()
	w.lastRun = &lastRunSnapshot{ExecutionID: executionID, Steps: steps, Passed: result.OverallPass}
	w.stats.Total++
	if result.OverallPass {
		w.stats.Pass++
	} else {
		w.stats.Fail++
	}
	w.status = StatusIdle
	w.executionID = ""
	w.wip = nil
	w.cancelRun = nil
	w.mu.Unlock()

	w.publishStatus("idle", 100)
}

// derivePassResult maps an execution result onto the WIP pass/fail/rework
// vocabulary. Rework is only selected when the sequence explicitly marks
// it via a "rework" parameter; absent that marker, the mapping is a
// straight overall_pass -> PASS/FAIL.
func derivePassResult(result *executor.ExecutionResult) string {
	if rework, _ := result.Parameters["rework"].(bool); rework {
		return "REWORK"
	}
	if result.OverallPass {
		return "PASS"
	}
	return "FAIL"
}

// extractMeasurements merges every step's measurements/outputs maps with
// the overall execution duration.
func extractMeasurements(result *executor.ExecutionResult) map[string]interface{} {
	measurements := map[string]interface{}{"duration_ms": result.Duration * 1000}
	for _, step := range result.Steps {
		if step.Result == nil {
			continue
		}
		if m, ok := step.Result["measurements"].(map[string]interface{}); ok {
			for k, v := range m {
				measurements[k] = v
			}
		}
		if o, ok := step.Result["outputs"].(map[string]interface{}); ok {
			for k, v := range o {
				measurements[k] = v
			}
		}
	}
	return measurements
}

// extractDefects collects every non-passing step's declared defect codes
// plus, for a step that recorded an error, a "<status>_<step name>" code
// (e.g. "failed_weld"), deduplicated. The error's Go type is not used:
// StepResult carries only the error message.
func extractDefects(result *executor.ExecutionResult) []string {
	seen := make(map[string]bool)
	var defects []string
	add := func(code string) {
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		defects = append(defects, code)
	}

	for _, step := range result.Steps {
		if step.Passed {
			continue
		}
		if step.Result != nil {
			if list, ok := step.Result["defects"].([]interface{}); ok {
				for _, d := range list {
					if s, ok := d.(string); ok {
						add(s)
					}
				}
			}
		}
		if step.Error != "" {
			add(string(step.Status) + "_" + step.Name)
		}
	}
	return defects
}

// wipStatusFromResult extracts a WIP item's status from a complete-process
// response body, which nests it under wip_item in the backend's schema.
func wipStatusFromResult(body map[string]interface{}) string {
	if body == nil {
		return ""
	}
	if item, ok := body["wip_item"].(map[string]interface{}); ok {
		if status, ok := item["status"].(string); ok {
			return status
		}
	}
	if status, ok := body["status"].(string); ok {
		return status
	}
	return ""
}

func (w *Worker) publishEvent(eventType string, data map[string]interface{}) {
	if err := w.server.PublishEvent(w.batchID, eventType, data); err != nil {
		w.logger.Warn("failed to publish event", "event_type", eventType, "error", err)
	}
}

func (w *Worker) publishStatus(status string, progress int) {
	w.mu.Lock()
	currentStep := w.currentStepName()
	stepIndex := len(w.steps)
	total := len(registry.SortedSteps(w.seq))
	executionID := w.executionID
	w.mu.Unlock()

	w.publishEvent("STATUS_UPDATE", map[string]interface{}{
		"status":       status,
		"current_step": currentStep,
		"step_index":   stepIndex,
		"total_steps":  total,
		"progress":     progress,
		"execution_id": executionID,
	})
}
