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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationservice/station/internal/rpc"
	"github.com/stationservice/station/internal/sequences/executor"
	"github.com/stationservice/station/internal/sequences/registry"
)

type fakeSequence struct {
	steps []registry.StepDef
}

func (s *fakeSequence) Name() string                        { return "weld_check" }
func (s *fakeSequence) Version() string                     { return "1.0.0" }
func (s *fakeSequence) Steps() []registry.StepDef           { return s.steps }
func (s *fakeSequence) Parameters() []registry.ParameterDef { return nil }

func passingStep(name string, order int) registry.StepDef {
	return registry.StepDef{
		Name:  name,
		Order: order,
		Fn: func(ctx context.Context, seq registry.Sequence) (interface{}, error) {
			return map[string]interface{}{"measurements": map[string]interface{}{"torque": 4.2}}, nil
		},
	}
}

type fakeDriver struct {
	connected bool
	lastCmd   map[string]interface{}
}

func (d *fakeDriver) Connect(ctx context.Context) error    { d.connected = true; return nil }
func (d *fakeDriver) Disconnect(ctx context.Context) error { d.connected = false; return nil }

// Jog exists only to exercise MANUAL_CONTROL's reflective dispatch.
func (d *fakeDriver) Jog(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	d.lastCmd = params
	return map[string]interface{}{"ok": true}, nil
}

func newTestWorker(t *testing.T, seq registry.Sequence, hardware map[string]registry.Driver) *Worker {
	t.Helper()
	server := rpc.NewServer(rpc.DefaultConfig())
	w := New(Config{
		BatchID:  "batch-1",
		Sequence: seq,
		Hardware: hardware,
		Server:   server,
	})
	return w
}

func TestStartSequenceRejectsWhenAlreadyRunning(t *testing.T) {
	seq := &fakeSequence{steps: []registry.StepDef{passingStep("home", 1)}}
	w := newTestWorker(t, seq, nil)
	w.status = StatusRunning

	req, err := rpc.NewCommand("START_SEQUENCE", "batch-1", map[string]interface{}{})
	require.NoError(t, err)

	_, err = w.handleStartSequence(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartSequenceRunsToCompletion(t *testing.T) {
	seq := &fakeSequence{steps: []registry.StepDef{passingStep("home", 1), passingStep("weld", 2)}}
	w := newTestWorker(t, seq, nil)

	req, err := rpc.NewCommand("START_SEQUENCE", "batch-1", map[string]interface{}{})
	require.NoError(t, err)

	resp, err := w.handleStartSequence(context.Background(), req)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, resp.UnmarshalResult(&result))
	assert.NotEmpty(t, result["execution_id"])

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.status == StatusIdle && w.lastRun != nil
	}, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.lastRun.Passed)
	assert.Equal(t, 1, w.stats.Pass)
	assert.Equal(t, 0, w.stats.Fail)
}

func TestGetStatusReportsLastRunWhileIdle(t *testing.T) {
	seq := &fakeSequence{steps: []registry.StepDef{passingStep("home", 1)}}
	w := newTestWorker(t, seq, nil)
	w.lastRun = &lastRunSnapshot{ExecutionID: "abc123", Passed: true}

	req, err := rpc.NewCommand("GET_STATUS", "batch-1", nil)
	require.NoError(t, err)

	resp, err := w.handleGetStatus(context.Background(), req)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, resp.UnmarshalResult(&result))
	assert.Equal(t, string(StatusIdle), result["status"])
	assert.Equal(t, "abc123", result["execution_id"])
}

func TestManualControlRejectedWhileRunning(t *testing.T) {
	seq := &fakeSequence{}
	w := newTestWorker(t, seq, nil)
	w.status = StatusRunning

	req, err := rpc.NewCommand("MANUAL_CONTROL", "batch-1", manualControlParams{Hardware: "gantry", Command: "jog"})
	require.NoError(t, err)

	_, err = w.handleManualControl(context.Background(), req)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestManualControlDispatchesToDriverMethod(t *testing.T) {
	driver := &fakeDriver{}
	seq := &fakeSequence{}
	w := newTestWorker(t, seq, map[string]registry.Driver{"gantry": driver})

	req, err := rpc.NewCommand("MANUAL_CONTROL", "batch-1", manualControlParams{
		Hardware: "gantry", Command: "jog", Params: map[string]interface{}{"axis": "x", "distance": 10.0},
	})
	require.NoError(t, err)

	resp, err := w.handleManualControl(context.Background(), req)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, resp.UnmarshalResult(&result))
	assert.NotNil(t, result["result"])
	assert.Equal(t, "x", driver.lastCmd["axis"])
}

func TestManualControlUnknownHardware(t *testing.T) {
	seq := &fakeSequence{}
	w := newTestWorker(t, seq, map[string]registry.Driver{})

	req, err := rpc.NewCommand("MANUAL_CONTROL", "batch-1", manualControlParams{Hardware: "missing", Command: "jog"})
	require.NoError(t, err)

	_, err = w.handleManualControl(context.Background(), req)
	assert.Error(t, err)
}

func TestShutdownClosesDoneChannel(t *testing.T) {
	seq := &fakeSequence{}
	w := newTestWorker(t, seq, nil)

	req, err := rpc.NewCommand("SHUTDOWN", "batch-1", nil)
	require.NoError(t, err)

	_, err = w.handleShutdown(context.Background(), req)
	require.NoError(t, err)

	select {
	case <-w.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestDerivePassResult(t *testing.T) {
	assert.Equal(t, "PASS", derivePassResult(&executor.ExecutionResult{OverallPass: true}))
	assert.Equal(t, "FAIL", derivePassResult(&executor.ExecutionResult{OverallPass: false}))
	assert.Equal(t, "REWORK", derivePassResult(&executor.ExecutionResult{
		OverallPass: false,
		Parameters:  map[string]interface{}{"rework": true},
	}))
}

func TestExtractMeasurementsMergesStepOutputs(t *testing.T) {
	result := &executor.ExecutionResult{
		Duration: 1.5,
		Steps: []executor.StepResult{
			{Name: "a", Result: map[string]interface{}{"measurements": map[string]interface{}{"torque": 4.2}}},
			{Name: "b", Result: map[string]interface{}{"outputs": map[string]interface{}{"voltage": 12.0}}},
		},
	}

	measurements := extractMeasurements(result)
	assert.Equal(t, 4.2, measurements["torque"])
	assert.Equal(t, 12.0, measurements["voltage"])
	assert.Equal(t, 1500.0, measurements["duration_ms"])
}

func TestExtractDefectsCollectsFailedSteps(t *testing.T) {
	result := &executor.ExecutionResult{
		Steps: []executor.StepResult{
			{Name: "weld", Passed: false, Status: executor.StepFailed, Error: "voltage out of range"},
			{Name: "inspect", Passed: true},
		},
	}

	defects := extractDefects(result)
	assert.Equal(t, []string{"failed_weld"}, defects)
}

func TestWipStatusFromResultNestedAndTopLevel(t *testing.T) {
	assert.Equal(t, "COMPLETED", wipStatusFromResult(map[string]interface{}{
		"wip_item": map[string]interface{}{"status": "COMPLETED"},
	}))
	assert.Equal(t, "IN_PROGRESS", wipStatusFromResult(map[string]interface{}{"status": "IN_PROGRESS"}))
	assert.Equal(t, "", wipStatusFromResult(nil))
}

func TestExtractWIPContextRequiresAllFields(t *testing.T) {
	seq := &fakeSequence{}
	w := newTestWorker(t, seq, nil)

	assert.Nil(t, w.extractWIPContext(map[string]interface{}{"wip_id": "WIP-1"}))

	wip := w.extractWIPContext(map[string]interface{}{
		"wip_id": "WIP-1", "process_id": float64(7), "operator_id": float64(3),
	})
	require.NotNil(t, wip)
	assert.Equal(t, "WIP-1", wip.WIPID)
	assert.Equal(t, 7, wip.ProcessID)
	assert.Equal(t, 3, wip.OperatorID)
}

func TestInvokeDriverMethodRejectsMissingCommand(t *testing.T) {
	driver := &fakeDriver{}
	_, err := invokeDriverMethod(context.Background(), driver, "", nil)
	assert.Error(t, err)
}
