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

// Package executor runs the ordered steps of a sequence instance against
// a parameter snapshot, honoring per-step timeout, retry, cleanup and
// condition semantics.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/stationservice/station/internal/sequences/registry"
	"github.com/stationservice/station/internal/station/stationerrors"
)

// StepStatus mirrors the lifecycle a StepResult moves through.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionStatus mirrors the lifecycle an ExecutionResult moves through.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// StepResult is the outcome of running a single step once.
type StepResult struct {
	Name        string                 `json:"name"`
	Order       int                    `json:"order"`
	Status      StepStatus             `json:"status"`
	Passed      bool                   `json:"passed"`
	Duration    float64                `json:"duration"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ExecutionResult is the outcome of one full run of a sequence instance.
type ExecutionResult struct {
	SequenceName    string                 `json:"sequence_name"`
	SequenceVersion string                 `json:"sequence_version"`
	Status          ExecutionStatus        `json:"status"`
	OverallPass     bool                   `json:"overall_pass"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     time.Time              `json:"completed_at"`
	Duration        float64                `json:"duration"`
	Parameters      map[string]interface{} `json:"parameters"`
	Steps           []StepResult           `json:"steps"`
}

// Callbacks are the executor's progress hooks. Every field is optional;
// a callback that panics is recovered and logged, never propagated —
// a misbehaving subscriber must not stop sequence execution.
type Callbacks struct {
	OnStepStart    func(name string, step registry.StepDef)
	OnStepComplete func(name string, result StepResult)
	OnLog          func(level, msg string)
	OnError        func(stepName string, err error)
}

// Executor runs a sequence instance's steps in order. An Executor is
// single-use: one Run per instance, with Stop callable from any
// goroutine while Run is in flight.
type Executor struct {
	logger *slog.Logger

	stopRequested atomic.Bool
}

// New returns an Executor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Stop requests cooperative cancellation. The step currently running
// finishes (or times out) before the executor observes the request; the
// cleanup phase always still runs.
func (e *Executor) Stop() {
	e.stopRequested.Store(true)
}

const defaultStepTimeout = 30 * time.Second

// Run drives every step of seq against parameters to completion,
// invoking callbacks as steps start and finish.
func (e *Executor) Run(ctx context.Context, seq registry.Sequence, parameters map[string]interface{}, callbacks Callbacks) *ExecutionResult {
	steps := registry.SortedSteps(seq)

	var regular, cleanup []registry.StepDef
	for _, step := range steps {
		if step.Cleanup {
			cleanup = append(cleanup, step)
		} else {
			regular = append(regular, step)
		}
	}

	result := &ExecutionResult{
		SequenceName:    seq.Name(),
		SequenceVersion: seq.Version(),
		Status:          ExecutionRunning,
		OverallPass:     true,
		StartedAt:       time.Now(),
		Parameters:      parameters,
	}

regularLoop:
	for _, step := range regular {
		if e.stopRequested.Load() {
			result.Status = ExecutionStopped
			break regularLoop
		}

		if skipped, ok := e.evaluateCondition(step, parameters); ok {
			result.Steps = append(result.Steps, skipped)
			continue
		}

		stepResult := e.runStepWithRetry(ctx, seq, step, callbacks)
		result.Steps = append(result.Steps, stepResult)

		if stepResult.Status == StepFailed {
			result.OverallPass = false
			result.Status = ExecutionFailed
			break regularLoop
		}
	}

	for _, step := range cleanup {
		stepResult := e.runStepWithRetry(ctx, seq, step, callbacks)
		result.Steps = append(result.Steps, stepResult)
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt).Seconds()

	if result.Status == ExecutionRunning {
		if result.OverallPass {
			result.Status = ExecutionCompleted
		} else {
			result.Status = ExecutionFailed
		}
	}

	return result
}

// evaluateCondition checks a step's condition parameter. When the
// condition gates the step off, it returns a skipped StepResult and ok=true.
func (e *Executor) evaluateCondition(step registry.StepDef, parameters map[string]interface{}) (StepResult, bool) {
	if step.Condition == "" {
		return StepResult{}, false
	}

	value, present := parameters[step.Condition]
	if !present || isFalsy(value) {
		now := time.Now()
		return StepResult{
			Name:        step.Name,
			Order:       step.Order,
			Status:      StepSkipped,
			Passed:      true,
			StartedAt:   now,
			CompletedAt: now,
		}, true
	}

	return StepResult{}, false
}

func isFalsy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return !v
	case nil:
		return true
	case string:
		return v == ""
	case int:
		return v == 0
	case float64:
		return v == 0
	}
	return false
}

// runStepWithRetry runs a single step through its 1+retry attempt loop,
// invoking the start/complete/error callbacks exactly once per step.
func (e *Executor) runStepWithRetry(ctx context.Context, seq registry.Sequence, step registry.StepDef, callbacks Callbacks) StepResult {
	e.invokeOnStepStart(callbacks, step)

	started := time.Now()
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	attempts := 1 + step.Retry
	var (
		value    interface{}
		stepErr  error
		skipped  bool
		skipInfo *stationerrors.TestSkipped
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptStart := time.Now()
		value, stepErr = e.runOnce(attemptCtx, seq, step)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if stepErr == nil {
			break
		}

		var testFailure *stationerrors.TestFailure
		if asTestFailure(stepErr, &testFailure) {
			break
		}

		var ts *stationerrors.TestSkipped
		if asTestSkipped(stepErr, &ts) {
			skipped = true
			skipInfo = ts
			break
		}

		if timedOut {
			stepErr = &stationerrors.StepTimeoutError{
				Step:    step.Name,
				Timeout: timeout.Seconds(),
				Elapsed: time.Since(attemptStart).Seconds(),
			}
		}

		if attempt < attempts {
			e.invokeOnLog(callbacks, "warn", fmt.Sprintf("step %q attempt %d/%d failed, retrying: %v", step.Name, attempt, attempts, stepErr))
			continue
		}
	}

	completed := time.Now()
	result := StepResult{
		Name:        step.Name,
		Order:       step.Order,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started).Seconds(),
	}

	switch {
	case skipped:
		result.Status = StepSkipped
		result.Passed = true
		if skipInfo != nil {
			result.Error = skipInfo.Error()
		}
	case stepErr == nil:
		result.Status = StepCompleted
		result.Passed = true
		result.Result = normalizeResult(value)
	default:
		result.Status = StepFailed
		result.Passed = false
		result.Error = stepErr.Error()
	}

	e.invokeOnStepComplete(callbacks, result)

	if result.Status == StepFailed {
		e.invokeOnError(callbacks, step.Name, stepErr)
	}

	return result
}

func asTestFailure(err error, target **stationerrors.TestFailure) bool {
	tf, ok := err.(*stationerrors.TestFailure)
	if ok {
		*target = tf
	}
	return ok
}

func asTestSkipped(err error, target **stationerrors.TestSkipped) bool {
	ts, ok := err.(*stationerrors.TestSkipped)
	if ok {
		*target = ts
	}
	return ok
}

// stepOutcome carries one attempt's return values across the dispatch
// goroutine boundary.
type stepOutcome struct {
	value interface{}
	err   error
}

// runOnce invokes the step function once on its own goroutine so the
// attempt deadline stays authoritative even when the step body blocks
// without checking its context. A timed-out body is abandoned, not
// killed; cancellation stays cooperative through ctx. Panics inside the
// body are recovered into an error so a misbehaving step cannot crash
// the worker process.
func (e *Executor) runOnce(ctx context.Context, seq registry.Sequence, step registry.StepDef) (interface{}, error) {
	outcome := make(chan stepOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("step panicked", "step", step.Name, "panic", r, "stack", string(debug.Stack()))
				outcome <- stepOutcome{err: fmt.Errorf("step %q panicked: %v", step.Name, r)}
			}
		}()
		value, err := step.Fn(ctx, seq)
		outcome <- stepOutcome{value: value, err: err}
	}()

	select {
	case out := <-outcome:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalizeResult coerces a step's return value: a map result is used
// as-is, nil yields no result, and any other scalar is wrapped.
func normalizeResult(value interface{}) map[string]interface{} {
	if value == nil {
		return nil
	}
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": value}
}

func (e *Executor) invokeOnStepStart(callbacks Callbacks, step registry.StepDef) {
	if callbacks.OnStepStart == nil {
		return
	}
	defer e.recoverCallback("on_step_start")
	callbacks.OnStepStart(step.Name, step)
}

func (e *Executor) invokeOnStepComplete(callbacks Callbacks, result StepResult) {
	if callbacks.OnStepComplete == nil {
		return
	}
	defer e.recoverCallback("on_step_complete")
	callbacks.OnStepComplete(result.Name, result)
}

func (e *Executor) invokeOnLog(callbacks Callbacks, level, msg string) {
	if callbacks.OnLog == nil {
		return
	}
	defer e.recoverCallback("on_log")
	callbacks.OnLog(level, msg)
}

func (e *Executor) invokeOnError(callbacks Callbacks, stepName string, stepErr error) {
	if callbacks.OnError == nil {
		return
	}
	defer e.recoverCallback("on_error")
	callbacks.OnError(stepName, stepErr)
}

func (e *Executor) recoverCallback(name string) {
	if r := recover(); r != nil {
		e.logger.Error("executor callback panicked, ignoring", "callback", name, "panic", r)
	}
}
