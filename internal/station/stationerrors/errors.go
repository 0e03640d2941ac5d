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

// Package stationerrors defines the typed error kinds raised across the
// station control service: manifest/driver errors from the loader and
// drivers, step-level errors from the sequence executor, precondition
// errors from the batch supervisor, and business-rule/transport errors
// from the backend client.
package stationerrors

import "fmt"

// ManifestError reports a sequence package that failed to load: the file
// was missing, unparseable, or violated the manifest schema. The package
// remains unusable until the manifest is fixed.
type ManifestError struct {
	Package string
	Reason  string
	Cause   error
}

func (e *ManifestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("manifest %s: %s: %v", e.Package, e.Reason, e.Cause)
	}
	return fmt.Sprintf("manifest %s: %s", e.Package, e.Reason)
}

func (e *ManifestError) Unwrap() error { return e.Cause }

// DriverError reports a hardware driver that failed to connect or
// communicate. The driver is omitted from the batch; the worker can still
// run sequences that don't depend on it.
type DriverError struct {
	Driver string
	Reason string
	Cause  error
}

func (e *DriverError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("driver %s: %s: %v", e.Driver, e.Reason, e.Cause)
	}
	return fmt.Sprintf("driver %s: %s", e.Driver, e.Reason)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// StepTimeoutError reports a step that exceeded its configured timeout.
// It is a step-level failure and is subject to retry.
type StepTimeoutError struct {
	Step    string
	Timeout float64 // seconds
	Elapsed float64 // seconds
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %.3fs (limit %.3fs)", e.Step, e.Elapsed, e.Timeout)
}

// TestFailure reports a semantic assertion failure raised by step body
// code. It is a step-level failure and is never retried.
type TestFailure struct {
	Step    string
	Message string
}

func (e *TestFailure) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.Step, e.Message)
}

// TestSkipped reports that step body code elected to skip the step. A
// skipped step is recorded with passed=true.
type TestSkipped struct {
	Step   string
	Reason string
}

func (e *TestSkipped) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("step %q skipped", e.Step)
	}
	return fmt.Sprintf("step %q skipped: %s", e.Step, e.Reason)
}

// BatchNotFoundError reports a reference to a batch id the supervisor has
// no record of.
type BatchNotFoundError struct {
	BatchID string
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch %q not found", e.BatchID)
}

// BatchAlreadyRunningError reports an attempt to start a batch that is
// already running.
type BatchAlreadyRunningError struct {
	BatchID string
}

func (e *BatchAlreadyRunningError) Error() string {
	return fmt.Sprintf("batch %q is already running", e.BatchID)
}

// BatchNotRunningError reports an attempt to operate on a batch that is
// not currently running (e.g. stop, send command).
type BatchNotRunningError struct {
	BatchID string
}

func (e *BatchNotRunningError) Error() string {
	return fmt.Sprintf("batch %q is not running", e.BatchID)
}

// WIPNotFoundError reports a work-in-process item the backend could not
// locate by the scanned identifier. It aborts start_sequence.
type WIPNotFoundError struct {
	WIPID     string
	ProcessID int
}

func (e *WIPNotFoundError) Error() string {
	return fmt.Sprintf("wip item %q not found for process %d", e.WIPID, e.ProcessID)
}

// PrerequisiteNotMetError reports that the backend rejected a process
// transition because an earlier process step has not completed.
type PrerequisiteNotMetError struct {
	WIPID    string
	Required int
}

func (e *PrerequisiteNotMetError) Error() string {
	return fmt.Sprintf("wip item %q requires process %d to complete first", e.WIPID, e.Required)
}

// DuplicatePassError reports that the backend rejected a complete-process
// call because this process has already recorded a passing result.
type DuplicatePassError struct {
	WIPID     string
	ProcessID int
}

func (e *DuplicatePassError) Error() string {
	return fmt.Sprintf("wip item %q process %d already has a passing result", e.WIPID, e.ProcessID)
}

// InvalidWIPStatusError reports that the backend rejected an operation
// because the work-in-process item is in an incompatible status.
type InvalidWIPStatusError struct {
	WIPID  string
	Status string
}

func (e *InvalidWIPStatusError) Error() string {
	return fmt.Sprintf("wip item %q has invalid status %q for this operation", e.WIPID, e.Status)
}

// BackendError is the generic backend rejection: a non-2xx response body
// carrying a machine-readable code, or a transport-level failure.
type BackendError struct {
	Code       string
	Message    string
	StatusCode int
	Cause      error
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend error %s (status %d): %s: %v", e.Code, e.StatusCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// IsTransient reports whether a BackendError represents a transient
// transport/5xx failure rather than a business-rule rejection. Transient
// failures are queued for offline sync instead of aborting the in-progress
// sequence.
func (e *BackendError) IsTransient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IPCTimeoutError reports a command that received no response from its
// peer within the allotted time.
type IPCTimeoutError struct {
	Command string
	Timeout float64 // seconds
}

func (e *IPCTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %.3fs", e.Command, e.Timeout)
}

// WorkerDisconnectedError reports that the worker's IPC connection closed
// or was never established.
type WorkerDisconnectedError struct {
	BatchID string
}

func (e *WorkerDisconnectedError) Error() string {
	return fmt.Sprintf("worker for batch %q is disconnected", e.BatchID)
}

// ConfigError reports a station configuration file that could not be
// loaded or failed validation.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
