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

package stationerrors

import (
	"errors"
	"testing"
)

func TestManifestError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 4: mapping values are not allowed")
	err := &ManifestError{Package: "board_smoke_test", Reason: "parse failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
	if err.Error() == "" {
		t.Errorf("expected non-empty error message")
	}
}

func TestDriverError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &DriverError{Driver: "power_supply", Reason: "connect failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
}

func TestStepTimeoutError(t *testing.T) {
	err := &StepTimeoutError{Step: "apply_power", Timeout: 5, Elapsed: 5.2}
	want := "step \"apply_power\" timed out after 5.200s (limit 5.000s)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestTestSkipped_NoReason(t *testing.T) {
	err := &TestSkipped{Step: "optional_check"}
	want := "step \"optional_check\" skipped"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestTestSkipped_WithReason(t *testing.T) {
	err := &TestSkipped{Step: "optional_check", Reason: "hardware not present"}
	want := "step \"optional_check\" skipped: hardware not present"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestBackendError_IsTransient(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"zero status is transport failure", 0, true},
		{"500 is transient", 500, true},
		{"503 is transient", 503, true},
		{"404 is not transient", 404, false},
		{"409 business rule is not transient", 409, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &BackendError{StatusCode: tt.statusCode}
			if got := err.IsTransient(); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackendError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := &BackendError{Code: "TRANSPORT_ERROR", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
}

func TestPrerequisiteNotMetError(t *testing.T) {
	err := &PrerequisiteNotMetError{WIPID: "WIP-42", Required: 2}
	want := "wip item \"WIP-42\" requires process 2 to complete first"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestBatchNotFoundError(t *testing.T) {
	err := &BatchNotFoundError{BatchID: "batch-1"}
	want := "batch \"batch-1\" not found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("no such file or directory")
	err := &ConfigError{Key: "backend.base_url", Reason: "missing", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find wrapped cause")
	}
}
