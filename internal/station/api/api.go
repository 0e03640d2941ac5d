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

// Package api defines the typed shapes a future HTTP/WebSocket route
// layer would serialize: batch status, push-client frames, and offline
// queue counts. The route layer itself is out of scope for this
// repository, but its contract isn't — everything here is already
// consumed by stationctl and by the daemon's own queue reporting, so
// the types stay truthful to what's actually produced on the wire
// today (over IPC, not HTTP).
package api

import "github.com/stationservice/station/internal/station/subscribers"

// StepStatus is one sequence step's outcome, as reported by GET_STATUS.
type StepStatus struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Passed   bool    `json:"passed,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// BatchStatus is the typed form of a GET_STATUS response.
type BatchStatus struct {
	BatchID       string                 `json:"batch_id"`
	Status        string                 `json:"status"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	CurrentStep   string                 `json:"current_step,omitempty"`
	Progress      int                    `json:"progress"`
	Steps         []StepStatus           `json:"steps,omitempty"`
	LastRunPassed bool                   `json:"last_run_passed"`
	Statistics    map[string]interface{} `json:"statistics,omitempty"`
}

// BatchStatusFromResult translates a worker's raw GET_STATUS result map
// (see internal/station/worker's handleGetStatus) into a BatchStatus.
// Fields the worker omitted decode to their zero value.
func BatchStatusFromResult(batchID string, result map[string]interface{}) BatchStatus {
	bs := BatchStatus{
		BatchID:       batchID,
		Status:        stringField(result, "status"),
		ExecutionID:   stringField(result, "execution_id"),
		CurrentStep:   stringField(result, "current_step"),
		Progress:      intField(result, "progress"),
		LastRunPassed: boolField(result, "last_run_passed"),
	}
	if stats, ok := result["total_statistics"].(map[string]interface{}); ok {
		bs.Statistics = stats
	}
	if steps, ok := result["steps"].([]interface{}); ok {
		bs.Steps = make([]StepStatus, 0, len(steps))
		for _, raw := range steps {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			bs.Steps = append(bs.Steps, StepStatus{
				Name:     stringField(m, "name"),
				Status:   stringField(m, "status"),
				Passed:   boolField(m, "passed"),
				Duration: floatField(m, "duration"),
				Error:    stringField(m, "error"),
			})
		}
	}
	return bs
}

// OfflineQueueStatus reports how many entries a sync queue (the
// master's station-level queue, or a batch's own) currently holds.
type OfflineQueueStatus struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// PushFrame is the outbound notification shape sent to subscribers.
// It's an alias rather than a parallel type: internal/station/
// subscribers already defines and sends this exact struct, and
// duplicating it here would just invite the two to drift.
type PushFrame = subscribers.Frame

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
