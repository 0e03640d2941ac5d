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

// Package stationmetrics exposes the station daemon's Prometheus metrics:
// sequence execution outcomes, offline queue depth, and backend call
// latency.
package stationmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_sequence_executions_total",
			Help: "Total sequence executions by batch and outcome",
		},
		[]string{"batch", "sequence", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "station_sequence_execution_duration_seconds",
			Help:    "Sequence execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"batch", "sequence"},
	)

	stepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "station_step_failures_total",
			Help: "Total step failures by batch and step name",
		},
		[]string{"batch", "step"},
	)

	offlineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "station_offline_queue_depth",
			Help: "Pending entries in the offline sync queue by status",
		},
		[]string{"status"},
	)

	backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "station_backend_call_duration_seconds",
			Help:    "Backend HTTP call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)

	batchStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "station_batch_running",
			Help: "1 if the batch's worker is currently running, else 0",
		},
		[]string{"batch"},
	)
)

// RecordExecution records one finished sequence execution.
func RecordExecution(batch, sequence, status string, duration time.Duration) {
	executionsTotal.WithLabelValues(batch, sequence, status).Inc()
	executionDuration.WithLabelValues(batch, sequence).Observe(duration.Seconds())
}

// RecordStepFailure increments the step failure counter.
func RecordStepFailure(batch, step string) {
	stepFailuresTotal.WithLabelValues(batch, step).Inc()
}

// SetOfflineQueueDepth sets the current pending/failed queue depth gauges.
func SetOfflineQueueDepth(status string, count int) {
	offlineQueueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordBackendCall records one backend HTTP call's latency and outcome.
func RecordBackendCall(endpoint, outcome string, duration time.Duration) {
	backendCallDuration.WithLabelValues(endpoint, outcome).Observe(duration.Seconds())
}

// SetBatchRunning reflects whether a batch's worker process is alive.
func SetBatchRunning(batch string, running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	batchStateGauge.WithLabelValues(batch).Set(value)
}
