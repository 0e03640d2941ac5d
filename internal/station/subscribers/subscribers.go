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

// Package subscribers fans master process events out to push clients:
// UIs and tooling that want a live feed of batch status, step progress,
// and log lines rather than polling. The transport a subscriber rides on
// (websocket, SSE, whatever a route layer chooses) is outside this
// package's concern — it only tracks subscriptions and frames.
package subscribers

import (
	"log/slog"
	"sync"

	"github.com/stationservice/station/internal/station/events"
)

// Frame is one outbound notification sent to a subscriber.
type Frame struct {
	Type    string                 `json:"type"`
	BatchID string                 `json:"batch_id,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is anything that can receive outbound frames. Send must not
// block the registry's broadcast loop for long; a slow subscriber should
// buffer internally.
type Subscriber interface {
	Send(frame Frame) error
}

// frameType maps an internal event type to the wire vocabulary a push
// client expects. BATCH_STARTED/BATCH_STOPPED/BATCH_CRASHED are not
// forwarded directly: the supervisor reflects them into a
// BATCH_STATUS_CHANGED event, which is what reaches push clients.
var frameType = map[events.Type]string{
	events.BatchStatusChanged: "batch_status",
	events.BatchCreated:       "batch_created",
	events.BatchDeleted:       "batch_deleted",
	events.StepStarted:        "step_start",
	events.StepCompleted:      "step_complete",
	events.SequenceCompleted:  "sequence_complete",
	events.Log:                "log",
	events.Error:              "error",
}

// Registry tracks connected subscribers and which batch ids each cares
// about. A subscriber with an empty interest set receives no batch-tagged
// frames, only BroadcastAll frames.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[Subscriber]map[string]bool
}

// New returns an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		subscribers: make(map[Subscriber]map[string]bool),
	}
}

// Connect registers a subscriber with an empty interest set (it receives
// only BroadcastAll frames until Subscribe adds batch ids).
func (r *Registry) Connect(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub] = make(map[string]bool)
}

// Disconnect removes a subscriber.
func (r *Registry) Disconnect(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, sub)
}

// Subscribe adds the given batch ids to a connected subscriber's interest
// set. Connect must be called first.
func (r *Registry) Subscribe(sub Subscriber, batchIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interests, ok := r.subscribers[sub]
	if !ok {
		return
	}
	for _, id := range batchIDs {
		interests[id] = true
	}
}

// Unsubscribe removes batch ids from a subscriber's interest set.
func (r *Registry) Unsubscribe(sub Subscriber, batchIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interests, ok := r.subscribers[sub]
	if !ok {
		return
	}
	for _, id := range batchIDs {
		delete(interests, id)
	}
}

// Count returns the number of connected subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Broadcast sends a frame to every subscriber whose interest set contains
// batchID.
func (r *Registry) Broadcast(batchID string, frame Frame) {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.subscribers))
	for sub, interests := range r.subscribers {
		if interests[batchID] {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Send(frame); err != nil {
			r.logger.Warn("subscriber send failed", "error", err)
		}
	}
}

// BroadcastAll sends a frame to every connected subscriber regardless of
// batch interest, used for station-wide notifications.
func (r *Registry) BroadcastAll(frame Frame) {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.subscribers))
	for sub := range r.subscribers {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Send(frame); err != nil {
			r.logger.Warn("subscriber broadcast-all send failed", "error", err)
		}
	}
}

// AttachTo wires the registry to an event emitter's wildcard bucket,
// translating every dispatched event into an outbound frame. Event types
// with no frame mapping are dropped rather than forwarded verbatim, so a
// push client never has to special-case internal-only event vocabulary.
func (r *Registry) AttachTo(emitter *events.Emitter) events.Subscription {
	return emitter.OnAny(func(evt events.Event) {
		wireType, ok := frameType[evt.Type]
		if !ok {
			return
		}
		r.Broadcast(evt.BatchID, Frame{Type: wireType, BatchID: evt.BatchID, Data: evt.Data})
	})
}
