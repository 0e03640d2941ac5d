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

package subscribers

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stationservice/station/internal/station/events"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	frames []Frame
	failAt int
	calls  int
}

func (f *fakeSubscriber) Send(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSubscriber) received() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.frames...)
}

func TestBroadcastOnlyReachesInterestedSubscribers(t *testing.T) {
	r := New(nil)
	wide := &fakeSubscriber{}
	narrow := &fakeSubscriber{}
	other := &fakeSubscriber{}

	r.Connect(wide)
	r.Connect(narrow)
	r.Connect(other)
	r.Subscribe(narrow, "batch-1")
	r.Subscribe(other, "batch-2")

	r.Broadcast("batch-1", Frame{Type: "step_start"})

	assert.Empty(t, wide.received())
	assert.Len(t, narrow.received(), 1)
	assert.Empty(t, other.received())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New(nil)
	sub := &fakeSubscriber{}
	r.Connect(sub)
	r.Subscribe(sub, "batch-1")
	r.Unsubscribe(sub, "batch-1")

	r.Broadcast("batch-1", Frame{Type: "step_start"})

	assert.Empty(t, sub.received())
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	r := New(nil)
	sub := &fakeSubscriber{}
	r.Connect(sub)
	r.Disconnect(sub)

	r.BroadcastAll(Frame{Type: "log"})

	assert.Empty(t, sub.received())
	assert.Equal(t, 0, r.Count())
}

func TestBroadcastContinuesAfterSendFailure(t *testing.T) {
	r := New(nil)
	failing := &fakeSubscriber{failAt: 1}
	healthy := &fakeSubscriber{}
	r.Connect(failing)
	r.Connect(healthy)

	r.BroadcastAll(Frame{Type: "log"})

	assert.Empty(t, failing.received())
	assert.Len(t, healthy.received(), 1)
}

func TestAttachToTranslatesMappedEventTypes(t *testing.T) {
	emitter := events.New(nil)
	r := New(nil)
	sub := &fakeSubscriber{}
	r.Connect(sub)
	r.Subscribe(sub, "batch-1")

	r.AttachTo(emitter)

	emitter.Emit(events.StepStarted, "batch-1", map[string]interface{}{"step": "home_axes"})
	emitter.Emit(events.WIPProcessComplete, "batch-1", nil)

	frames := sub.received()
	require.Len(t, frames, 1)
	assert.Equal(t, "step_start", frames[0].Type)
	assert.Equal(t, "batch-1", frames[0].BatchID)
}

func TestOffDetachesRegistry(t *testing.T) {
	emitter := events.New(nil)
	r := New(nil)
	sub := &fakeSubscriber{}
	r.Connect(sub)
	r.Subscribe(sub, "batch-1")

	token := r.AttachTo(emitter)
	emitter.Off(token)
	emitter.Emit(events.Log, "batch-1", nil)

	assert.Empty(t, sub.received())
}
