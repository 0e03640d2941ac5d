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

package stationconfig

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSave_AtomicRewriteKeepsBackup(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Station.Name = "Final Assembly 1 (renamed)"
	require.NoError(t, w.Save(cfg))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Final Assembly 1 (renamed)", reloaded.Station.Name)

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "name: Final Assembly 1\n")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")
}

func TestSave_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Batches = append(cfg.Batches, BatchConfig{ID: "b1", SequencePackage: "p"})
	require.Error(t, w.Save(cfg))

	// The document on disk is untouched after a rejected save.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Batches, 2)
}

func TestUpsertBatch_AddsAndReplaces(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)

	require.NoError(t, w.UpsertBatch(BatchConfig{ID: "b3", Name: "New slot", SequencePackage: "board_smoke_test"}))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Batches, 3)

	require.NoError(t, w.UpsertBatch(BatchConfig{ID: "b3", Name: "Renamed slot", SequencePackage: "board_smoke_test"}))
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Batches, 3)
	b, ok := cfg.BatchByID("b3")
	require.True(t, ok)
	assert.Equal(t, "Renamed slot", b.Name)
}

func TestRemoveBatch(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)

	require.NoError(t, w.RemoveBatch("b2"))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Batches, 1)
	_, ok := cfg.BatchByID("b2")
	assert.False(t, ok)
}

func TestRemoveBatch_RefusesRunningBatch(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)
	w.IsRunning = func(batchID string) bool { return batchID == "b1" }

	err := w.RemoveBatch("b1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBatchRunning))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Batches, 2)
}

func TestUpdateIdentity(t *testing.T) {
	path := writeConfig(t, sampleDocument)
	w := NewWriter(path)

	require.NoError(t, w.UpdateIdentity(StationIdentity{ID: "st-02", Name: "Moved station"}))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "st-02", cfg.Station.ID)
	assert.Equal(t, "Moved station", cfg.Station.Name)
}

func TestWithLock_SecondWriterTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("lock contention test waits for the full lock timeout")
	}

	path := writeConfig(t, sampleDocument)
	first := NewWriter(path)
	require.NoError(t, first.Lock())
	defer first.Unlock()

	second := NewWriter(path)
	err := second.Lock()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
}
