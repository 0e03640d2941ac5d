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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `station:
  id: st-01
  name: Final Assembly 1
  description: left line, slot 3
server:
  bind_address: 127.0.0.1:8800
  ipc_base_port: 9300
backend:
  url: http://mes.local:9000
  api_key: secret
  station_id: st-01
  equipment_id: eq-7
batches:
  - id: b1
    name: Main board
    sequence_package: board_smoke_test
    auto_start: true
    process_id: 2
    hardware:
      dmm:
        port: /dev/ttyUSB0
  - id: b2
    name: Backup board
    sequence_package: board_smoke_test
    auto_start: false
logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "st-01", cfg.Station.ID)
	assert.Equal(t, "127.0.0.1:8800", cfg.Server.BindAddress)
	assert.Equal(t, 9300, cfg.Server.IPCBasePort)
	assert.Equal(t, "http://mes.local:9000", cfg.Backend.URL)

	require.Len(t, cfg.Batches, 2)
	b1 := cfg.Batches[0]
	assert.Equal(t, "b1", b1.ID)
	assert.True(t, b1.AutoStart)
	require.NotNil(t, b1.ProcessID)
	assert.Equal(t, 2, *b1.ProcessID)
	assert.Equal(t, "/dev/ttyUSB0", b1.Hardware["dmm"]["port"])
	assert.False(t, cfg.Batches[1].AutoStart)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_DuplicateBatchID(t *testing.T) {
	doc := `station:
  id: st-01
batches:
  - id: b1
    sequence_package: p
  - id: b1
    sequence_package: p
`
	_, err := Load(writeConfig(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate batch id")
}

func TestLoad_EmptyBatchID(t *testing.T) {
	doc := `station:
  id: st-01
batches:
  - id: ""
    sequence_package: p
`
	_, err := Load(writeConfig(t, doc))
	require.Error(t, err)
}

func TestBatchByID(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleDocument))
	require.NoError(t, err)

	b, ok := cfg.BatchByID("b2")
	require.True(t, ok)
	assert.Equal(t, "Backup board", b.Name)

	_, ok = cfg.BatchByID("missing")
	assert.False(t, ok)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(stationConfigEnvVar, "")
	assert.Equal(t, "/etc/station.yaml", DefaultPath("/etc/station.yaml"))

	t.Setenv(stationConfigEnvVar, "/tmp/override.yaml")
	assert.Equal(t, "/tmp/override.yaml", DefaultPath("/etc/station.yaml"))
}

func TestToStationLogConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleDocument))
	require.NoError(t, err)

	logCfg := cfg.ToStationLogConfig()
	assert.Equal(t, "debug", logCfg.Level)
	assert.Equal(t, "json", string(logCfg.Format))
}
