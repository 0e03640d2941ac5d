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

// Package stationconfig loads and atomically rewrites the station's
// configuration document: station identity, IPC bind address, backend
// endpoint, the ordered batch list, logging and simulation settings.
package stationconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stationservice/station/internal/stationlog"
)

// StationIdentity is the mutable station identity block.
type StationIdentity struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket bind address the (external,
// out-of-scope) route layer listens on, plus the loopback IPC parameters
// an operator CLI needs to dial a batch worker directly without going
// through that route layer.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`

	// IPCBasePort is the first port the supervisor assigns to a batch
	// worker; batch N (by config order) gets IPCBasePort+N. A CLI reads
	// this to dial the same worker the supervisor spawned.
	IPCBasePort int `yaml:"ipc_base_port,omitempty"`
	// IPCAuthToken is the shared token the supervisor and CLI present to
	// a worker's IPC server. Left empty, the daemon generates a random
	// one at startup and keeps it in memory only; stationctl reads the
	// token from this field alone, so it cannot reach those workers.
	IPCAuthToken string `yaml:"ipc_auth_token,omitempty"`
}

// BackendConfig describes the manufacturing backend endpoint.
type BackendConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty"`
	StationID   string        `yaml:"station_id,omitempty"`
	EquipmentID string        `yaml:"equipment_id,omitempty"`
}

// BatchConfig is one configured execution slot.
type BatchConfig struct {
	ID              string                            `yaml:"id"`
	Name            string                            `yaml:"name"`
	SequencePackage string                            `yaml:"sequence_package"`
	Hardware        map[string]map[string]interface{} `yaml:"hardware,omitempty"`
	AutoStart       bool                              `yaml:"auto_start"`
	ProcessID       *int                              `yaml:"process_id,omitempty"`
}

// LoggingConfig configures stationlog.
type LoggingConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// SimulationConfig toggles simulated hardware for development stations.
type SimulationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full station configuration document.
type Config struct {
	Station    StationIdentity  `yaml:"station"`
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Batches    []BatchConfig    `yaml:"batches,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Simulation SimulationConfig `yaml:"simulation,omitempty"`
}

// stationConfigEnvVar overrides the configuration file path.
const stationConfigEnvVar = "STATION_CONFIG"

// DefaultPath returns the configuration path from STATION_CONFIG, or the
// given fallback if unset.
func DefaultPath(fallback string) string {
	if p := os.Getenv(stationConfigEnvVar); p != "" {
		return p
	}
	return fallback
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stationconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("stationconfig: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks batch id uniqueness and required fields.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Batches))
	for _, b := range c.Batches {
		if b.ID == "" {
			return fmt.Errorf("stationconfig: batch with empty id")
		}
		if seen[b.ID] {
			return fmt.Errorf("stationconfig: duplicate batch id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// BatchByID returns the configured batch with the given id.
func (c *Config) BatchByID(id string) (*BatchConfig, bool) {
	for i := range c.Batches {
		if c.Batches[i].ID == id {
			return &c.Batches[i], true
		}
	}
	return nil, false
}

// ToStationLogConfig returns a stationlog.Config derived from the
// document, falling back to stationlog defaults for unset fields.
func (c *Config) ToStationLogConfig() *stationlog.Config {
	cfg := stationlog.DefaultConfig()
	if c.Logging.Level != "" {
		cfg.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		cfg.Format = stationlog.Format(c.Logging.Format)
	}
	cfg.AddSource = c.Logging.AddSource
	return cfg
}
