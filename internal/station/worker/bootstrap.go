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

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stationservice/station/internal/sequences/loader"
	"github.com/stationservice/station/internal/sequences/manifest"
	"github.com/stationservice/station/internal/sequences/registry"
)

// BuildResult bundles everything a worker needs to run one sequence
// package, assembled from a loaded manifest and connected hardware.
type BuildResult struct {
	Manifest *manifest.SequenceManifest
	Sequence registry.Sequence
	Hardware map[string]registry.Driver
}

// Build loads packageName's manifest, constructs and connects its
// declared hardware, and instantiates the sequence. A hardware entry
// whose driver fails to connect is logged and left out of the hardware
// map rather than aborting the load; the sequence only fails later if it
// actually depends on that hardware id during a step.
func Build(ctx context.Context, l *loader.Loader, packageName string, overrides map[string]map[string]interface{}, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := l.LoadPackage(packageName)
	if err != nil {
		return nil, fmt.Errorf("worker: load package %q: %w", packageName, err)
	}

	factory, err := l.LoadSequenceClass(m)
	if err != nil {
		return nil, fmt.Errorf("worker: resolve sequence class: %w", err)
	}

	driverFactories, err := l.LoadHardwareDrivers(m)
	if err != nil {
		return nil, fmt.Errorf("worker: resolve hardware drivers: %w", err)
	}

	hardware := make(map[string]registry.Driver, len(driverFactories))
	for hardwareID, def := range m.Hardware {
		factoryFn, ok := driverFactories[hardwareID]
		if !ok {
			continue
		}

		config := mergeConfig(def.ConfigSchema, overrides[hardwareID])
		driver, err := factoryFn(config)
		if err != nil {
			logger.Warn("hardware driver construction failed, omitting from hardware map",
				"hardware_id", hardwareID, "error", err)
			continue
		}

		if err := driver.Connect(ctx); err != nil {
			logger.Warn("hardware driver connect failed, omitting from hardware map",
				"hardware_id", hardwareID, "error", err)
			continue
		}

		hardware[hardwareID] = driver
	}

	parameters := make(map[string]interface{}, len(m.Parameters))
	for name, def := range m.Parameters {
		parameters[name] = def.Default
	}

	seq, err := factory.NewSequence(hardware, parameters)
	if err != nil {
		return nil, fmt.Errorf("worker: construct sequence: %w", err)
	}

	return &BuildResult{Manifest: m, Sequence: seq, Hardware: hardware}, nil
}

// mergeConfig layers per-batch config overrides over a hardware entry's
// declared field defaults.
func mergeConfig(schema map[string]manifest.ConfigField, overrides map[string]interface{}) map[string]interface{} {
	config := make(map[string]interface{}, len(schema))
	for name, field := range schema {
		if field.Default != nil {
			config[name] = field.Default
		}
	}
	for name, value := range overrides {
		config[name] = value
	}
	return config
}

// DisconnectAll disconnects every driver in the hardware map, collecting
// and logging any errors rather than aborting partway through.
func DisconnectAll(ctx context.Context, hardware map[string]registry.Driver, logger *slog.Logger) {
	for hardwareID, driver := range hardware {
		if err := driver.Disconnect(ctx); err != nil {
			logger.Warn("hardware driver disconnect failed", "hardware_id", hardwareID, "error", err)
		}
	}
}
