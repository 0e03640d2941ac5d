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

// Package registry is the plugin ABI sequence packages use to announce
// themselves to the loader. A sequence package registers a Factory from
// its own init(), keyed by its manifest's entry-point class name; the
// worker discovers and loads sequences purely by blank-importing the
// package, never by reflecting over source.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Driver is the minimal contract the executor and worker require of a
// hardware driver. Sequence steps invoke further driver-specific methods
// by type-asserting to the concrete driver type they were built against;
// manual control invokes them dynamically by name via reflection.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// DriverFactory constructs a driver instance from its manifest-declared
// configuration values.
type DriverFactory func(config map[string]interface{}) (Driver, error)

// StepFunc is a single sequence step. It returns a result value (which
// the executor normalizes into a map) or an error. Step bodies signal
// semantic outcomes with stationerrors.TestFailure / stationerrors.TestSkipped
// rather than ad-hoc error strings.
type StepFunc func(ctx context.Context, seq Sequence) (interface{}, error)

// StepDef describes one registered step and its scheduling metadata.
type StepDef struct {
	// Name uniquely identifies the step within the sequence and is used
	// as the lexicographic tiebreaker when Order collides.
	Name string

	// Order determines scheduling position; ascending.
	Order int

	// Timeout bounds a single attempt. Zero means no explicit timeout
	// was configured and the executor's default applies.
	Timeout time.Duration

	// Retry is the number of additional attempts after the first.
	Retry int

	// Cleanup marks a step that always runs after the regular phase,
	// regardless of failure or stop.
	Cleanup bool

	// Condition, if non-empty, names a parameter that gates execution:
	// the step is skipped when the parameter is absent or falsy.
	Condition string

	// Description is a one-line human-readable summary.
	Description string

	Fn StepFunc
}

// ParameterDef describes one registered parameter and how to obtain its
// default value when a caller does not supply an override.
type ParameterDef struct {
	Name        string
	DisplayName string
	Unit        string
	Description string
	Default     func() interface{}
}

// Sequence is a runtime sequence instance: the object the loader
// constructs and the executor drives. Implementations are generated by a
// sequence package's Factory.NewSequence constructor.
type Sequence interface {
	// Name and Version identify the sequence for ExecutionResult reporting.
	Name() string
	Version() string

	// Steps returns every registered step, in any order; the executor
	// sorts them by Order then Name.
	Steps() []StepDef

	// Parameters returns every registered parameter definition.
	Parameters() []ParameterDef
}

// SortedSteps returns a sequence's steps ordered by Order ascending, with
// ties broken by Name ascending — the executor's scheduling order.
func SortedSteps(seq Sequence) []StepDef {
	steps := append([]StepDef(nil), seq.Steps()...)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order < steps[j].Order
		}
		return steps[i].Name < steps[j].Name
	})
	return steps
}

// NewSequenceFunc constructs a Sequence instance from injected hardware
// and parameter values, as resolved by the loader from a BatchConfig.
type NewSequenceFunc func(hardware map[string]Driver, parameters map[string]interface{}) (Sequence, error)

// Factory bundles a sequence package's constructor with its hardware
// driver constructors, keyed by the driver class name referenced from
// the package's manifest.yaml.
type Factory struct {
	NewSequence NewSequenceFunc
	Drivers     map[string]DriverFactory
}

var (
	mu    sync.RWMutex
	store = make(map[string]Factory)
)

// Register associates a manifest entry-point class name with its
// Factory. Sequence packages call this from their own init();
// registering the same name twice is a programming error and panics.
func Register(manifestName string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := store[manifestName]; exists {
		panic(fmt.Sprintf("registry: sequence package %q already registered", manifestName))
	}

	store[manifestName] = factory
}

// Lookup returns the Factory registered for a manifest entry-point class name.
func Lookup(manifestName string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := store[manifestName]
	return f, ok
}

// Names returns every registered manifest entry-point class name.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(store))
	for name := range store {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reset clears the registry. Exported only to the package's tests via
// the in-package _test.go file — not part of the public API.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	store = make(map[string]Factory)
}
