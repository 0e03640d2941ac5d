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

package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stationservice/station/internal/sequences/manifest"
	"github.com/stationservice/station/internal/sequences/registry"
)

const testManifestYAML = `
name: board_smoke_test
version: 1.0.0
entry_point:
  module: boardsmoketest
  class_name: board_smoke_test_entry
parameters:
  voltage:
    type: float
    default: 3.3
`

func writeTestPackage(t *testing.T, root, name, yamlBody string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFileName), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write manifest failed: %v", err)
	}
}

func TestDiscoverPackages(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)
	if err := os.WriteFile(filepath.Join(root, ".hidden"), nil, 0o644); err != nil {
		t.Fatalf("write hidden file failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "not_a_dir.txt"), nil, 0o644); err != nil {
		t.Fatalf("write flat file failed: %v", err)
	}

	l := New(root, nil)
	names, err := l.DiscoverPackages()
	if err != nil {
		t.Fatalf("DiscoverPackages failed: %v", err)
	}

	if len(names) != 1 || names[0] != "board_smoke_test" {
		t.Fatalf("expected [board_smoke_test], got %v", names)
	}
}

func TestLoadPackage_CachesResult(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	m1, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}
	if m1.Name != "board_smoke_test" || m1.Version != "1.0.0" {
		t.Fatalf("unexpected manifest: %+v", m1)
	}

	m2, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("second LoadPackage failed: %v", err)
	}
	if m1 != m2 {
		t.Error("expected cached manifest pointer to be reused")
	}
}

func TestLoadPackage_MissingFile(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil)
	if _, err := l.LoadPackage("does-not-exist"); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLoadPackage_InvalidSchema(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "bad_pkg", "name: bad_pkg\nversion: not-semver\nentry_point:\n  module: m\n  class_name: c\n")

	l := New(root, nil)
	if _, err := l.LoadPackage("bad_pkg"); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestLoadSequenceClass_NotRegistered(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	m, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}

	if _, err := l.LoadSequenceClass(m); err == nil {
		t.Fatal("expected error for unregistered entry point")
	}
}

func TestLoadSequenceClass_Registered(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	registry.Register("board_smoke_test_entry", registry.Factory{
		NewSequence: func(hardware map[string]registry.Driver, parameters map[string]interface{}) (registry.Sequence, error) {
			return nil, nil
		},
	})

	l := New(root, nil)
	m, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}

	factory, err := l.LoadSequenceClass(m)
	if err != nil {
		t.Fatalf("LoadSequenceClass failed: %v", err)
	}
	if factory.NewSequence == nil {
		t.Error("expected NewSequence constructor")
	}
}

func TestLoadHardwareDrivers_MissingDriverLoggedNotFailed(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	registry.Register("board_smoke_test_entry_with_hw", registry.Factory{
		NewSequence: func(hardware map[string]registry.Driver, parameters map[string]interface{}) (registry.Sequence, error) {
			return nil, nil
		},
		Drivers: map[string]registry.DriverFactory{},
	})

	l := New(root, nil)
	m, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}
	m.EntryPoint.ClassName = "board_smoke_test_entry_with_hw"
	m.Hardware = map[string]manifest.HardwareDefinition{
		"psu": {DisplayName: "Power Supply", DriverModule: "psu_driver", ClassName: "psu_driver_class"},
	}

	drivers, err := l.LoadHardwareDrivers(m)
	if err != nil {
		t.Fatalf("LoadHardwareDrivers failed: %v", err)
	}
	if len(drivers) != 0 {
		t.Errorf("expected no resolved drivers, got %d", len(drivers))
	}
}

func TestUpdateManifest_BumpsPatchAndOverridesParameter(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	updated, err := l.UpdateManifest("board_smoke_test", ParameterUpdates{"voltage": 5.0}, nil)
	if err != nil {
		t.Fatalf("UpdateManifest failed: %v", err)
	}

	if updated.Version != "1.0.1" {
		t.Errorf("expected version bumped to 1.0.1, got %s", updated.Version)
	}
	if updated.Parameters["voltage"].Default != 5.0 {
		t.Errorf("expected voltage default overridden to 5.0, got %v", updated.Parameters["voltage"].Default)
	}

	l.ClearCache()
	reloaded, err := l.LoadPackage("board_smoke_test")
	if err != nil {
		t.Fatalf("reload after clear cache failed: %v", err)
	}
	if reloaded.Version != "1.0.1" {
		t.Errorf("expected persisted version 1.0.1 on disk, got %s", reloaded.Version)
	}
}

func TestUpdateManifest_UnknownParameter(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	if _, err := l.UpdateManifest("board_smoke_test", ParameterUpdates{"not_a_param": 1}, nil); err == nil {
		t.Fatal("expected error for unknown parameter override")
	}
}

func TestWatch_InvalidatesCacheOnManifestWrite(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	if _, err := l.LoadPackage("board_smoke_test"); err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}

	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		_, cached := l.manifests["board_smoke_test"]
		l.mu.Unlock()
		if !cached {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected cache entry to be invalidated after manifest write")
}

func TestClearCache(t *testing.T) {
	root := t.TempDir()
	writeTestPackage(t, root, "board_smoke_test", testManifestYAML)

	l := New(root, nil)
	if _, err := l.LoadPackage("board_smoke_test"); err != nil {
		t.Fatalf("LoadPackage failed: %v", err)
	}

	l.ClearCache()

	l.mu.Lock()
	cached := len(l.manifests)
	l.mu.Unlock()
	if cached != 0 {
		t.Errorf("expected empty cache after ClearCache, got %d entries", cached)
	}
}
