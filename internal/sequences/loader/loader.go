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

// Package loader discovers sequence packages on disk, parses and caches
// their manifests, and resolves the registered sequence and driver
// factories a batch worker needs to instantiate one.
//
// Sequence source in this module is plain Go: "dynamically resolving the
// entry-point class" means looking the manifest's entry point up in the
// registry package, which sequence packages populate from their own
// init() by blank-importing them into a worker binary.
package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stationservice/station/internal/sequences/manifest"
	"github.com/stationservice/station/internal/sequences/registry"
	"github.com/stationservice/station/internal/station/stationerrors"
)

const manifestFileName = "manifest.yaml"

// Loader discovers and loads sequence packages rooted at a single
// directory on disk, caching parsed manifests by package name.
type Loader struct {
	root   string
	logger *slog.Logger

	mu        sync.Mutex
	manifests map[string]*manifest.SequenceManifest

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
}

// New returns a Loader rooted at the given sequence package directory.
func New(root string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		root:      root,
		logger:    logger,
		manifests: make(map[string]*manifest.SequenceManifest),
	}
}

// DiscoverPackages lists package directory names under the loader's root.
// Non-directories and hidden names (a leading dot) are skipped.
func (l *Loader) DiscoverPackages() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("loader: read root %s: %w", l.root, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}

	return names, nil
}

// LoadPackage parses and validates the named package's manifest.yaml,
// returning the cached copy on repeat calls.
func (l *Loader) LoadPackage(name string) (*manifest.SequenceManifest, error) {
	l.mu.Lock()
	if cached, ok := l.manifests[name]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	path := filepath.Join(l.root, name, manifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &stationerrors.ManifestError{Package: name, Reason: "manifest file missing or unreadable", Cause: err}
	}

	var m manifest.SequenceManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &stationerrors.ManifestError{Package: name, Reason: "manifest is not valid YAML", Cause: err}
	}

	if err := m.Validate(); err != nil {
		return nil, &stationerrors.ManifestError{Package: name, Reason: err.Error()}
	}

	l.mu.Lock()
	if existing, ok := l.manifests[name]; ok {
		l.logger.Warn("duplicate sequence package name, keeping latest discovery", "package", name, "previous_version", existing.Version, "new_version", m.Version)
	}
	l.manifests[name] = &m
	l.mu.Unlock()

	return &m, nil
}

// LoadSequenceClass resolves the registry Factory whose manifest entry
// point matches the given manifest's class name. The factory must exist
// before a worker can instantiate the sequence.
func (l *Loader) LoadSequenceClass(m *manifest.SequenceManifest) (registry.Factory, error) {
	factory, ok := registry.Lookup(m.EntryPoint.ClassName)
	if !ok {
		return registry.Factory{}, &stationerrors.ManifestError{
			Package: m.Name,
			Reason:  fmt.Sprintf("no sequence registered for entry point %q", m.EntryPoint.ClassName),
		}
	}
	return factory, nil
}

// LoadHardwareDrivers resolves a driver factory for every hardware entry
// declared in the manifest, keyed by hardware id. A hardware entry whose
// driver module cannot be resolved is logged and omitted rather than
// failing the load; the worker fails later only if that hardware is
// actually required to construct the sequence.
func (l *Loader) LoadHardwareDrivers(m *manifest.SequenceManifest) (map[string]registry.DriverFactory, error) {
	factory, ok := registry.Lookup(m.EntryPoint.ClassName)
	if !ok {
		return nil, &stationerrors.ManifestError{
			Package: m.Name,
			Reason:  fmt.Sprintf("no sequence registered for entry point %q", m.EntryPoint.ClassName),
		}
	}

	drivers := make(map[string]registry.DriverFactory, len(m.Hardware))
	for hardwareID, def := range m.Hardware {
		factoryFn, ok := factory.Drivers[def.ClassName]
		if !ok {
			l.logger.Warn("hardware driver not resolvable, omitting from hardware map",
				"package", m.Name, "hardware_id", hardwareID, "driver_class", def.ClassName)
			continue
		}
		drivers[hardwareID] = factoryFn
	}

	return drivers, nil
}

// ParameterUpdates overrides parameter defaults by name.
type ParameterUpdates map[string]interface{}

// StepUpdate overrides a step's order and/or timeout override fields.
type StepUpdate struct {
	Order   *int
	Timeout *float64
}

// UpdateManifest rewrites the named package's manifest.yaml with default
// value overrides and/or step scheduling overrides, bumping the semver
// patch component. Source files are never touched.
func (l *Loader) UpdateManifest(name string, parameterUpdates ParameterUpdates, stepUpdates map[string]StepUpdate) (*manifest.SequenceManifest, error) {
	m, err := l.LoadPackage(name)
	if err != nil {
		return nil, err
	}

	updated := *m
	if len(parameterUpdates) > 0 {
		params := make(map[string]manifest.ParameterDefinition, len(m.Parameters))
		for k, v := range m.Parameters {
			params[k] = v
		}
		for paramName, newDefault := range parameterUpdates {
			def, ok := params[paramName]
			if !ok {
				return nil, &stationerrors.ManifestError{Package: name, Reason: fmt.Sprintf("unknown parameter %q", paramName)}
			}
			def.Default = newDefault
			params[paramName] = def
		}
		updated.Parameters = params
	}

	if len(stepUpdates) > 0 {
		overrides := make(map[string]manifest.StepOverride, len(m.StepOverrides)+len(stepUpdates))
		for k, v := range m.StepOverrides {
			overrides[k] = v
		}
		for stepName, upd := range stepUpdates {
			overrides[stepName] = manifest.StepOverride{Order: upd.Order, Timeout: upd.Timeout}
		}
		updated.StepOverrides = overrides
	}

	bumped, err := manifest.BumpPatch(m.Version)
	if err != nil {
		return nil, &stationerrors.ManifestError{Package: name, Reason: "cannot bump version", Cause: err}
	}
	updated.Version = bumped

	if err := updated.Validate(); err != nil {
		return nil, &stationerrors.ManifestError{Package: name, Reason: err.Error()}
	}

	raw, err := yaml.Marshal(&updated)
	if err != nil {
		return nil, fmt.Errorf("loader: marshal updated manifest for %s: %w", name, err)
	}

	path := filepath.Join(l.root, name, manifestFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("loader: write updated manifest for %s: %w", name, err)
	}

	l.mu.Lock()
	l.manifests[name] = &updated
	l.mu.Unlock()

	return &updated, nil
}

// ClearCache invalidates every cached manifest, forcing the next
// LoadPackage call to re-read from disk.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests = make(map[string]*manifest.SequenceManifest)
}

// Watch starts watching the loader's root directory (and each immediate
// package subdirectory) for manifest.yaml writes, clearing the affected
// package from cache as soon as a change lands on disk. A second call to
// Watch on an already-watching Loader is a no-op.
func (l *Loader) Watch() error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: create watcher: %w", err)
	}

	packages, err := l.DiscoverPackages()
	if err != nil {
		watcher.Close()
		return err
	}
	for _, name := range packages {
		if err := watcher.Add(filepath.Join(l.root, name)); err != nil {
			l.logger.Warn("could not watch sequence package directory", "package", name, "error", err)
		}
	}
	if err := watcher.Add(l.root); err != nil {
		l.logger.Warn("could not watch sequence package root", "root", l.root, "error", err)
	}

	done := make(chan struct{})

	l.mu.Lock()
	l.watcher = watcher
	l.watcherDone = done
	l.mu.Unlock()

	go l.watchLoop(watcher, done)

	return nil
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != manifestFileName {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			pkgName := filepath.Base(filepath.Dir(evt.Name))
			l.mu.Lock()
			delete(l.manifests, pkgName)
			l.mu.Unlock()
			l.logger.Info("manifest changed on disk, cache invalidated", "package", pkgName)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("manifest watcher error", "error", err)
		}
	}
}

// Close stops the directory watcher started by Watch, if any.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Close()
}
