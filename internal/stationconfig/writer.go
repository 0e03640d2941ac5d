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
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLockTimeout is returned when the configuration file lock cannot be
// acquired within lockTimeout.
var ErrLockTimeout = errors.New("stationconfig: configuration locked by another process")

const lockTimeout = 5 * time.Second

// ErrBatchRunning is returned by RemoveBatch when a worker for the given
// batch id is currently running.
var ErrBatchRunning = errors.New("stationconfig: batch is running, cannot be removed")

// RunningChecker reports whether a batch id currently has a live worker.
// The daemon's supervisor satisfies this so the writer can enforce "a
// running batch's configuration cannot be removed out from under it"
// without importing the supervisor package.
type RunningChecker func(batchID string) bool

// Writer guards the configuration file with an flock-based lock file and
// rewrites it atomically: write to a temp file, fsync, rename over the
// original, and keep the previous contents as a .bak.
type Writer struct {
	path     string
	lockFile *os.File

	IsRunning RunningChecker
}

// NewWriter returns a Writer for the configuration file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Lock acquires an exclusive lock on the configuration file.
func (w *Writer) Lock() error {
	lockPath := w.path + ".lock"

	if dir := filepath.Dir(lockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("stationconfig: create config dir: %w", err)
		}
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("stationconfig: open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			w.lockFile = lockFile
			return nil
		}

		if time.Now().After(deadline) {
			lockFile.Close()
			return ErrLockTimeout
		}

		<-ticker.C
	}
}

// Unlock releases the configuration file lock.
func (w *Writer) Unlock() error {
	if w.lockFile == nil {
		return nil
	}

	if err := syscall.Flock(int(w.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		w.lockFile.Close()
		w.lockFile = nil
		return fmt.Errorf("stationconfig: unlock: %w", err)
	}

	if err := w.lockFile.Close(); err != nil {
		w.lockFile = nil
		return fmt.Errorf("stationconfig: close lock file: %w", err)
	}

	w.lockFile = nil
	return nil
}

// WithLock runs fn while holding the configuration file lock.
func (w *Writer) WithLock(fn func() error) error {
	if err := w.Lock(); err != nil {
		return err
	}
	defer w.Unlock()
	return fn()
}

// Load reads the locked configuration file.
func (w *Writer) Load() (*Config, error) {
	return Load(w.path)
}

// Save atomically rewrites the configuration file: marshal to YAML, write
// to path+".tmp", fsync the temp file, copy the existing file (if any) to
// path+".bak", then rename the temp file over the original.
func (w *Writer) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("stationconfig: create config dir: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("stationconfig: marshal config: %w", err)
	}

	tempPath := w.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("stationconfig: open temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("stationconfig: write temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("stationconfig: fsync temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("stationconfig: close temp file: %w", err)
	}

	if existing, err := os.ReadFile(w.path); err == nil {
		if err := os.WriteFile(w.path+".bak", existing, 0o600); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("stationconfig: write backup file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		os.Remove(tempPath)
		return fmt.Errorf("stationconfig: read existing config for backup: %w", err)
	}

	if err := os.Rename(tempPath, w.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("stationconfig: rename temp file: %w", err)
	}

	return nil
}

// UpsertBatch adds or replaces a batch config by id, under lock.
func (w *Writer) UpsertBatch(batch BatchConfig) error {
	return w.WithLock(func() error {
		cfg, err := w.Load()
		if err != nil {
			return err
		}

		replaced := false
		for i := range cfg.Batches {
			if cfg.Batches[i].ID == batch.ID {
				cfg.Batches[i] = batch
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Batches = append(cfg.Batches, batch)
		}

		return w.Save(cfg)
	})
}

// RemoveBatch deletes the named batch config, under lock. It refuses when
// a worker for that batch is currently running.
func (w *Writer) RemoveBatch(batchID string) error {
	return w.WithLock(func() error {
		if w.IsRunning != nil && w.IsRunning(batchID) {
			return ErrBatchRunning
		}

		cfg, err := w.Load()
		if err != nil {
			return err
		}

		kept := cfg.Batches[:0]
		for _, b := range cfg.Batches {
			if b.ID != batchID {
				kept = append(kept, b)
			}
		}
		cfg.Batches = kept

		return w.Save(cfg)
	})
}

// UpdateIdentity rewrites the station identity block, under lock.
func (w *Writer) UpdateIdentity(identity StationIdentity) error {
	return w.WithLock(func() error {
		cfg, err := w.Load()
		if err != nil {
			return err
		}
		cfg.Station = identity
		return w.Save(cfg)
	})
}
