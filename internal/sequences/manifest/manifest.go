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

// Package manifest defines the on-disk schema for a sequence package's
// manifest.yaml and the validation rules it must satisfy before a batch
// worker will load it.
package manifest

import (
	"fmt"
	"regexp"
	"time"
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldType enumerates the scalar types a hardware config field or
// parameter may declare.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
)

// EntryPoint names the Go package and registered sequence name a manifest
// resolves to. ClassName is the key looked up in the sequence registry.
type EntryPoint struct {
	Module    string `yaml:"module"`
	ClassName string `yaml:"class_name"`
}

// ConfigField describes one field of a hardware driver's configuration
// schema.
type ConfigField struct {
	Type     FieldType     `yaml:"type"`
	Required bool          `yaml:"required"`
	Default  interface{}   `yaml:"default,omitempty"`
	Options  []interface{} `yaml:"options,omitempty"`
	Min      *float64      `yaml:"min,omitempty"`
	Max      *float64      `yaml:"max,omitempty"`
}

// HardwareDefinition describes one entry in a manifest's hardware map.
type HardwareDefinition struct {
	DisplayName  string                 `yaml:"display_name"`
	DriverModule string                 `yaml:"driver_module"`
	ClassName    string                 `yaml:"class_name"`
	ConfigSchema map[string]ConfigField `yaml:"config_schema,omitempty"`
}

// StepOverride holds an operator-applied scheduling override for one
// step, written by Loader.UpdateManifest rather than by the sequence
// package itself.
type StepOverride struct {
	Order   *int     `yaml:"order,omitempty"`
	Timeout *float64 `yaml:"timeout,omitempty"`
}

// ParameterDefinition describes one entry in a manifest's parameter map.
type ParameterDefinition struct {
	DisplayName string        `yaml:"display_name"`
	Type        FieldType     `yaml:"type"`
	Default     interface{}   `yaml:"default"`
	Min         *float64      `yaml:"min,omitempty"`
	Max         *float64      `yaml:"max,omitempty"`
	Options     []interface{} `yaml:"options,omitempty"`
	Unit        string        `yaml:"unit,omitempty"`
	Description string        `yaml:"description,omitempty"`
}

// SequenceManifest is the parsed, validated contents of a sequence
// package's manifest.yaml.
type SequenceManifest struct {
	Name          string                         `yaml:"name"`
	Version       string                         `yaml:"version"`
	Author        string                         `yaml:"author,omitempty"`
	Description   string                         `yaml:"description,omitempty"`
	CreatedAt     time.Time                      `yaml:"created_at,omitempty"`
	UpdatedAt     time.Time                      `yaml:"updated_at,omitempty"`
	EntryPoint    EntryPoint                     `yaml:"entry_point"`
	Hardware      map[string]HardwareDefinition  `yaml:"hardware,omitempty"`
	Parameters    map[string]ParameterDefinition `yaml:"parameters,omitempty"`
	Requires      []string                       `yaml:"requires,omitempty"`
	StepOverrides map[string]StepOverride        `yaml:"step_overrides,omitempty"`
}

// Validate checks the manifest schema: a well-formed name, a semver
// version, and parameter defaults consistent with their declared type.
func (m *SequenceManifest) Validate() error {
	if m.Name == "" || !identifierPattern.MatchString(m.Name) {
		return fmt.Errorf("manifest: invalid package name %q", m.Name)
	}

	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("manifest: version %q does not match X.Y.Z", m.Version)
	}

	if m.EntryPoint.Module == "" || m.EntryPoint.ClassName == "" {
		return fmt.Errorf("manifest: entry_point must set module and class_name")
	}

	for name, param := range m.Parameters {
		if err := validateParameterDefault(name, param); err != nil {
			return err
		}
	}

	return nil
}

func validateParameterDefault(name string, param ParameterDefinition) error {
	if param.Default == nil {
		return nil
	}

	switch param.Type {
	case FieldTypeString:
		if _, ok := param.Default.(string); !ok {
			return fmt.Errorf("manifest: parameter %q default %v is not a string", name, param.Default)
		}
	case FieldTypeBool:
		if _, ok := param.Default.(bool); !ok {
			return fmt.Errorf("manifest: parameter %q default %v is not a bool", name, param.Default)
		}
	case FieldTypeInt:
		switch param.Default.(type) {
		case int, int32, int64:
		default:
			return fmt.Errorf("manifest: parameter %q default %v is not an int", name, param.Default)
		}
	case FieldTypeFloat:
		switch param.Default.(type) {
		case float32, float64, int, int32, int64:
		default:
			return fmt.Errorf("manifest: parameter %q default %v is not a float", name, param.Default)
		}
	default:
		return fmt.Errorf("manifest: parameter %q has unknown type %q", name, param.Type)
	}

	return nil
}

// BumpPatch returns a copy of the version string with its patch
// component incremented by one. The version is assumed to already be a
// valid X.Y.Z string.
func BumpPatch(version string) (string, error) {
	var major, minor, patch int
	if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return "", fmt.Errorf("manifest: cannot parse version %q: %w", version, err)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}
