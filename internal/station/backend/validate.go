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

package backend

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stationservice/station/internal/sequences/manifest"
)

// ParameterValidator checks a manual-control parameter override against
// its manifest-declared min/max/options constraints before the override
// is sent to a worker, using compiled expr-lang programs so range and
// membership checks read the same way the manifest author wrote them.
type ParameterValidator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewParameterValidator returns an empty ParameterValidator.
func NewParameterValidator() *ParameterValidator {
	return &ParameterValidator{cache: make(map[string]*vm.Program)}
}

// Validate checks value against def's min/max/options constraints.
func (v *ParameterValidator) Validate(name string, def manifest.ParameterDefinition, value interface{}) error {
	if def.Min != nil {
		ok, err := v.run("value >= minimum", map[string]interface{}{"value": value, "minimum": *def.Min})
		if err != nil {
			return fmt.Errorf("backend: validate %q lower bound: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("backend: parameter %q value %v is below minimum %v", name, value, *def.Min)
		}
	}

	if def.Max != nil {
		ok, err := v.run("value <= maximum", map[string]interface{}{"value": value, "maximum": *def.Max})
		if err != nil {
			return fmt.Errorf("backend: validate %q upper bound: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("backend: parameter %q value %v is above maximum %v", name, value, *def.Max)
		}
	}

	if len(def.Options) > 0 {
		ok, err := v.run("value in options", map[string]interface{}{"value": value, "options": def.Options})
		if err != nil {
			return fmt.Errorf("backend: validate %q options: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("backend: parameter %q value %v is not one of %v", name, value, def.Options)
		}
	}

	return nil
}

func (v *ParameterValidator) run(expression string, env map[string]interface{}) (bool, error) {
	program, err := v.compile(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("expression %q did not evaluate to a bool", expression)
	}
	return ok, nil
}

// ValidateConfigField checks value against a hardware config field's
// min/max/options constraints, sharing the same compiled expressions as
// Validate since ConfigField and ParameterDefinition carry the same
// constraint shape.
func (v *ParameterValidator) ValidateConfigField(name string, field manifest.ConfigField, value interface{}) error {
	return v.Validate(name, manifest.ParameterDefinition{
		Type:    field.Type,
		Min:     field.Min,
		Max:     field.Max,
		Options: field.Options,
	}, value)
}

func (v *ParameterValidator) compile(expression string) (*vm.Program, error) {
	v.mu.RLock()
	if prog, ok := v.cache[expression]; ok {
		v.mu.RUnlock()
		return prog, nil
	}
	v.mu.RUnlock()

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	v.mu.Lock()
	v.cache[expression] = program
	v.mu.Unlock()

	return program, nil
}
