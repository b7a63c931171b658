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

package runbook

import (
	"fmt"

	"github.com/migrond/migrond/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Parse decodes a runbook document from YAML bytes. It does not assign a
// version; callers publishing a runbook are responsible for that.
func Parse(data []byte) (*Runbook, error) {
	var rb Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("failed to parse runbook: %w", err)
	}
	return &rb, nil
}

// ParseAndValidate decodes a runbook document and runs full structural and
// referential validation, returning every error found rather than stopping
// at the first one.
func ParseAndValidate(data []byte) (*Runbook, error) {
	rb, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if errs := rb.Validate(); len(errs) > 0 {
		return nil, JoinValidationErrors(errs)
	}
	return rb, nil
}

// JoinValidationErrors combines accumulated validation errors into a single
// error value, preserving each as an inspectable *errors.ValidationError via
// errors.As on the returned multiError.
func JoinValidationErrors(errs []*errors.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	return &multiError{errs: errs}
}

// multiError aggregates validation failures found during a single
// accumulate-all-errors validation pass.
type multiError struct {
	errs []*errors.ValidationError
}

// Error implements the error interface, listing every validation failure.
func (m *multiError) Error() string {
	msg := fmt.Sprintf("%d validation error(s):", len(m.errs))
	for _, e := range m.errs {
		msg += "\n  - " + e.Error()
	}
	return msg
}

// Errors returns the individual validation errors that were accumulated.
func (m *multiError) Errors() []*errors.ValidationError {
	return m.errs
}
