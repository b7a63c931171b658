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

// Package featureflags provides runtime operational toggles for migrond.
package featureflags

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Flags holds all feature flags with thread-safe access.
type Flags struct {
	mu sync.RWMutex

	// AutomationPaused is a global kill switch: when set, the Scheduler
	// skips every tick regardless of per-runbook automation settings.
	AutomationPaused bool

	// VerboseDispatchLogging logs the full step payload on every worker
	// dispatch instead of just the job id, for incident debugging.
	VerboseDispatchLogging bool

	// RollbackOnFailureEnabled gates whether a step failure triggers its
	// runbook's rollback sequence. Operators disable this during an
	// incident to inspect failed state before it's unwound.
	RollbackOnFailureEnabled bool

	// StrictTemplateResolution rejects a step dispatch outright when a
	// template reference can't be resolved, instead of substituting an
	// empty string.
	StrictTemplateResolution bool
}

// New constructs a Flags instance with spec defaults, then applies any
// environment overrides. There is no global/singleton instance: the
// Scheduler and Orchestrator each take a *Flags explicitly at
// construction.
func New() *Flags {
	f := &Flags{
		AutomationPaused:         false,
		VerboseDispatchLogging:   false,
		RollbackOnFailureEnabled: true,
		StrictTemplateResolution: true,
	}
	f.loadFromEnv()
	return f
}

// loadFromEnv loads feature flags from environment variables.
// Environment variables override default values.
func (f *Flags) loadFromEnv() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if val := os.Getenv("MIGROND_AUTOMATION_PAUSED"); val != "" {
		f.AutomationPaused = parseBool(val)
	}
	if val := os.Getenv("MIGROND_VERBOSE_DISPATCH_LOGGING"); val != "" {
		f.VerboseDispatchLogging = parseBool(val)
	}
	if val := os.Getenv("MIGROND_ROLLBACK_ON_FAILURE_ENABLED"); val != "" {
		f.RollbackOnFailureEnabled = parseBool(val)
	}
	if val := os.Getenv("MIGROND_STRICT_TEMPLATE_RESOLUTION"); val != "" {
		f.StrictTemplateResolution = parseBool(val)
	}
}

// IsAutomationPaused returns whether the global automation kill switch is on.
func (f *Flags) IsAutomationPaused() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.AutomationPaused
}

// IsVerboseDispatchLoggingEnabled returns whether dispatch logging includes
// the full step payload.
func (f *Flags) IsVerboseDispatchLoggingEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.VerboseDispatchLogging
}

// IsRollbackOnFailureEnabled returns whether a step failure triggers
// rollback.
func (f *Flags) IsRollbackOnFailureEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.RollbackOnFailureEnabled
}

// IsStrictTemplateResolutionEnabled returns whether an unresolved template
// reference fails a dispatch outright.
func (f *Flags) IsStrictTemplateResolutionEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.StrictTemplateResolution
}

// SetAutomationPaused sets the automation kill switch (for testing).
func (f *Flags) SetAutomationPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AutomationPaused = paused
}

// SetVerboseDispatchLogging sets the verbose dispatch logging flag (for testing).
func (f *Flags) SetVerboseDispatchLogging(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VerboseDispatchLogging = enabled
}

// SetRollbackOnFailureEnabled sets the rollback-on-failure flag (for testing).
func (f *Flags) SetRollbackOnFailureEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RollbackOnFailureEnabled = enabled
}

// SetStrictTemplateResolution sets the strict template resolution flag (for testing).
func (f *Flags) SetStrictTemplateResolution(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StrictTemplateResolution = enabled
}

// fileOverrides is the JSON shape a flags file is decoded into. A field
// absent from the file leaves the corresponding flag untouched, so an
// operator can toggle a single flag without restating the rest.
type fileOverrides struct {
	AutomationPaused         *bool `json:"automation_paused"`
	VerboseDispatchLogging   *bool `json:"verbose_dispatch_logging"`
	RollbackOnFailureEnabled *bool `json:"rollback_on_failure_enabled"`
	StrictTemplateResolution *bool `json:"strict_template_resolution"`
}

// loadFromFile decodes a JSON flags file at path and applies any fields it
// sets, leaving unset fields at their current value. A missing file is not
// an error: flags simply keep whatever value they already hold.
func (f *Flags) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var o fileOverrides
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if o.AutomationPaused != nil {
		f.AutomationPaused = *o.AutomationPaused
	}
	if o.VerboseDispatchLogging != nil {
		f.VerboseDispatchLogging = *o.VerboseDispatchLogging
	}
	if o.RollbackOnFailureEnabled != nil {
		f.RollbackOnFailureEnabled = *o.RollbackOnFailureEnabled
	}
	if o.StrictTemplateResolution != nil {
		f.StrictTemplateResolution = *o.StrictTemplateResolution
	}
	return nil
}

// parseBool converts a string to a boolean value.
// Accepts: "1", "t", "T", "true", "TRUE", "True"
func parseBool(val string) bool {
	val = strings.TrimSpace(val)
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return false
}
