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

package featureflags

import (
	"os"
	"testing"
)

func TestFlags_Defaults(t *testing.T) {
	// Create a fresh instance to test defaults
	f := &Flags{}
	f.loadFromEnv()

	// All flags should be false when no env vars are set
	// (since we don't set defaults in loadFromEnv, only in New())
	if f.AutomationPaused {
		t.Error("expected AutomationPaused to be false by default in fresh instance")
	}
	if f.VerboseDispatchLogging {
		t.Error("expected VerboseDispatchLogging to be false by default in fresh instance")
	}
	if f.RollbackOnFailureEnabled {
		t.Error("expected RollbackOnFailureEnabled to be false by default in fresh instance")
	}
	if f.StrictTemplateResolution {
		t.Error("expected StrictTemplateResolution to be false by default in fresh instance")
	}
}

func TestFlags_LoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		check    func(*Flags) bool
	}{
		{
			name:     "automation paused true",
			envKey:   "MIGROND_AUTOMATION_PAUSED",
			envValue: "true",
			check:    func(f *Flags) bool { return f.AutomationPaused },
		},
		{
			name:     "automation paused 1",
			envKey:   "MIGROND_AUTOMATION_PAUSED",
			envValue: "1",
			check:    func(f *Flags) bool { return f.AutomationPaused },
		},
		{
			name:     "automation unpaused false",
			envKey:   "MIGROND_AUTOMATION_PAUSED",
			envValue: "false",
			check:    func(f *Flags) bool { return !f.AutomationPaused },
		},
		{
			name:     "automation unpaused 0",
			envKey:   "MIGROND_AUTOMATION_PAUSED",
			envValue: "0",
			check:    func(f *Flags) bool { return !f.AutomationPaused },
		},
		{
			name:     "verbose dispatch logging enabled",
			envKey:   "MIGROND_VERBOSE_DISPATCH_LOGGING",
			envValue: "true",
			check:    func(f *Flags) bool { return f.VerboseDispatchLogging },
		},
		{
			name:     "rollback on failure enabled",
			envKey:   "MIGROND_ROLLBACK_ON_FAILURE_ENABLED",
			envValue: "true",
			check:    func(f *Flags) bool { return f.RollbackOnFailureEnabled },
		},
		{
			name:     "strict template resolution enabled",
			envKey:   "MIGROND_STRICT_TEMPLATE_RESOLUTION",
			envValue: "true",
			check:    func(f *Flags) bool { return f.StrictTemplateResolution },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(tt.envKey, tt.envValue)
			defer os.Unsetenv(tt.envKey)

			f := &Flags{}
			f.loadFromEnv()

			if !tt.check(f) {
				t.Errorf("flag check failed for %s=%s", tt.envKey, tt.envValue)
			}
		})
	}
}

func TestFlags_Getters(t *testing.T) {
	f := &Flags{
		AutomationPaused:         true,
		VerboseDispatchLogging:   false,
		RollbackOnFailureEnabled: true,
		StrictTemplateResolution: false,
	}

	if !f.IsAutomationPaused() {
		t.Error("expected IsAutomationPaused to return true")
	}
	if f.IsVerboseDispatchLoggingEnabled() {
		t.Error("expected IsVerboseDispatchLoggingEnabled to return false")
	}
	if !f.IsRollbackOnFailureEnabled() {
		t.Error("expected IsRollbackOnFailureEnabled to return true")
	}
	if f.IsStrictTemplateResolutionEnabled() {
		t.Error("expected IsStrictTemplateResolutionEnabled to return false")
	}
}

func TestFlags_Setters(t *testing.T) {
	f := &Flags{}

	f.SetAutomationPaused(true)
	if !f.AutomationPaused {
		t.Error("SetAutomationPaused failed")
	}

	f.SetVerboseDispatchLogging(true)
	if !f.VerboseDispatchLogging {
		t.Error("SetVerboseDispatchLogging failed")
	}

	f.SetRollbackOnFailureEnabled(true)
	if !f.RollbackOnFailureEnabled {
		t.Error("SetRollbackOnFailureEnabled failed")
	}

	f.SetStrictTemplateResolution(true)
	if !f.StrictTemplateResolution {
		t.Error("SetStrictTemplateResolution failed")
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"True", true},
		{"TRUE", true},
		{"1", true},
		{"t", true},
		{"T", true},
		{"false", false},
		{"False", false},
		{"FALSE", false},
		{"0", false},
		{"f", false},
		{"F", false},
		{"", false},
		{"invalid", false},
		{" true ", true},
		{" false ", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseBool(tt.input)
			if result != tt.expected {
				t.Errorf("parseBool(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}
