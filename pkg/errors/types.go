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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a runbook structural or referential validation failure.
// Publish-time validation accumulates these rather than failing on the first one found.
type ValidationError struct {
	// Field identifies the offending document path, e.g. "phases[1].steps[0].worker_id".
	Field string

	// Message is the human-readable description of what's wrong.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// TemplateResolutionError represents an unresolvable {{placeholder}} during
// template resolution. Missing holds every identifier that could not be
// resolved, not just the first, so the caller can report them all at once.
type TemplateResolutionError struct {
	Template string
	Missing  []string
}

// Error implements the error interface.
func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("unresolved template %q: missing %v", e.Template, e.Missing)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// QueryFailure represents a data-source query that failed (not a timeout).
// The Scheduler logs this at ERROR and skips the runbook for the current tick.
type QueryFailure struct {
	RunbookName string
	Cause       error
}

// Error implements the error interface.
func (e *QueryFailure) Error() string {
	return fmt.Sprintf("data source query failed for runbook %q: %v", e.RunbookName, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *QueryFailure) Unwrap() error {
	return e.Cause
}

// QueryTimeoutError represents a data-source query that exceeded its deadline.
type QueryTimeoutError struct {
	RunbookName string
	Duration    time.Duration
}

// Error implements the error interface.
func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("data source query for runbook %q timed out after %v", e.RunbookName, e.Duration)
}

// TransientBusFault represents a recoverable message-bus error. Handlers that
// see this abandon the lock (or the in-flight message) and let the bus redeliver.
type TransientBusFault struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransientBusFault) Error() string {
	return fmt.Sprintf("transient bus fault during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientBusFault) Unwrap() error {
	return e.Cause
}

// MissingCorrelationData is returned when a worker-result message carries no
// JobCorrelationData at all. The message is dead-lettered with this reason.
type MissingCorrelationData struct {
	JobID string
}

// Error implements the error interface.
func (e *MissingCorrelationData) Error() string {
	return fmt.Sprintf("worker result %s: missing correlation data", e.JobID)
}

// InvalidCorrelationData is returned when correlation data is present but
// malformed (neither step_execution_id nor init_execution_id set, or both set).
type InvalidCorrelationData struct {
	JobID  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidCorrelationData) Error() string {
	return fmt.Sprintf("worker result %s: invalid correlation data: %s", e.JobID, e.Reason)
}

// WorkerResultProcessing wraps any unexpected failure while processing a
// worker-result message. It is never swallowed: it bubbles up, the message is
// abandoned, and the bus redelivers it. Deterministic job ids keep a redelivered
// result from causing a second side effect.
type WorkerResultProcessing struct {
	JobID string
	Cause error
}

// Error implements the error interface.
func (e *WorkerResultProcessing) Error() string {
	return fmt.Sprintf("processing worker result %s: %v", e.JobID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkerResultProcessing) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// FatalConfig represents a missing required configuration value. The process
// refuses to start when this is returned from config loading.
type FatalConfig struct {
	Key string
}

// Error implements the error interface.
func (e *FatalConfig) Error() string {
	return fmt.Sprintf("fatal config: required value %q is not set", e.Key)
}
