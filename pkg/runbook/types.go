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

// Package runbook provides the declarative runbook document: the YAML-based
// definition of a migration batch's data source, init sequence, phases, and
// rollback sequences.
package runbook

// Runbook represents a versioned declarative migration-workflow document.
// Publishing a new version never mutates an existing version; the phase
// evaluator (pkg/phase) computes how in-flight batches transition between
// versions.
type Runbook struct {
	// Name is the runbook identifier. Stable across versions; the data
	// table backing a runbook's members is keyed by this name, not by
	// version.
	Name string `yaml:"name" json:"name"`

	// Version is a monotonically increasing integer assigned at publish
	// time, not parsed from the document itself.
	Version int `yaml:"-" json:"version"`

	// Description is human-readable context for operators.
	Description string `yaml:"description" json:"description"`

	// OverdueBehavior governs whether past-due phases created during a
	// version transition are re-run or skipped. Defaults to "rerun".
	OverdueBehavior string `yaml:"overdue_behavior,omitempty" json:"overdue_behavior,omitempty"`

	// RerunInit, when true, re-executes init steps for in-flight batches
	// on a version transition rather than treating init as already done.
	RerunInit bool `yaml:"rerun_init,omitempty" json:"rerun_init,omitempty"`

	// DataSource configures how the Scheduler discovers batch members.
	DataSource DataSourceConfig `yaml:"data_source" json:"data_source"`

	// Init lists batch-level steps that run once, sequentially, before any
	// phase becomes eligible.
	Init []StepDefinition `yaml:"init,omitempty" json:"init,omitempty"`

	// Phases lists the offset-scheduled groups of per-member steps.
	Phases []PhaseDefinition `yaml:"phases" json:"phases"`

	// OnMemberRemoved lists steps dispatched, fire-and-forget, when a
	// member is removed from a batch.
	OnMemberRemoved []StepDefinition `yaml:"on_member_removed,omitempty" json:"on_member_removed,omitempty"`

	// Retry is the runbook-wide default retry policy, inherited by any
	// step that omits its own retry block.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Rollbacks maps a rollback sequence name to the steps fired,
	// fire-and-forget, when a step naming it in on_failure terminally fails.
	Rollbacks map[string][]StepDefinition `yaml:"rollbacks,omitempty" json:"rollbacks,omitempty"`
}

// DataSourceConfig configures how the Scheduler finds and queries batch
// members for a runbook.
type DataSourceConfig struct {
	// Type identifies the query engine: "dataverse", "databricks", or "sql".
	Type string `yaml:"type" json:"type"`

	// Connection is the adapter-specific connection descriptor or name.
	Connection string `yaml:"connection" json:"connection"`

	// WarehouseID is required when Type is "databricks".
	WarehouseID string `yaml:"warehouse_id,omitempty" json:"warehouse_id,omitempty"`

	// Query is the adapter-specific query body.
	Query string `yaml:"query" json:"query"`

	// PrimaryKey names the result column that uniquely identifies a
	// member row.
	PrimaryKey string `yaml:"primary_key" json:"primary_key"`

	// BatchTimeColumn names the result column whose value groups rows
	// into a scheduled batch. Mutually exclusive with BatchTime.
	BatchTimeColumn string `yaml:"batch_time_column,omitempty" json:"batch_time_column,omitempty"`

	// BatchTime, when set to "immediate", assigns every row to a batch
	// bucketed by the current 5-minute boundary instead of a column
	// value. Mutually exclusive with BatchTimeColumn.
	BatchTime string `yaml:"batch_time,omitempty" json:"batch_time,omitempty"`

	// MultiValuedColumns describes result columns that pack multiple
	// values into a single cell and how to split them.
	MultiValuedColumns []MultiValuedColumn `yaml:"multi_valued_columns,omitempty" json:"multi_valued_columns,omitempty"`
}

// MultiValuedColumn describes how to split a packed-value result column.
type MultiValuedColumn struct {
	// Name is the result column name.
	Name string `yaml:"name" json:"name"`

	// Format is the packing scheme: "semicolon_delimited",
	// "comma_delimited", or "json_array".
	Format string `yaml:"format" json:"format"`
}

// PhaseDefinition describes one offset-scheduled group of per-member steps.
type PhaseDefinition struct {
	// Name identifies the phase within the runbook, e.g. "reminder".
	Name string `yaml:"name" json:"name"`

	// Offset is a string like "T-0", "T-7d", "T-2h", "T-30m", "T-90s"
	// expressing when this phase becomes due relative to batch start time.
	Offset string `yaml:"offset" json:"offset"`

	// Steps are the function calls dispatched to workers, per member,
	// once this phase is due.
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes a single worker function call.
type StepDefinition struct {
	// Name uniquely identifies the step within its containing phase (or
	// init / on_member_removed / rollback list).
	Name string `yaml:"name" json:"name"`

	// WorkerID names the worker pool this step must be dispatched to, via
	// the worker_id application property on the job message.
	WorkerID string `yaml:"worker_id" json:"worker_id"`

	// Function is the name of the function the worker should invoke.
	Function string `yaml:"function" json:"function"`

	// Params maps parameter names to template strings; each is resolved
	// against member and worker data before dispatch. See pkg/template.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`

	// OutputParams maps names the orchestrator should extract from the
	// worker's result payload into the member's worker_data_json.
	OutputParams map[string]string `yaml:"output_params,omitempty" json:"output_params,omitempty"`

	// OnFailure names a rollback sequence (a key in Runbook.Rollbacks) to
	// fire when this step terminally fails.
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`

	// Poll configures polling behavior for long-running worker calls.
	Poll *PollConfig `yaml:"poll,omitempty" json:"poll,omitempty"`

	// Retry overrides the runbook-wide retry policy for this step.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// PollConfig configures polling for a step whose worker call is long-running.
type PollConfig struct {
	// Interval is the duration string between poll-check dispatches.
	Interval string `yaml:"interval" json:"interval"`

	// Timeout is the duration string after which a still-incomplete poll
	// is marked poll_timeout without retry.
	Timeout string `yaml:"timeout" json:"timeout"`
}

// RetryConfig configures retry behavior for a step on transient failure.
type RetryConfig struct {
	// MaxRetries bounds the number of retry attempts. Zero disables retry
	// even when a runbook-wide retry policy is present.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Interval is the duration string to wait before a retry dispatch.
	Interval string `yaml:"interval" json:"interval"`
}

// EffectiveRetry resolves the retry policy to use for this step: its own
// Retry block if set, otherwise the runbook-wide default, otherwise nil
// (meaning no retry).
func (s *StepDefinition) EffectiveRetry(runbookDefault *RetryConfig) *RetryConfig {
	if s.Retry != nil {
		return s.Retry
	}
	return runbookDefault
}
