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

// Package store defines the persisted entity model and the segregated
// repository interfaces the Scheduler and Orchestrator use to read and
// mutate it. Concrete backends (postgres, sqlite, memory) live in
// subpackages.
package store

import "time"

// Runbook is one row per published version of a named runbook document.
type Runbook struct {
	ID              int64
	Name            string
	Version         int
	Document        string
	DataTableName   string
	IsActive        bool
	OverdueBehavior string // "rerun" | "ignore"
	RerunInit       bool
	CreatedAt       time.Time
}

// AutomationSetting is keyed by runbook name and governs whether the
// Scheduler processes that runbook at all.
type AutomationSetting struct {
	RunbookName string
	Enabled     bool
	UpdatedAt   time.Time
	UpdatedBy   string
}

// Batch statuses, per §3.
const (
	BatchStatusDetected       = "detected"
	BatchStatusInitDispatched = "init_dispatched"
	BatchStatusActive        = "active"
	BatchStatusCompleted     = "completed"
	BatchStatusFailed        = "failed"
	BatchStatusCancelled     = "cancelled"
)

// Batch is one row per discovered group of members of a given runbook
// version.
type Batch struct {
	ID int64

	// RunbookID points at the specific runbook version this batch was
	// detected against. Lookups by (runbook_name, batch_start_time) must
	// go through RunbookName, never RunbookID, since a batch can later be
	// transitioned across versions.
	RunbookID   int64
	RunbookName string

	// Name is a human-readable label, e.g. derived from the data source
	// or supplied by a manual-batch creator.
	Name string

	BatchStartTime   *time.Time
	Status           string
	IsManual         bool
	CreatedBy        string
	CurrentPhase     string
	MemberCount      int
	DetectedAt       time.Time
	InitDispatchedAt *time.Time
}

// Batch member statuses.
const (
	MemberStatusActive  = "active"
	MemberStatusRemoved = "removed"
	MemberStatusFailed  = "failed"
)

// BatchMember is one row per member of a batch.
type BatchMember struct {
	ID                 int64
	BatchID            int64
	MemberKey          string
	Status             string
	DataJSON           string // frozen point-in-time snapshot of source columns, as JSON
	WorkerDataJSON      string // accumulated step outputs, merged new-keys-win, as JSON
	AddedAt            time.Time
	RemovedAt          *time.Time
	AddDispatchedAt    *time.Time
	RemoveDispatchedAt *time.Time
}

// Phase execution statuses.
const (
	PhaseStatusPending    = "pending"
	PhaseStatusDispatched = "dispatched"
	PhaseStatusCompleted  = "completed"
	PhaseStatusSkipped    = "skipped"
	PhaseStatusFailed     = "failed"
	PhaseStatusSuperseded = "superseded"
)

// PhaseExecution is one row per phase of a batch, per runbook version the
// batch has been exposed to.
type PhaseExecution struct {
	ID              int64
	BatchID         int64
	PhaseName       string
	OffsetMinutes   int
	DueAt           *time.Time
	RunbookVersion  int
	Status          string
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
}

// Step/init execution statuses.
const (
	StepStatusPending      = "pending"
	StepStatusDispatched   = "dispatched"
	StepStatusPolling      = "polling"
	StepStatusSucceeded    = "succeeded"
	StepStatusFailed       = "failed"
	StepStatusPollTimeout  = "poll_timeout"
	StepStatusCancelled    = "cancelled"
)

// StepExecution is one row per (phase execution, batch member, step index).
type StepExecution struct {
	ID                int64
	PhaseExecutionID  int64
	BatchMemberID     int64
	StepName          string
	StepIndex         int
	WorkerID          string
	FunctionName      string
	ParamsJSON        string
	ResultJSON        string
	WorkerResponseRawJSON string // supplemented: full unprocessed worker payload, for diagnostics
	Status            string
	IsPollStep        bool
	PollIntervalSec   int
	PollTimeoutSec    int
	PollStartedAt     *time.Time
	LastPolledAt      *time.Time
	PollCount         int
	OnFailure         string
	MaxRetries        int
	RetryCount        int
	RetryIntervalSec  int
	RetryAfter        *time.Time
	JobID             string
	ErrorMessage      string
	CreatedAt         time.Time
	DispatchedAt      *time.Time
	CompletedAt       *time.Time
}

// InitExecution has the same shape as a StepExecution but is attached to a
// batch rather than a batch member, and runs sequentially by StepIndex.
type InitExecution struct {
	ID               int64
	BatchID          int64
	RunbookVersion   int
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	ResultJSON       string
	Status           string
	MaxRetries       int
	RetryCount       int
	RetryIntervalSec int
	RetryAfter       *time.Time
	JobID            string
	ErrorMessage     string
	CreatedAt        time.Time
	DispatchedAt     *time.Time
	CompletedAt      *time.Time
}

// BatchFilter narrows ListBatches results for the admin contract (§6.3).
type BatchFilter struct {
	RunbookName string
	Status      string
	Limit       int
	Offset      int
}
