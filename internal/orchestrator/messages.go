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

// Package orchestrator implements the seven event-driven handlers that
// create step executions, dispatch worker jobs, process worker results, and
// drive retry/poll/rollback/completion bookkeeping off the orchestrator-events
// and worker-results subscriptions.
package orchestrator

import "time"

// MessageType is carried as the "MessageType" application property on every
// orchestrator-events message, letting the dispatch loop route without
// unmarshalling the body twice.
const (
	MessageTypeBatchInit     = "batch-init"
	MessageTypePhaseDue      = "phase-due"
	MessageTypeMemberAdded   = "member-added"
	MessageTypeMemberRemoved = "member-removed"
	MessageTypePollCheck     = "poll-check"
	MessageTypeRetryCheck    = "retry-check"
)

// BatchInitMessage announces a newly detected batch.
type BatchInitMessage struct {
	RunbookName    string     `json:"runbook_name"`
	RunbookVersion int        `json:"runbook_version"`
	BatchID        int64      `json:"batch_id"`
	BatchStartTime *time.Time `json:"batch_start_time,omitempty"`
	MemberCount    int        `json:"member_count"`
}

// PhaseDueMessage announces a phase execution has become due.
type PhaseDueMessage struct {
	PhaseExecutionID int64     `json:"phase_execution_id"`
	PhaseName        string    `json:"phase_name"`
	BatchID          int64     `json:"batch_id"`
	RunbookName      string    `json:"runbook_name"`
	RunbookVersion   int       `json:"runbook_version"`
	OffsetMinutes    int       `json:"offset_minutes"`
	DueAt            time.Time `json:"due_at"`
	MemberIDs        []int64   `json:"member_ids"`
}

// MemberChangeMessage announces a member addition or removal.
type MemberChangeMessage struct {
	RunbookName    string `json:"runbook_name"`
	RunbookVersion int    `json:"runbook_version"`
	BatchID        int64  `json:"batch_id"`
	BatchMemberID  int64  `json:"batch_member_id"`
	MemberKey      string `json:"member_key"`
}

// PollCheckMessage is a scheduled re-check of a polling step or init.
type PollCheckMessage struct {
	StepExecutionID int64 `json:"step_execution_id,omitempty"`
	InitExecutionID int64 `json:"init_execution_id,omitempty"`
	PollCount       int   `json:"poll_count"`
}

// RetryCheckMessage is a scheduled retry dispatch of a failed step or init.
type RetryCheckMessage struct {
	StepExecutionID int64 `json:"step_execution_id,omitempty"`
	InitExecutionID int64 `json:"init_execution_id,omitempty"`
	RetryCount      int   `json:"retry_count"`
}

// WorkerJobCorrelation rides inside a worker-job message and is echoed back
// verbatim on the matching worker-result.
type WorkerJobCorrelation struct {
	StepExecutionID int64  `json:"step_execution_id,omitempty"`
	InitExecutionID int64  `json:"init_execution_id,omitempty"`
	IsInitStep      bool   `json:"is_init_step"`
	RunbookName     string `json:"runbook_name"`
	RunbookVersion  int    `json:"runbook_version"`
}

// WorkerJobMessage is published to worker-jobs, routed by the WorkerId
// application property.
type WorkerJobMessage struct {
	JobID          string                `json:"job_id"`
	BatchID        int64                 `json:"batch_id"`
	WorkerID       string                `json:"worker_id"`
	FunctionName   string                `json:"function_name"`
	Parameters     map[string]string     `json:"parameters"`
	CorrelationData WorkerJobCorrelation `json:"correlation_data"`

	// IsPollCall marks a re-dispatch of an already-polling step, so a
	// worker that distinguishes an initial call from a poll can do so
	// without a side channel.
	IsPollCall bool `json:"is_poll_call,omitempty"`
}

// WorkerResultError is the optional error payload on a failed result.
type WorkerResultError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WorkerResultMessage is the inbound message on worker-results.
type WorkerResultMessage struct {
	JobID           string                `json:"job_id"`
	Status          string                `json:"status"` // "success" | "failure"
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           *WorkerResultError    `json:"error,omitempty"`
	CorrelationData *WorkerJobCorrelation `json:"correlation_data"`
}

// pollShape reports whether Result looks like the polling envelope
// {complete, data}, and if so whether polling has completed and what
// sub-object to pull output params from.
func (m *WorkerResultMessage) pollShape() (isPoll bool, complete bool, data map[string]interface{}) {
	if m.Result == nil {
		return false, false, nil
	}
	c, ok := m.Result["complete"]
	if !ok {
		return false, false, nil
	}
	completeBool, _ := c.(bool)
	if d, ok := m.Result["data"].(map[string]interface{}); ok {
		data = d
	}
	return true, completeBool, data
}
