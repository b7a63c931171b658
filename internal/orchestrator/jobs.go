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

package orchestrator

import "fmt"

// JobCorrelationData rides alongside a worker-job message and comes back
// attached to its worker-result, letting the result processor locate the
// step or init row the result belongs to without relying on message
// ordering or bus-level correlation ids.
type JobCorrelationData struct {
	StepExecutionID int64  `json:"step_execution_id,omitempty"`
	InitExecutionID int64  `json:"init_execution_id,omitempty"`
	RunbookName     string `json:"runbook_name"`
	RunbookVersion  int    `json:"runbook_version"`
}

// stepJobID returns the deterministic job id for the first dispatch of a
// step execution.
func stepJobID(stepExecutionID int64) string {
	return fmt.Sprintf("step-%d", stepExecutionID)
}

// stepRetryJobID returns the deterministic job id for a retry dispatch,
// disambiguated by attempt number so a crash-and-redispatch of the same
// retry still collides with the bus's duplicate-detection window.
func stepRetryJobID(stepExecutionID int64, retryCount int) string {
	return fmt.Sprintf("step-%d-retry-%d", stepExecutionID, retryCount)
}

// stepPollJobID returns the deterministic job id for a poll re-dispatch.
func stepPollJobID(stepExecutionID int64, pollCount int) string {
	return fmt.Sprintf("step-%d-poll-%d", stepExecutionID, pollCount)
}

// initJobID returns the deterministic job id for the first dispatch of an
// init execution.
func initJobID(initExecutionID int64) string {
	return fmt.Sprintf("init-%d", initExecutionID)
}

// initRetryJobID returns the deterministic job id for an init retry.
func initRetryJobID(initExecutionID int64, retryCount int) string {
	return fmt.Sprintf("init-%d-retry-%d", initExecutionID, retryCount)
}
