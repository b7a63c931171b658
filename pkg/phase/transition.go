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

package phase

import (
	"time"

	"github.com/migrond/migrond/pkg/runbook"
)

// ExistingPhase is the subset of a persisted phase_execution row the
// transition computation needs to know about.
type ExistingPhase struct {
	ID             int64
	Name           string
	RunbookVersion int
	Status         string // "pending", "dispatched", "completed", "skipped", "failed", "superseded"
}

// NewPhaseRow describes a phase_execution row to insert as part of a
// version transition.
type NewPhaseRow struct {
	Name           string
	OffsetMinutes  int
	DueAt          *time.Time
	RunbookVersion int
	Status         string // "pending" or "skipped"
	DispatchNow    bool   // true iff Status=="pending" and DueAt<=now: caller should publish phase-due immediately
}

// SupersededPhase names an existing pending phase row to mark superseded.
type SupersededPhase struct {
	ID int64
}

// TransitionDelta is the result of computing a version transition for one
// in-flight batch: which prior-version pending phases to supersede, and
// which new-version phase rows to insert.
type TransitionDelta struct {
	Supersede []SupersededPhase
	Insert    []NewPhaseRow
}

// ComputeTransition implements §4.3/§4.7's version-transition policy: for
// every phase in the new runbook document, a new phase_execution row is
// emitted tagged with the new version. A phase whose due_at has already
// passed is inserted as "skipped" when overdueBehavior is "ignore",
// otherwise it is inserted "pending" and flagged for immediate dispatch.
// Every existing pending phase from a prior version is marked superseded,
// regardless of whether the new document still has a phase of that name.
func ComputeTransition(existing []ExistingPhase, newRunbook *runbook.Runbook, newVersion int, batchStartTime *time.Time, overdueBehavior string, now time.Time) (*TransitionDelta, error) {
	delta := &TransitionDelta{}

	for _, ph := range existing {
		if ph.RunbookVersion < newVersion && ph.Status == "pending" {
			delta.Supersede = append(delta.Supersede, SupersededPhase{ID: ph.ID})
		}
	}

	for _, def := range newRunbook.Phases {
		offsetMinutes, err := ParseOffset(def.Offset)
		if err != nil {
			return nil, err
		}

		var dueAt *time.Time
		if batchStartTime != nil {
			d := DueAt(*batchStartTime, offsetMinutes)
			dueAt = &d
		}

		row := NewPhaseRow{
			Name:           def.Name,
			OffsetMinutes:  offsetMinutes,
			DueAt:          dueAt,
			RunbookVersion: newVersion,
			Status:         "pending",
		}

		isPastDue := dueAt != nil && !dueAt.After(now)
		if isPastDue {
			if overdueBehavior == "ignore" {
				row.Status = "skipped"
			} else {
				row.DispatchNow = true
			}
		}

		delta.Insert = append(delta.Insert, row)
	}

	return delta, nil
}
