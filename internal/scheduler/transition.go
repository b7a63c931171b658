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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/migrond/migrond/internal/metrics"
	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/phase"
	"github.com/migrond/migrond/pkg/runbook"
)

// transitionVersions implements §4.5 step 3f: every in-flight batch of this
// runbook whose phases are still stamped with a prior version is carried
// onto row's version. A batch already fully transitioned (no phase rows
// below row.Version) is left untouched.
func (s *Scheduler) transitionVersions(ctx context.Context, row *store.Runbook, rb *runbook.Runbook, now time.Time) error {
	batches, err := s.backend.ListActiveByRunbookName(ctx, row.Name)
	if err != nil {
		return fmt.Errorf("list active batches: %w", err)
	}

	for _, batch := range batches {
		if err := s.transitionBatch(ctx, batch, row, rb, now); err != nil {
			s.log.Error("version transition failed for batch", "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) transitionBatch(ctx context.Context, batch *store.Batch, row *store.Runbook, rb *runbook.Runbook, now time.Time) error {
	phases, err := s.backend.ListPhasesByBatch(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list phases: %w", err)
	}

	behind := false
	existing := make([]phase.ExistingPhase, 0, len(phases))
	for _, ph := range phases {
		if ph.RunbookVersion < row.Version {
			behind = true
		}
		existing = append(existing, phase.ExistingPhase{
			ID:             ph.ID,
			Name:           ph.PhaseName,
			RunbookVersion: ph.RunbookVersion,
			Status:         ph.Status,
		})
	}
	if !behind {
		return nil
	}

	delta, err := phase.ComputeTransition(existing, rb, row.Version, batch.BatchStartTime, row.OverdueBehavior, now)
	if err != nil {
		return fmt.Errorf("compute transition: %w", err)
	}

	supersedeIDs := make([]int64, 0, len(delta.Supersede))
	for _, sp := range delta.Supersede {
		supersedeIDs = append(supersedeIDs, sp.ID)
	}
	newRows := make([]*store.PhaseExecution, 0, len(delta.Insert))
	for _, r := range delta.Insert {
		newRows = append(newRows, &store.PhaseExecution{
			BatchID:        batch.ID,
			PhaseName:      r.Name,
			OffsetMinutes:  r.OffsetMinutes,
			DueAt:          r.DueAt,
			RunbookVersion: r.RunbookVersion,
			Status:         r.Status,
		})
	}

	inserted, err := s.backend.InsertTransitionRows(ctx, supersedeIDs, newRows)
	if err != nil {
		return fmt.Errorf("insert transition rows: %w", err)
	}

	if err := s.backend.SetBatchRunbookID(ctx, batch.ID, row.ID); err != nil {
		return fmt.Errorf("set batch runbook id: %w", err)
	}

	members, err := s.backend.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		s.log.Error("list members for transitioned phase failed", "batch_id", batch.ID, "error", err)
		members = nil
	}

	for i, r := range delta.Insert {
		if !r.DispatchNow {
			continue
		}
		if i >= len(inserted) {
			break
		}
		created := inserted[i]
		n, err := s.backend.CASPhaseStatus(ctx, created.ID, store.PhaseStatusPending, store.PhaseStatusDispatched)
		if err != nil || n == 0 {
			continue
		}
		def, ok := findPhaseDef(rb, r.Name)
		if !ok {
			continue
		}
		metrics.RecordPhaseDispatched(row.Name, "transition")
		s.publishPhaseDue(ctx, created, def, row.Name, row.Version, memberIDs(members))
	}
	return nil
}

func findPhaseDef(rb *runbook.Runbook, name string) (runbook.PhaseDefinition, bool) {
	for _, def := range rb.Phases {
		if def.Name == name {
			return def, true
		}
	}
	return runbook.PhaseDefinition{}, false
}
