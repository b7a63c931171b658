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
	"encoding/json"
	"fmt"
	"time"

	"github.com/migrond/migrond/internal/datasource"
	"github.com/migrond/migrond/internal/metrics"
	"github.com/migrond/migrond/internal/orchestrator"
	"github.com/migrond/migrond/internal/store"
	pkgerrors "github.com/migrond/migrond/pkg/errors"
	"github.com/migrond/migrond/pkg/phase"
	"github.com/migrond/migrond/pkg/runbook"
)

// detectBatches implements §4.5 step 3c: scheduled runbooks group rows by
// batch_time_column and create one batch per distinct time value; immediate
// runbooks assign every row to the current 5-minute bucket.
func (s *Scheduler) detectBatches(ctx context.Context, row *store.Runbook, rb *runbook.Runbook, rows []datasource.Row, now time.Time) error {
	if rb.DataSource.BatchTime == "immediate" {
		bucket := roundDownTo5Min(now)
		return s.ensureBatch(ctx, row, rb, &bucket, rows, now, true)
	}

	groups := groupRowsByTime(rows, rb.DataSource.BatchTimeColumn)
	for startTime, groupRows := range groups {
		t := startTime
		if err := s.ensureBatch(ctx, row, rb, &t, groupRows, now, false); err != nil {
			return err
		}
	}
	return nil
}

// ensureBatch looks up (runbook_name, batch_start_time) — by name, never by
// version-specific runbook_id, per §3's invariant — and creates the batch,
// its frozen members, and its phase executions if absent. dedupe applies
// only to immediate batches, per §4.5: a member already active in another
// batch of this runbook is excluded from the new one.
func (s *Scheduler) ensureBatch(ctx context.Context, row *store.Runbook, rb *runbook.Runbook, startTime *time.Time, rows []datasource.Row, now time.Time, dedupe bool) error {
	existing, err := s.backend.GetBatchByNameAndStartTime(ctx, row.Name, startTime)
	var notFound *pkgerrors.NotFoundError
	if err != nil && !pkgerrors.As(err, &notFound) {
		return fmt.Errorf("lookup batch: %w", err)
	}
	if existing != nil {
		return nil // already detected; member sync handles additions
	}

	initialStatus := store.BatchStatusActive
	if len(rb.Init) > 0 {
		initialStatus = store.BatchStatusDetected
	}

	batch := &store.Batch{
		RunbookID:      row.ID,
		RunbookName:    row.Name,
		Name:           batchLabel(row.Name, startTime),
		BatchStartTime: startTime,
		Status:         initialStatus,
		DetectedAt:     now,
	}
	batch, err = s.backend.CreateBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	kind := "scheduled"
	if dedupe {
		kind = "immediate"
	}
	metrics.RecordBatchDetected(row.Name, kind)

	memberRows := rows
	if dedupe {
		memberRows = s.dedupeAgainstActiveMembers(ctx, row.Name, rows, rb.DataSource.PrimaryKey)
	}
	members := make([]*store.BatchMember, 0, len(memberRows))
	for _, r := range memberRows {
		dataJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal member data_json: %w", err)
		}
		members = append(members, &store.BatchMember{
			BatchID:   batch.ID,
			MemberKey: memberKey(r, rb.DataSource.PrimaryKey),
			Status:    store.MemberStatusActive,
			DataJSON:  string(dataJSON),
			AddedAt:   now,
		})
	}
	for _, m := range members {
		if _, err := s.backend.AddMember(ctx, m); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
	}

	for _, def := range rb.Phases {
		offsetMinutes, err := phase.ParseOffset(def.Offset)
		if err != nil {
			return fmt.Errorf("phase offset: %w", err)
		}
		dueAt := phase.DueAt(*startTime, offsetMinutes)
		// Immediate batches dispatch every phase at detection time,
		// ignoring offsets entirely (§4.5e).
		dispatchNow := dedupe || !dueAt.After(now)
		ph := &store.PhaseExecution{
			BatchID:        batch.ID,
			PhaseName:      def.Name,
			OffsetMinutes:  offsetMinutes,
			DueAt:          &dueAt,
			RunbookVersion: row.Version,
			Status:         store.PhaseStatusPending,
		}
		created, err := s.backend.CreatePhase(ctx, ph)
		if err != nil {
			return fmt.Errorf("create phase: %w", err)
		}
		if dispatchNow {
			if _, err := s.backend.CASPhaseStatus(ctx, created.ID, store.PhaseStatusPending, store.PhaseStatusDispatched); err == nil {
				reason := "due"
				if dedupe {
					reason = "immediate"
				}
				metrics.RecordPhaseDispatched(row.Name, reason)
				s.publishPhaseDue(ctx, created, def, row.Name, row.Version, memberIDs(members))
			}
		}
	}

	msgID := fmt.Sprintf("batch-init-%d", batch.ID)
	msg := orchestrator.BatchInitMessage{
		RunbookName:    row.Name,
		RunbookVersion: row.Version,
		BatchID:        batch.ID,
		BatchStartTime: startTime,
		MemberCount:    len(members),
	}
	if err := publishEvent(ctx, s.bus, orchestrator.MessageTypeBatchInit, msg, msgID, time.Time{}, s.cfg.DuplicateDetectionWindow); err != nil {
		s.log.Error("publish batch-init failed", "batch_id", batch.ID, "error", err)
	}
	return nil
}

func (s *Scheduler) publishPhaseDue(ctx context.Context, ph *store.PhaseExecution, def runbook.PhaseDefinition, runbookName string, version int, memberIDs []int64) {
	msg := orchestrator.PhaseDueMessage{
		PhaseExecutionID: ph.ID,
		PhaseName:        ph.PhaseName,
		BatchID:          ph.BatchID,
		RunbookName:      runbookName,
		RunbookVersion:   version,
		OffsetMinutes:    ph.OffsetMinutes,
		MemberIDs:        memberIDs,
	}
	if ph.DueAt != nil {
		msg.DueAt = *ph.DueAt
	}
	msgID := fmt.Sprintf("phase-due-%d", ph.ID)
	if err := publishEvent(ctx, s.bus, orchestrator.MessageTypePhaseDue, msg, msgID, time.Time{}, s.cfg.DuplicateDetectionWindow); err != nil {
		s.log.Error("publish phase-due failed", "phase_execution_id", ph.ID, "error", err)
	}
}

func memberIDs(members []*store.BatchMember) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

func memberKey(row datasource.Row, primaryKey string) string {
	return fmt.Sprintf("%v", row[primaryKey])
}

func batchLabel(runbookName string, startTime *time.Time) string {
	if startTime == nil {
		return runbookName + " (manual)"
	}
	return fmt.Sprintf("%s @ %s", runbookName, startTime.UTC().Format(time.RFC3339))
}

func roundDownTo5Min(t time.Time) time.Time {
	t = t.UTC()
	return t.Truncate(5 * time.Minute)
}

// groupRowsByTime buckets rows by the parsed value of col, supporting both
// a driver-native time.Time and a string column (RFC 3339, or a bare date).
func groupRowsByTime(rows []datasource.Row, col string) map[time.Time][]datasource.Row {
	groups := make(map[time.Time][]datasource.Row)
	for _, r := range rows {
		t, ok := parseRowTime(r[col])
		if !ok {
			continue
		}
		groups[t] = append(groups[t], r)
	}
	return groups
}

func parseRowTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// dedupeAgainstActiveMembers filters rows whose primary key already belongs
// to an active member of any active batch for this runbook, per §4.5's
// immediate-batch rule. Errors are treated as "no existing members" since a
// lookup failure here must not block detection of the batch itself.
func (s *Scheduler) dedupeAgainstActiveMembers(ctx context.Context, runbookName string, rows []datasource.Row, primaryKey string) []datasource.Row {
	existingKeys := map[string]bool{}
	batches, err := s.backend.ListActiveByRunbookName(ctx, runbookName)
	if err == nil {
		for _, b := range batches {
			members, err := s.backend.ListActiveMembers(ctx, b.ID)
			if err != nil {
				continue
			}
			for _, m := range members {
				existingKeys[m.MemberKey] = true
			}
		}
	}

	out := make([]datasource.Row, 0, len(rows))
	for _, r := range rows {
		if !existingKeys[memberKey(r, primaryKey)] {
			out = append(out, r)
		}
	}
	return out
}
