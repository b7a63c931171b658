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
	"github.com/migrond/migrond/pkg/runbook"
)

// syncMembers implements §4.5 step 3d: for every active batch of this
// runbook, diff source keys against stored active members. Publish failures
// are best-effort — the DB write is never rolled back, and any row whose
// *_dispatched_at is still null is retried on the next tick.
func (s *Scheduler) syncMembers(ctx context.Context, row *store.Runbook, rb *runbook.Runbook, rows []datasource.Row, now time.Time) error {
	batches, err := s.backend.ListActiveByRunbookName(ctx, row.Name)
	if err != nil {
		return fmt.Errorf("list active batches: %w", err)
	}

	for _, batch := range batches {
		sourceRows := rows
		if rb.DataSource.BatchTime != "immediate" {
			sourceRows = filterRowsForBatch(rows, rb.DataSource.BatchTimeColumn, batch.BatchStartTime)
		}
		if err := s.syncBatchMembers(ctx, batch, row, sourceRows, rb.DataSource.PrimaryKey, now); err != nil {
			s.log.Error("sync batch members failed", "batch_id", batch.ID, "error", err)
		}
		s.republishUndispatchedMembers(ctx, batch, row)
	}
	return nil
}

func filterRowsForBatch(rows []datasource.Row, timeCol string, startTime *time.Time) []datasource.Row {
	if startTime == nil {
		return nil
	}
	out := make([]datasource.Row, 0, len(rows))
	for _, r := range rows {
		t, ok := parseRowTime(r[timeCol])
		if ok && t.Equal(startTime.UTC()) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Scheduler) syncBatchMembers(ctx context.Context, batch *store.Batch, row *store.Runbook, sourceRows []datasource.Row, primaryKey string, now time.Time) error {
	activeMembers, err := s.backend.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list active members: %w", err)
	}
	byKey := make(map[string]*store.BatchMember, len(activeMembers))
	for _, m := range activeMembers {
		byKey[m.MemberKey] = m
	}

	sourceKeys := make(map[string]bool, len(sourceRows))
	for _, r := range sourceRows {
		key := memberKey(r, primaryKey)
		sourceKeys[key] = true
		if _, exists := byKey[key]; exists {
			continue
		}
		dataJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal member data_json: %w", err)
		}
		member := &store.BatchMember{
			BatchID:   batch.ID,
			MemberKey: key,
			Status:    store.MemberStatusActive,
			DataJSON:  string(dataJSON),
			AddedAt:   now,
		}
		member, err = s.backend.AddMember(ctx, member)
		if err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		metrics.RecordMemberSynced(row.Name, "added")
		s.publishMemberAdded(ctx, batch, row, member)
	}

	for key, member := range byKey {
		if sourceKeys[key] {
			continue
		}
		removedAt := now
		member.RemovedAt = &removedAt
		if _, err := s.backend.CASMemberStatus(ctx, member.ID, store.MemberStatusActive, store.MemberStatusRemoved); err != nil {
			return fmt.Errorf("mark member removed: %w", err)
		}
		metrics.RecordMemberSynced(row.Name, "removed")
		s.publishMemberRemoved(ctx, batch, row, member)
	}
	return nil
}

// republishUndispatchedMembers re-publishes member-added/member-removed for
// any active or removed member whose dispatch timestamp is still null,
// covering a prior tick's publish failure without touching the DB.
func (s *Scheduler) republishUndispatchedMembers(ctx context.Context, batch *store.Batch, row *store.Runbook) {
	members, err := s.backend.ListAllMembers(ctx, batch.ID)
	if err != nil {
		s.log.Error("list all members for republish failed", "batch_id", batch.ID, "error", err)
		return
	}
	for _, m := range members {
		switch m.Status {
		case store.MemberStatusActive:
			if m.AddDispatchedAt == nil {
				s.publishMemberAdded(ctx, batch, row, m)
			}
		case store.MemberStatusRemoved:
			if m.RemoveDispatchedAt == nil {
				s.publishMemberRemoved(ctx, batch, row, m)
			}
		}
	}
}

func (s *Scheduler) publishMemberAdded(ctx context.Context, batch *store.Batch, row *store.Runbook, member *store.BatchMember) {
	msg := orchestrator.MemberChangeMessage{
		RunbookName:    row.Name,
		RunbookVersion: row.Version,
		BatchID:        batch.ID,
		BatchMemberID:  member.ID,
		MemberKey:      member.MemberKey,
	}
	msgID := fmt.Sprintf("member-added-%d", member.ID)
	if err := publishEvent(ctx, s.bus, orchestrator.MessageTypeMemberAdded, msg, msgID, time.Time{}, s.cfg.DuplicateDetectionWindow); err != nil {
		s.log.Error("publish member-added failed", "member_id", member.ID, "error", err)
	}
}

func (s *Scheduler) publishMemberRemoved(ctx context.Context, batch *store.Batch, row *store.Runbook, member *store.BatchMember) {
	msg := orchestrator.MemberChangeMessage{
		RunbookName:    row.Name,
		RunbookVersion: row.Version,
		BatchID:        batch.ID,
		BatchMemberID:  member.ID,
		MemberKey:      member.MemberKey,
	}
	msgID := fmt.Sprintf("member-removed-%d", member.ID)
	if err := publishEvent(ctx, s.bus, orchestrator.MessageTypeMemberRemoved, msg, msgID, time.Time{}, s.cfg.DuplicateDetectionWindow); err != nil {
		s.log.Error("publish member-removed failed", "member_id", member.ID, "error", err)
	}
}

// dispatchOverduePhases implements §4.5 step 3e across every runbook at
// once: any pending phase execution whose due_at has passed is marked
// dispatched and announced.
func (s *Scheduler) dispatchOverduePhases(ctx context.Context, now time.Time) {
	overdue, err := s.backend.ListOverduePending(ctx, now)
	if err != nil {
		s.log.Error("list overdue phases failed", "error", err)
		return
	}

	for _, ph := range overdue {
		n, err := s.backend.CASPhaseStatus(ctx, ph.ID, store.PhaseStatusPending, store.PhaseStatusDispatched)
		if err != nil {
			s.log.Error("CAS overdue phase failed", "phase_execution_id", ph.ID, "error", err)
			continue
		}
		if n == 0 {
			continue // another instance already dispatched it
		}

		batch, err := s.backend.GetBatch(ctx, ph.BatchID)
		if err != nil {
			s.log.Error("get batch for overdue phase failed", "phase_execution_id", ph.ID, "error", err)
			continue
		}
		metrics.RecordPhaseDispatched(batch.RunbookName, "overdue")
		members, err := s.backend.ListActiveMembers(ctx, batch.ID)
		if err != nil {
			s.log.Error("list members for overdue phase failed", "phase_execution_id", ph.ID, "error", err)
			members = nil
		}
		msg := orchestrator.PhaseDueMessage{
			PhaseExecutionID: ph.ID,
			PhaseName:        ph.PhaseName,
			BatchID:          batch.ID,
			RunbookName:      batch.RunbookName,
			RunbookVersion:   ph.RunbookVersion,
			OffsetMinutes:    ph.OffsetMinutes,
			MemberIDs:        memberIDs(members),
		}
		if ph.DueAt != nil {
			msg.DueAt = *ph.DueAt
		}
		msgID := fmt.Sprintf("phase-due-%d", ph.ID)
		if err := publishEvent(ctx, s.bus, orchestrator.MessageTypePhaseDue, msg, msgID, time.Time{}, s.cfg.DuplicateDetectionWindow); err != nil {
			s.log.Error("publish overdue phase-due failed", "phase_execution_id", ph.ID, "error", err)
		}
	}
}
