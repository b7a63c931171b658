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
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	busmemory "github.com/migrond/migrond/internal/bus/memory"
	"github.com/migrond/migrond/internal/datasource"
	"github.com/migrond/migrond/internal/lock"
	"github.com/migrond/migrond/internal/store"
	storememory "github.com/migrond/migrond/internal/store/memory"
	"github.com/migrond/migrond/pkg/runbook"
)

// fakeClient is a datasource.Client returning a fixed row set, so a test
// controls exactly what a tick's query step sees without a real engine.
type fakeClient struct {
	rows []datasource.Row
	err  error
}

func (f *fakeClient) Query(ctx context.Context, cfg runbook.DataSourceConfig) ([]datasource.Row, error) {
	return f.rows, f.err
}

const immediateRunbookDoc = `
name: contract-migration
data_source:
  type: sql
  connection: primary
  query: "select id from contracts"
  primary_key: id
  batch_time: immediate
phases:
  - name: notify
    offset: T-0
    steps:
      - name: send-email
        worker_id: email-worker
        function: send_email
`

const scheduledRunbookDoc = `
name: contract-migration
data_source:
  type: sql
  connection: primary
  query: "select id from contracts"
  primary_key: id
  batch_time_column: effective_at
phases:
  - name: notify
    offset: T-1h
    steps:
      - name: send-email
        worker_id: email-worker
        function: send_email
`

func newTestLease(t *testing.T) *lock.Lease {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lease := lock.New(db, lock.DialectSQLite, "test-instance")
	require.NoError(t, lease.EnsureSchema(context.Background()))
	return lease
}

func newTestScheduler(t *testing.T, client datasource.Client) (*Scheduler, store.Backend) {
	t.Helper()
	backend := storememory.New()
	b := busmemory.New()
	registry := datasource.NewRegistry(map[string]datasource.Client{"sql": client})
	lease := newTestLease(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, b, registry, lease, log, Config{}, nil), backend
}

func publishAndActivate(t *testing.T, backend store.Backend, doc string) *store.Runbook {
	t.Helper()
	rb, err := backend.Publish(context.Background(), &store.Runbook{Name: "contract-migration", Document: doc})
	require.NoError(t, err)
	require.NoError(t, backend.SetEnabled(context.Background(), "contract-migration", true, "test"))
	return rb
}

func TestProcessRunbookImmediateBatchDispatchesPhase(t *testing.T) {
	client := &fakeClient{rows: []datasource.Row{{"id": "c-1"}, {"id": "c-2"}}}
	sched, backend := newTestScheduler(t, client)
	row := publishAndActivate(t, backend, immediateRunbookDoc)

	now := time.Now().UTC()
	sched.processRunbook(context.Background(), row.Name, now)

	batches, err := backend.ListActiveByRunbookName(context.Background(), row.Name)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	members, err := backend.ListActiveMembers(context.Background(), batches[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	phases, err := backend.ListOverduePending(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, phases, "the immediate phase should already be dispatched, not pending")
}

func TestProcessRunbookScheduledBatchNotYetDue(t *testing.T) {
	effectiveAt := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	client := &fakeClient{rows: []datasource.Row{
		{"id": "c-1", "effective_at": effectiveAt.Format(time.RFC3339)},
	}}
	sched, backend := newTestScheduler(t, client)
	row := publishAndActivate(t, backend, scheduledRunbookDoc)

	now := time.Now().UTC()
	sched.processRunbook(context.Background(), row.Name, now)

	batches, err := backend.ListActiveByRunbookName(context.Background(), row.Name)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	overdue, err := backend.ListOverduePending(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, overdue, "the phase offset hasn't elapsed yet")
}

func TestDispatchOverduePhasesTransitionsPendingToDispatched(t *testing.T) {
	client := &fakeClient{rows: nil}
	sched, backend := newTestScheduler(t, client)
	row := publishAndActivate(t, backend, scheduledRunbookDoc)

	past := time.Now().UTC().Add(-time.Hour)
	batch, err := backend.CreateBatch(context.Background(), &store.Batch{
		RunbookID:      row.ID,
		RunbookName:    row.Name,
		Name:           "contract-migration @ past",
		BatchStartTime: &past,
		Status:         store.BatchStatusActive,
		DetectedAt:     past,
	})
	require.NoError(t, err)

	dueAt := past
	ph, err := backend.CreatePhase(context.Background(), &store.PhaseExecution{
		BatchID:        batch.ID,
		PhaseName:      "notify",
		OffsetMinutes:  60,
		DueAt:          &dueAt,
		RunbookVersion: row.Version,
		Status:         store.PhaseStatusPending,
	})
	require.NoError(t, err)

	sched.dispatchOverduePhases(context.Background(), time.Now().UTC())

	got, err := backend.GetPhase(context.Background(), ph.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseStatusDispatched, got.Status)
}

func TestSyncMembersAddsAndRemoves(t *testing.T) {
	client := &fakeClient{rows: []datasource.Row{{"id": "c-1"}}}
	sched, backend := newTestScheduler(t, client)
	row := publishAndActivate(t, backend, immediateRunbookDoc)

	now := time.Now().UTC()
	sched.processRunbook(context.Background(), row.Name, now)

	batches, err := backend.ListActiveByRunbookName(context.Background(), row.Name)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	members, err := backend.ListActiveMembers(context.Background(), batches[0].ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "c-1", members[0].MemberKey)

	// Next tick: c-1 drops out of the source, c-3 appears. Membership sync
	// (not re-detection) must reconcile the existing batch.
	client.rows = []datasource.Row{{"id": "c-3"}}
	rb, err := runbook.Parse([]byte(row.Document))
	require.NoError(t, err)
	require.NoError(t, sched.syncMembers(context.Background(), row, rb, client.rows, time.Now().UTC()))

	all, err := backend.ListAllMembers(context.Background(), batches[0].ID)
	require.NoError(t, err)
	byKey := map[string]*store.BatchMember{}
	for _, m := range all {
		byKey[m.MemberKey] = m
	}
	require.Contains(t, byKey, "c-1")
	assert.Equal(t, store.MemberStatusRemoved, byKey["c-1"].Status)
	require.Contains(t, byKey, "c-3")
	assert.Equal(t, store.MemberStatusActive, byKey["c-3"].Status)
}
