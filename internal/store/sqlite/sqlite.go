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

// Package sqlite provides a SQLite store.Backend for single-node deployments
// and local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migrond/migrond/internal/store"
	"github.com/migrond/migrond/pkg/errors"
)

var _ store.Backend = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral
	// database, typically paired with WAL disabled.
	Path string

	// WAL enables Write-Ahead Logging for concurrent reads.
	WAL bool
}

// New opens a SQLite backend and runs its migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY churn
	// under the daemon's concurrent handler pool.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runbooks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			data_table_name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 0,
			overdue_behavior TEXT NOT NULL DEFAULT 'rerun',
			rerun_init INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runbooks_name ON runbooks(name)`,

		`CREATE TABLE IF NOT EXISTS automation_settings (
			runbook_name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			runbook_id INTEGER NOT NULL,
			runbook_name TEXT NOT NULL,
			name TEXT NOT NULL,
			batch_start_time TEXT,
			status TEXT NOT NULL,
			is_manual INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			current_phase TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			detected_at TEXT NOT NULL,
			init_dispatched_at TEXT,
			UNIQUE(runbook_name, batch_start_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_runbook_name ON batches(runbook_name, status)`,

		`CREATE TABLE IF NOT EXISTS batch_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			member_key TEXT NOT NULL,
			status TEXT NOT NULL,
			data_json TEXT,
			worker_data_json TEXT,
			added_at TEXT NOT NULL,
			removed_at TEXT,
			add_dispatched_at TEXT,
			remove_dispatched_at TEXT,
			UNIQUE(batch_id, member_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_members_batch ON batch_members(batch_id, status)`,

		`CREATE TABLE IF NOT EXISTS phase_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			phase_name TEXT NOT NULL,
			offset_minutes INTEGER NOT NULL,
			due_at TEXT,
			runbook_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			dispatched_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_executions_batch ON phase_executions(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_executions_due ON phase_executions(status, due_at)`,

		`CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phase_execution_id INTEGER NOT NULL REFERENCES phase_executions(id) ON DELETE CASCADE,
			batch_member_id INTEGER NOT NULL REFERENCES batch_members(id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			params_json TEXT,
			result_json TEXT,
			worker_response_raw_json TEXT,
			status TEXT NOT NULL,
			is_poll_step INTEGER NOT NULL DEFAULT 0,
			poll_interval_sec INTEGER NOT NULL DEFAULT 0,
			poll_timeout_sec INTEGER NOT NULL DEFAULT 0,
			poll_started_at TEXT,
			last_polled_at TEXT,
			poll_count INTEGER NOT NULL DEFAULT 0,
			on_failure TEXT NOT NULL DEFAULT '',
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT,
			job_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			dispatched_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_phase ON step_executions(phase_execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_member ON step_executions(batch_member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_retry ON step_executions(status, retry_after)`,

		`CREATE TABLE IF NOT EXISTS init_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			runbook_version INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			params_json TEXT,
			result_json TEXT,
			status TEXT NOT NULL,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT,
			job_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			dispatched_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_init_executions_batch ON init_executions(batch_id, step_index)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error { return b.db.Close() }

// DB returns the underlying connection, for the lock package's leased-lock
// queries.
func (b *Backend) DB() *sql.DB { return b.db }

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- RunbookStore ---

func (b *Backend) Publish(ctx context.Context, rb *store.Runbook) (*store.Runbook, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE runbooks SET is_active = 0 WHERE name = ?`, rb.Name); err != nil {
		return nil, fmt.Errorf("deactivate prior versions: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM runbooks WHERE name = ?`, rb.Name).Scan(&version); err != nil {
		return nil, fmt.Errorf("compute next version: %w", err)
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO runbooks (name, version, document, data_table_name, is_active, overdue_behavior, rerun_init, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`, rb.Name, version, rb.Document, rb.DataTableName, rb.OverdueBehavior, boolToInt(rb.RerunInit), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert runbook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get runbook id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish tx: %w", err)
	}

	rb.ID = id
	rb.Version = version
	rb.IsActive = true
	rb.CreatedAt = now
	out := *rb
	return &out, nil
}

const runbookSelect = `
	SELECT id, name, version, document, data_table_name, is_active, overdue_behavior, rerun_init, created_at
	FROM runbooks`

func (b *Backend) GetActive(ctx context.Context, name string) (*store.Runbook, error) {
	row := b.db.QueryRowContext(ctx, runbookSelect+` WHERE name = ? AND is_active = 1`, name)
	return scanRunbook(row, name)
}

func (b *Backend) GetVersion(ctx context.Context, name string, version int) (*store.Runbook, error) {
	row := b.db.QueryRowContext(ctx, runbookSelect+` WHERE name = ? AND version = ?`, name, version)
	return scanRunbook(row, name)
}

func scanRunbook(row *sql.Row, name string) (*store.Runbook, error) {
	var rb store.Runbook
	var isActive, rerunInit int
	var createdAt string
	err := row.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.Document, &rb.DataTableName, &isActive, &rb.OverdueBehavior, &rerunInit, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "runbook", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	rb.IsActive = isActive != 0
	rb.RerunInit = rerunInit != 0
	rb.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing runbook created_at: %w", err)
	}
	return &rb, nil
}

func (b *Backend) ListVersions(ctx context.Context, name string) ([]*store.Runbook, error) {
	rows, err := b.db.QueryContext(ctx, runbookSelect+` WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("list runbook versions: %w", err)
	}
	defer rows.Close()
	return scanRunbooks(rows)
}

func (b *Backend) ListActive(ctx context.Context) ([]*store.Runbook, error) {
	rows, err := b.db.QueryContext(ctx, runbookSelect+` WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active runbooks: %w", err)
	}
	defer rows.Close()
	return scanRunbooks(rows)
}

func scanRunbooks(rows *sql.Rows) ([]*store.Runbook, error) {
	var out []*store.Runbook
	for rows.Next() {
		var rb store.Runbook
		var isActive, rerunInit int
		var createdAt string
		if err := rows.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.Document, &rb.DataTableName, &isActive, &rb.OverdueBehavior, &rerunInit, &createdAt); err != nil {
			return nil, fmt.Errorf("scan runbook row: %w", err)
		}
		rb.IsActive = isActive != 0
		rb.RerunInit = rerunInit != 0
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing runbook created_at: %w", err)
		}
		rb.CreatedAt = t
		out = append(out, &rb)
	}
	return out, rows.Err()
}

func (b *Backend) Deactivate(ctx context.Context, name string, version int) error {
	result, err := b.db.ExecContext(ctx, `UPDATE runbooks SET is_active = 0 WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return fmt.Errorf("deactivate runbook: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "runbook", ID: name}
	}
	return nil
}

// --- AutomationStore ---

func (b *Backend) GetEnabled(ctx context.Context, runbookName string) (*store.AutomationSetting, error) {
	var a store.AutomationSetting
	var updatedAt string
	err := b.db.QueryRowContext(ctx, `
		SELECT runbook_name, enabled, updated_at, updated_by FROM automation_settings WHERE runbook_name = ?
	`, runbookName).Scan(&a.RunbookName, &a.Enabled, &updatedAt, &a.UpdatedBy)
	if err == sql.ErrNoRows {
		return &store.AutomationSetting{RunbookName: runbookName, Enabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get automation setting: %w", err)
	}
	a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing automation setting updated_at: %w", err)
	}
	return &a, nil
}

func (b *Backend) SetEnabled(ctx context.Context, runbookName string, enabled bool, actor string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO automation_settings (runbook_name, enabled, updated_at, updated_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (runbook_name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`, runbookName, boolToInt(enabled), time.Now().Format(time.RFC3339Nano), actor)
	if err != nil {
		return fmt.Errorf("set automation setting: %w", err)
	}
	return nil
}

func (b *Backend) ListEnabled(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT r.name FROM runbooks r
		WHERE r.is_active = 1
		AND NOT EXISTS (SELECT 1 FROM automation_settings a WHERE a.runbook_name = r.name AND a.enabled = 0)
		ORDER BY r.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list enabled runbooks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan enabled runbook: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// --- BatchStore ---

func (b *Backend) CreateBatch(ctx context.Context, batch *store.Batch) (*store.Batch, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO batches (runbook_id, runbook_name, name, batch_start_time, status, is_manual, created_by, current_phase, member_count, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, batch.RunbookID, batch.RunbookName, batch.Name, formatTime(batch.BatchStartTime), batch.Status,
		boolToInt(batch.IsManual), batch.CreatedBy, batch.CurrentPhase, batch.MemberCount, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get batch id: %w", err)
	}
	batch.ID = id
	batch.DetectedAt = now
	out := *batch
	return &out, nil
}

const batchSelect = `
	SELECT id, runbook_id, runbook_name, name, batch_start_time, status, is_manual, created_by,
		current_phase, member_count, detected_at, init_dispatched_at
	FROM batches`

func scanBatchRow(row *sql.Row) (*store.Batch, error) {
	var batch store.Batch
	var isManual int
	var startTime, detectedAt, initDispatchedAt sql.NullString
	err := row.Scan(&batch.ID, &batch.RunbookID, &batch.RunbookName, &batch.Name, &startTime,
		&batch.Status, &isManual, &batch.CreatedBy, &batch.CurrentPhase, &batch.MemberCount,
		&detectedAt, &initDispatchedAt)
	if err != nil {
		return nil, err
	}
	batch.IsManual = isManual != 0
	if batch.BatchStartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if detectedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, detectedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing batch detected_at: %w", err)
		}
		batch.DetectedAt = t
	}
	if batch.InitDispatchedAt, err = parseTime(initDispatchedAt); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (b *Backend) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	row := b.db.QueryRowContext(ctx, batchSelect+` WHERE id = ?`, id)
	batch, err := scanBatchRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "batch", ID: fmt.Sprintf("%d", id)}
	}
	return batch, err
}

func (b *Backend) GetBatchByNameAndStartTime(ctx context.Context, runbookName string, startTime *time.Time) (*store.Batch, error) {
	var row *sql.Row
	if startTime == nil {
		row = b.db.QueryRowContext(ctx, batchSelect+` WHERE runbook_name = ? AND batch_start_time IS NULL`, runbookName)
	} else {
		row = b.db.QueryRowContext(ctx, batchSelect+` WHERE runbook_name = ? AND batch_start_time = ?`, runbookName, formatTime(startTime))
	}
	batch, err := scanBatchRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "batch", ID: runbookName}
	}
	return batch, err
}

func (b *Backend) ListActiveByRunbookName(ctx context.Context, runbookName string) ([]*store.Batch, error) {
	rows, err := b.db.QueryContext(ctx, batchSelect+`
		WHERE runbook_name = ? AND status NOT IN (?, ?) ORDER BY detected_at
	`, runbookName, store.BatchStatusCompleted, store.BatchStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list active batches: %w", err)
	}
	defer rows.Close()
	return scanBatchRows(rows)
}

func (b *Backend) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*store.Batch, error) {
	query := batchSelect + ` WHERE 1=1`
	var args []any
	if filter.RunbookName != "" {
		query += " AND runbook_name = ?"
		args = append(args, filter.RunbookName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	return scanBatchRows(rows)
}

func scanBatchRows(rows *sql.Rows) ([]*store.Batch, error) {
	var out []*store.Batch
	for rows.Next() {
		var batch store.Batch
		var isManual int
		var startTime, detectedAt, initDispatchedAt sql.NullString
		if err := rows.Scan(&batch.ID, &batch.RunbookID, &batch.RunbookName, &batch.Name, &startTime,
			&batch.Status, &isManual, &batch.CreatedBy, &batch.CurrentPhase, &batch.MemberCount,
			&detectedAt, &initDispatchedAt); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batch.IsManual = isManual != 0
		var err error
		if batch.BatchStartTime, err = parseTime(startTime); err != nil {
			return nil, err
		}
		if detectedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, detectedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing batch detected_at: %w", err)
			}
			batch.DetectedAt = t
		}
		if batch.InitDispatchedAt, err = parseTime(initDispatchedAt); err != nil {
			return nil, err
		}
		out = append(out, &batch)
	}
	return out, rows.Err()
}

func (b *Backend) CASBatchStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error) {
	result, err := b.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ? AND status = ?`, newStatus, id, expectedStatus)
	if err != nil {
		return 0, fmt.Errorf("cas batch status: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) SetBatchRunbookID(ctx context.Context, id int64, runbookID int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batches SET runbook_id = ? WHERE id = ?`, runbookID, id)
	if err != nil {
		return fmt.Errorf("set batch runbook id: %w", err)
	}
	return nil
}

func (b *Backend) SetInitDispatchedAt(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batches SET init_dispatched_at = ? WHERE id = ?`, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set init dispatched at: %w", err)
	}
	return nil
}

func (b *Backend) SetCurrentPhase(ctx context.Context, id int64, phaseName string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batches SET current_phase = ? WHERE id = ?`, phaseName, id)
	if err != nil {
		return fmt.Errorf("set current phase: %w", err)
	}
	return nil
}

// --- BatchMemberStore ---

const memberSelect = `
	SELECT id, batch_id, member_key, status, COALESCE(data_json, ''), COALESCE(worker_data_json, ''),
		added_at, removed_at, add_dispatched_at, remove_dispatched_at
	FROM batch_members`

func (b *Backend) AddMember(ctx context.Context, m *store.BatchMember) (*store.BatchMember, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, member_key, status, data_json, worker_data_json, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.BatchID, m.MemberKey, m.Status, nullString(m.DataJSON), nullString(m.WorkerDataJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get member id: %w", err)
	}
	m.ID = id
	m.AddedAt = now
	out := *m
	return &out, nil
}

func scanMemberRow(row *sql.Row) (*store.BatchMember, error) {
	var m store.BatchMember
	var addedAt string
	var removedAt, addDispatchedAt, removeDispatchedAt sql.NullString
	err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &m.Status, &m.DataJSON, &m.WorkerDataJSON,
		&addedAt, &removedAt, &addDispatchedAt, &removeDispatchedAt)
	if err != nil {
		return nil, err
	}
	if m.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt); err != nil {
		return nil, fmt.Errorf("parsing member added_at: %w", err)
	}
	if m.RemovedAt, err = parseTime(removedAt); err != nil {
		return nil, err
	}
	if m.AddDispatchedAt, err = parseTime(addDispatchedAt); err != nil {
		return nil, err
	}
	if m.RemoveDispatchedAt, err = parseTime(removeDispatchedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *Backend) GetMember(ctx context.Context, id int64) (*store.BatchMember, error) {
	row := b.db.QueryRowContext(ctx, memberSelect+` WHERE id = ?`, id)
	m, err := scanMemberRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "batch_member", ID: fmt.Sprintf("%d", id)}
	}
	return m, err
}

func (b *Backend) ListActiveMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	rows, err := b.db.QueryContext(ctx, memberSelect+` WHERE batch_id = ? AND status = ?`, batchID, store.MemberStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()
	return scanMemberRows(rows)
}

func (b *Backend) ListAllMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	rows, err := b.db.QueryContext(ctx, memberSelect+` WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list all members: %w", err)
	}
	defer rows.Close()
	return scanMemberRows(rows)
}

func scanMemberRows(rows *sql.Rows) ([]*store.BatchMember, error) {
	var out []*store.BatchMember
	for rows.Next() {
		var m store.BatchMember
		var addedAt string
		var removedAt, addDispatchedAt, removeDispatchedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.BatchID, &m.MemberKey, &m.Status, &m.DataJSON, &m.WorkerDataJSON,
			&addedAt, &removedAt, &addDispatchedAt, &removeDispatchedAt); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		var err error
		if m.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt); err != nil {
			return nil, fmt.Errorf("parsing member added_at: %w", err)
		}
		if m.RemovedAt, err = parseTime(removedAt); err != nil {
			return nil, err
		}
		if m.AddDispatchedAt, err = parseTime(addDispatchedAt); err != nil {
			return nil, err
		}
		if m.RemoveDispatchedAt, err = parseTime(removeDispatchedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (b *Backend) CASMemberStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error) {
	var result sql.Result
	var err error
	if newStatus == store.MemberStatusRemoved {
		result, err = b.db.ExecContext(ctx, `UPDATE batch_members SET status = ?, removed_at = ? WHERE id = ? AND status = ?`,
			newStatus, time.Now().Format(time.RFC3339Nano), id, expectedStatus)
	} else {
		result, err = b.db.ExecContext(ctx, `UPDATE batch_members SET status = ? WHERE id = ? AND status = ?`, newStatus, id, expectedStatus)
	}
	if err != nil {
		return 0, fmt.Errorf("cas member status: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) SetAddDispatchedAt(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batch_members SET add_dispatched_at = ? WHERE id = ?`, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set add dispatched at: %w", err)
	}
	return nil
}

func (b *Backend) SetRemoveDispatchedAt(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batch_members SET remove_dispatched_at = ? WHERE id = ?`, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set remove dispatched at: %w", err)
	}
	return nil
}

// MergeWorkerData reads, merges in Go, and writes back under a transaction:
// SQLite's json_patch would work too, but the driver's JSON1 extension
// availability varies, so this follows the teacher's plain-Go-merge style
// used elsewhere for nested structures.
func (b *Backend) MergeWorkerData(ctx context.Context, id int64, values map[string]interface{}) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT worker_data_json FROM batch_members WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "batch_member", ID: fmt.Sprintf("%d", id)}
		}
		return fmt.Errorf("read worker_data_json: %w", err)
	}

	merged := make(map[string]interface{})
	if current.Valid && current.String != "" {
		if err := json.Unmarshal([]byte(current.String), &merged); err != nil {
			return fmt.Errorf("decoding worker_data_json: %w", err)
		}
	}
	for k, v := range values {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding worker_data_json: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE batch_members SET worker_data_json = ? WHERE id = ?`, string(encoded), id); err != nil {
		return fmt.Errorf("write worker_data_json: %w", err)
	}
	return tx.Commit()
}

// --- PhaseExecutionStore ---

const phaseSelect = `
	SELECT id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status, dispatched_at, completed_at
	FROM phase_executions`

func (b *Backend) CreatePhase(ctx context.Context, p *store.PhaseExecution) (*store.PhaseExecution, error) {
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO phase_executions (batch_id, phase_name, offset_minutes, due_at, runbook_version, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.BatchID, p.PhaseName, p.OffsetMinutes, formatTime(p.DueAt), p.RunbookVersion, p.Status)
	if err != nil {
		return nil, fmt.Errorf("create phase execution: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get phase id: %w", err)
	}
	p.ID = id
	out := *p
	return &out, nil
}

func scanPhaseRow(row *sql.Row) (*store.PhaseExecution, error) {
	var p store.PhaseExecution
	var dueAt, dispatchedAt, completedAt sql.NullString
	err := row.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.OffsetMinutes, &dueAt, &p.RunbookVersion, &p.Status, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if p.DueAt, err = parseTime(dueAt); err != nil {
		return nil, err
	}
	if p.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Backend) GetPhase(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	row := b.db.QueryRowContext(ctx, phaseSelect+` WHERE id = ?`, id)
	p, err := scanPhaseRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "phase_execution", ID: fmt.Sprintf("%d", id)}
	}
	return p, err
}

func (b *Backend) ListPhasesByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	rows, err := b.db.QueryContext(ctx, phaseSelect+` WHERE batch_id = ? ORDER BY offset_minutes DESC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list phases by batch: %w", err)
	}
	defer rows.Close()
	return scanPhaseRows(rows)
}

func (b *Backend) ListOverduePending(ctx context.Context, now time.Time) ([]*store.PhaseExecution, error) {
	rows, err := b.db.QueryContext(ctx, phaseSelect+` WHERE status = ? AND due_at <= ?`, store.PhaseStatusPending, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list overdue phases: %w", err)
	}
	defer rows.Close()
	return scanPhaseRows(rows)
}

func scanPhaseRows(rows *sql.Rows) ([]*store.PhaseExecution, error) {
	var out []*store.PhaseExecution
	for rows.Next() {
		var p store.PhaseExecution
		var dueAt, dispatchedAt, completedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.OffsetMinutes, &dueAt, &p.RunbookVersion, &p.Status, &dispatchedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan phase row: %w", err)
		}
		var err error
		if p.DueAt, err = parseTime(dueAt); err != nil {
			return nil, err
		}
		if p.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
			return nil, err
		}
		if p.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (b *Backend) CASPhaseStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error) {
	var result sql.Result
	var err error
	now := time.Now().Format(time.RFC3339Nano)
	switch newStatus {
	case store.PhaseStatusDispatched:
		result, err = b.db.ExecContext(ctx, `UPDATE phase_executions SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	case store.PhaseStatusCompleted, store.PhaseStatusFailed:
		result, err = b.db.ExecContext(ctx, `UPDATE phase_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	default:
		result, err = b.db.ExecContext(ctx, `UPDATE phase_executions SET status = ? WHERE id = ? AND status = ?`, newStatus, id, expectedStatus)
	}
	if err != nil {
		return 0, fmt.Errorf("cas phase status: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) InsertTransitionRows(ctx context.Context, supersedeIDs []int64, newRows []*store.PhaseExecution) ([]*store.PhaseExecution, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	for _, sid := range supersedeIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE phase_executions SET status = ? WHERE id = ? AND status = ?`,
			store.PhaseStatusSuperseded, sid, store.PhaseStatusPending); err != nil {
			return nil, fmt.Errorf("supersede phase %d: %w", sid, err)
		}
	}

	out := make([]*store.PhaseExecution, 0, len(newRows))
	for _, row := range newRows {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO phase_executions (batch_id, phase_name, offset_minutes, due_at, runbook_version, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`, row.BatchID, row.PhaseName, row.OffsetMinutes, formatTime(row.DueAt), row.RunbookVersion, row.Status)
		if err != nil {
			return nil, fmt.Errorf("insert transition phase row: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("get transition phase id: %w", err)
		}
		cp := *row
		cp.ID = id
		out = append(out, &cp)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition tx: %w", err)
	}
	return out, nil
}

// --- StepExecutionStore ---

const stepSelect = `
	SELECT id, phase_execution_id, batch_member_id, step_name, step_index, worker_id, function_name,
		COALESCE(params_json, ''), COALESCE(result_json, ''), COALESCE(worker_response_raw_json, ''),
		status, is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
		on_failure, max_retries, retry_count, retry_interval_sec, retry_after, job_id, error_message,
		created_at, dispatched_at, completed_at
	FROM step_executions`

func (b *Backend) CreateStep(ctx context.Context, s *store.StepExecution) (*store.StepExecution, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO step_executions (phase_execution_id, batch_member_id, step_name, step_index, worker_id, function_name,
			params_json, status, is_poll_step, poll_interval_sec, poll_timeout_sec, on_failure, max_retries,
			retry_interval_sec, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.PhaseExecutionID, s.BatchMemberID, s.StepName, s.StepIndex, s.WorkerID, s.FunctionName,
		nullString(s.ParamsJSON), s.Status, boolToInt(s.IsPollStep), s.PollIntervalSec, s.PollTimeoutSec, s.OnFailure,
		s.MaxRetries, s.RetryIntervalSec, s.JobID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create step execution: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get step id: %w", err)
	}
	s.ID = id
	s.CreatedAt = now
	out := *s
	return &out, nil
}

func (b *Backend) CreateSteps(ctx context.Context, steps []*store.StepExecution) ([]*store.StepExecution, error) {
	out := make([]*store.StepExecution, 0, len(steps))
	for _, s := range steps {
		created, err := b.CreateStep(ctx, s)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func scanStepRow(row *sql.Row) (*store.StepExecution, error) {
	var s store.StepExecution
	var isPollStep int
	var pollStartedAt, lastPolledAt, retryAfter, createdAt, dispatchedAt, completedAt sql.NullString
	err := row.Scan(&s.ID, &s.PhaseExecutionID, &s.BatchMemberID, &s.StepName, &s.StepIndex, &s.WorkerID, &s.FunctionName,
		&s.ParamsJSON, &s.ResultJSON, &s.WorkerResponseRawJSON, &s.Status, &isPollStep, &s.PollIntervalSec, &s.PollTimeoutSec,
		&pollStartedAt, &lastPolledAt, &s.PollCount, &s.OnFailure, &s.MaxRetries, &s.RetryCount, &s.RetryIntervalSec,
		&retryAfter, &s.JobID, &s.ErrorMessage, &createdAt, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.IsPollStep = isPollStep != 0
	if s.PollStartedAt, err = parseTime(pollStartedAt); err != nil {
		return nil, err
	}
	if s.LastPolledAt, err = parseTime(lastPolledAt); err != nil {
		return nil, err
	}
	if s.RetryAfter, err = parseTime(retryAfter); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, createdAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing step created_at: %w", err)
		}
		s.CreatedAt = t
	}
	if s.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
		return nil, err
	}
	if s.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Backend) GetStep(ctx context.Context, id int64) (*store.StepExecution, error) {
	row := b.db.QueryRowContext(ctx, stepSelect+` WHERE id = ?`, id)
	s, err := scanStepRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step_execution", ID: fmt.Sprintf("%d", id)}
	}
	return s, err
}

func (b *Backend) ListStepsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx, stepSelect+` WHERE phase_execution_id = ? ORDER BY step_index`, phaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list steps by phase: %w", err)
	}
	defer rows.Close()
	return scanStepRows(rows)
}

func (b *Backend) ListStepsByMember(ctx context.Context, batchMemberID int64) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx, stepSelect+` WHERE batch_member_id = ? ORDER BY created_at`, batchMemberID)
	if err != nil {
		return nil, fmt.Errorf("list steps by member: %w", err)
	}
	defer rows.Close()
	return scanStepRows(rows)
}

func scanStepRows(rows *sql.Rows) ([]*store.StepExecution, error) {
	var out []*store.StepExecution
	for rows.Next() {
		var s store.StepExecution
		var isPollStep int
		var pollStartedAt, lastPolledAt, retryAfter, createdAt, dispatchedAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.PhaseExecutionID, &s.BatchMemberID, &s.StepName, &s.StepIndex, &s.WorkerID, &s.FunctionName,
			&s.ParamsJSON, &s.ResultJSON, &s.WorkerResponseRawJSON, &s.Status, &isPollStep, &s.PollIntervalSec, &s.PollTimeoutSec,
			&pollStartedAt, &lastPolledAt, &s.PollCount, &s.OnFailure, &s.MaxRetries, &s.RetryCount, &s.RetryIntervalSec,
			&retryAfter, &s.JobID, &s.ErrorMessage, &createdAt, &dispatchedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		s.IsPollStep = isPollStep != 0
		var err error
		if s.PollStartedAt, err = parseTime(pollStartedAt); err != nil {
			return nil, err
		}
		if s.LastPolledAt, err = parseTime(lastPolledAt); err != nil {
			return nil, err
		}
		if s.RetryAfter, err = parseTime(retryAfter); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, createdAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing step created_at: %w", err)
			}
			s.CreatedAt = t
		}
		if s.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
			return nil, err
		}
		if s.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (b *Backend) StepsExistForPhase(ctx context.Context, phaseExecutionID int64) (bool, error) {
	var exists int
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM step_executions WHERE phase_execution_id = ?)`, phaseExecutionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check steps exist for phase: %w", err)
	}
	return exists != 0, nil
}

func (b *Backend) CASStepStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error) {
	var result sql.Result
	var err error
	now := time.Now().Format(time.RFC3339Nano)
	switch newStatus {
	case store.StepStatusDispatched:
		result, err = b.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	case store.StepStatusSucceeded, store.StepStatusFailed, store.StepStatusPollTimeout, store.StepStatusCancelled:
		result, err = b.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	default:
		result, err = b.db.ExecContext(ctx, `UPDATE step_executions SET status = ? WHERE id = ? AND status = ?`, newStatus, id, expectedStatus)
	}
	if err != nil {
		return 0, fmt.Errorf("cas step status: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) UpdateStep(ctx context.Context, s *store.StepExecution) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE step_executions SET
			status = ?, result_json = ?, worker_response_raw_json = ?, poll_started_at = ?, last_polled_at = ?,
			poll_count = ?, retry_count = ?, retry_after = ?, job_id = ?, error_message = ?,
			dispatched_at = ?, completed_at = ?
		WHERE id = ?
	`, s.Status, nullString(s.ResultJSON), nullString(s.WorkerResponseRawJSON), formatTime(s.PollStartedAt), formatTime(s.LastPolledAt),
		s.PollCount, s.RetryCount, formatTime(s.RetryAfter), s.JobID, s.ErrorMessage, formatTime(s.DispatchedAt), formatTime(s.CompletedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "step_execution", ID: fmt.Sprintf("%d", s.ID)}
	}
	return nil
}

// --- InitExecutionStore ---

const initSelect = `
	SELECT id, batch_id, runbook_version, step_name, step_index, worker_id, function_name,
		COALESCE(params_json, ''), COALESCE(result_json, ''), status, max_retries, retry_count,
		retry_interval_sec, retry_after, job_id, error_message, created_at, dispatched_at, completed_at
	FROM init_executions`

func (b *Backend) CreateInit(ctx context.Context, i *store.InitExecution) (*store.InitExecution, error) {
	now := time.Now()
	result, err := b.db.ExecContext(ctx, `
		INSERT INTO init_executions (batch_id, runbook_version, step_name, step_index, worker_id, function_name,
			params_json, status, max_retries, retry_interval_sec, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.BatchID, i.RunbookVersion, i.StepName, i.StepIndex, i.WorkerID, i.FunctionName,
		nullString(i.ParamsJSON), i.Status, i.MaxRetries, i.RetryIntervalSec, i.JobID, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create init execution: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get init id: %w", err)
	}
	i.ID = id
	i.CreatedAt = now
	out := *i
	return &out, nil
}

func (b *Backend) CreateInits(ctx context.Context, inits []*store.InitExecution) ([]*store.InitExecution, error) {
	out := make([]*store.InitExecution, 0, len(inits))
	for _, i := range inits {
		created, err := b.CreateInit(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func scanInitRow(row *sql.Row) (*store.InitExecution, error) {
	var i store.InitExecution
	var retryAfter, createdAt, dispatchedAt, completedAt sql.NullString
	err := row.Scan(&i.ID, &i.BatchID, &i.RunbookVersion, &i.StepName, &i.StepIndex, &i.WorkerID, &i.FunctionName,
		&i.ParamsJSON, &i.ResultJSON, &i.Status, &i.MaxRetries, &i.RetryCount, &i.RetryIntervalSec,
		&retryAfter, &i.JobID, &i.ErrorMessage, &createdAt, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if i.RetryAfter, err = parseTime(retryAfter); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, createdAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing init created_at: %w", err)
		}
		i.CreatedAt = t
	}
	if i.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
		return nil, err
	}
	if i.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &i, nil
}

func (b *Backend) GetInit(ctx context.Context, id int64) (*store.InitExecution, error) {
	row := b.db.QueryRowContext(ctx, initSelect+` WHERE id = ?`, id)
	i, err := scanInitRow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "init_execution", ID: fmt.Sprintf("%d", id)}
	}
	return i, err
}

func (b *Backend) ListInitsByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	rows, err := b.db.QueryContext(ctx, initSelect+` WHERE batch_id = ? ORDER BY step_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list inits by batch: %w", err)
	}
	defer rows.Close()

	var out []*store.InitExecution
	for rows.Next() {
		var i store.InitExecution
		var retryAfter, createdAt, dispatchedAt, completedAt sql.NullString
		if err := rows.Scan(&i.ID, &i.BatchID, &i.RunbookVersion, &i.StepName, &i.StepIndex, &i.WorkerID, &i.FunctionName,
			&i.ParamsJSON, &i.ResultJSON, &i.Status, &i.MaxRetries, &i.RetryCount, &i.RetryIntervalSec,
			&retryAfter, &i.JobID, &i.ErrorMessage, &createdAt, &dispatchedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan init row: %w", err)
		}
		var err error
		if i.RetryAfter, err = parseTime(retryAfter); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, createdAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing init created_at: %w", err)
			}
			i.CreatedAt = t
		}
		if i.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
			return nil, err
		}
		if i.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (b *Backend) InitsExistForBatch(ctx context.Context, batchID int64, runbookVersion int) (bool, error) {
	var exists int
	err := b.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM init_executions WHERE batch_id = ? AND runbook_version = ?)
	`, batchID, runbookVersion).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check inits exist for batch: %w", err)
	}
	return exists != 0, nil
}

func (b *Backend) CASInitStatus(ctx context.Context, id int64, expectedStatus, newStatus string) (int64, error) {
	var result sql.Result
	var err error
	now := time.Now().Format(time.RFC3339Nano)
	switch newStatus {
	case store.StepStatusDispatched:
		result, err = b.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	case store.StepStatusSucceeded, store.StepStatusFailed:
		result, err = b.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`, newStatus, now, id, expectedStatus)
	default:
		result, err = b.db.ExecContext(ctx, `UPDATE init_executions SET status = ? WHERE id = ? AND status = ?`, newStatus, id, expectedStatus)
	}
	if err != nil {
		return 0, fmt.Errorf("cas init status: %w", err)
	}
	return result.RowsAffected()
}

func (b *Backend) UpdateInit(ctx context.Context, i *store.InitExecution) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE init_executions SET
			status = ?, result_json = ?, retry_count = ?, retry_after = ?, job_id = ?, error_message = ?,
			dispatched_at = ?, completed_at = ?
		WHERE id = ?
	`, i.Status, nullString(i.ResultJSON), i.RetryCount, formatTime(i.RetryAfter), i.JobID, i.ErrorMessage,
		formatTime(i.DispatchedAt), formatTime(i.CompletedAt), i.ID)
	if err != nil {
		return fmt.Errorf("update init execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "init_execution", ID: fmt.Sprintf("%d", i.ID)}
	}
	return nil
}
