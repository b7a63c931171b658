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

// Package lock provides a named, TTL-leased distributed mutex backed by a
// relational table, generalizing the teacher's single pg_advisory_lock-based
// Elector (internal/controller/leader) to the engine's multiple named leases
// (the scheduler tick, and per-batch version-transition writers per §4.9).
// The lock is a best-effort optimisation, never a safety property: callers
// must remain correct if two holders believe they hold the same name at
// once, since all real safety comes from CAS and deterministic ids.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dialect selects the SQL placeholder style for the two backends the engine
// ships (postgres positional, sqlite/modernc question-mark).
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Lease is a named, TTL-bound distributed lock.
type Lease struct {
	db       *sql.DB
	dialect  Dialect
	holderID string
}

// New constructs a Lease table manager. Call EnsureSchema once at startup
// before any Acquire call.
func New(db *sql.DB, dialect Dialect, holderID string) *Lease {
	return &Lease{db: db, dialect: dialect, holderID: holderID}
}

// EnsureSchema creates the backing lock table if it does not already exist.
func (l *Lease) EnsureSchema(ctx context.Context) error {
	var ddl string
	switch l.dialect {
	case DialectPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS distributed_locks (
			name TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS distributed_locks (
			name TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`
	}
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure lock schema: %w", err)
	}
	return nil
}

// TryAcquire attempts to take the named lease for ttl. It succeeds if the
// lease row does not exist, is held by this holder already, or has expired.
// Returns false (not an error) when another holder currently owns a
// non-expired lease — the caller should treat the tick as a no-op, per §4.9.
func (l *Lease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback()

	existingHolder, existingExpiry, found, err := l.readLocked(ctx, tx, name)
	if err != nil {
		return false, err
	}

	if found && existingHolder != l.holderID && l.notExpired(existingExpiry, now) {
		return false, nil
	}

	if found {
		if err := l.update(ctx, tx, name, expiresAt); err != nil {
			return false, err
		}
	} else {
		if err := l.insert(ctx, tx, name, expiresAt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit acquire tx: %w", err)
	}
	return true, nil
}

// Renew extends a held lease's TTL. Returns false if this holder no longer
// owns the lease (it expired and was taken by someone else).
func (l *Lease) Renew(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().Add(ttl)
	var result sql.Result
	var err error
	switch l.dialect {
	case DialectPostgres:
		result, err = l.db.ExecContext(ctx, `UPDATE distributed_locks SET expires_at = $1 WHERE name = $2 AND holder_id = $3`, expiresAt, name, l.holderID)
	default:
		result, err = l.db.ExecContext(ctx, `UPDATE distributed_locks SET expires_at = ? WHERE name = ? AND holder_id = ?`, expiresAt.Format(time.RFC3339Nano), name, l.holderID)
	}
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Release gives up a held lease. A no-op if this holder doesn't own it.
func (l *Lease) Release(ctx context.Context, name string) error {
	var err error
	switch l.dialect {
	case DialectPostgres:
		_, err = l.db.ExecContext(ctx, `DELETE FROM distributed_locks WHERE name = $1 AND holder_id = $2`, name, l.holderID)
	default:
		_, err = l.db.ExecContext(ctx, `DELETE FROM distributed_locks WHERE name = ? AND holder_id = ?`, name, l.holderID)
	}
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (l *Lease) notExpired(expiresAt time.Time, now time.Time) bool {
	return expiresAt.After(now)
}

func (l *Lease) readLocked(ctx context.Context, tx *sql.Tx, name string) (holder string, expiresAt time.Time, found bool, err error) {
	var query string
	switch l.dialect {
	case DialectPostgres:
		query = `SELECT holder_id, expires_at FROM distributed_locks WHERE name = $1 FOR UPDATE`
	default:
		query = `SELECT holder_id, expires_at FROM distributed_locks WHERE name = ?`
	}

	if l.dialect == DialectPostgres {
		err = tx.QueryRowContext(ctx, query, name).Scan(&holder, &expiresAt)
	} else {
		var expiresAtStr string
		err = tx.QueryRowContext(ctx, query, name).Scan(&holder, &expiresAtStr)
		if err == nil {
			expiresAt, err = time.Parse(time.RFC3339Nano, expiresAtStr)
		}
	}
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("read lease: %w", err)
	}
	return holder, expiresAt, true, nil
}

func (l *Lease) insert(ctx context.Context, tx *sql.Tx, name string, expiresAt time.Time) error {
	var err error
	switch l.dialect {
	case DialectPostgres:
		_, err = tx.ExecContext(ctx, `INSERT INTO distributed_locks (name, holder_id, expires_at) VALUES ($1, $2, $3)`, name, l.holderID, expiresAt)
	default:
		_, err = tx.ExecContext(ctx, `INSERT INTO distributed_locks (name, holder_id, expires_at) VALUES (?, ?, ?)`, name, l.holderID, expiresAt.Format(time.RFC3339Nano))
	}
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

func (l *Lease) update(ctx context.Context, tx *sql.Tx, name string, expiresAt time.Time) error {
	var err error
	switch l.dialect {
	case DialectPostgres:
		_, err = tx.ExecContext(ctx, `UPDATE distributed_locks SET holder_id = $1, expires_at = $2 WHERE name = $3`, l.holderID, expiresAt, name)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE distributed_locks SET holder_id = ?, expires_at = ? WHERE name = ?`, l.holderID, expiresAt.Format(time.RFC3339Nano), name)
	}
	if err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	return nil
}
