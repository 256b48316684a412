// Package queue implements the durable, crash-safe FIFO queue that sits
// between envelope admission and fusion-engine consumption.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/infraspectre/amoskys/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Limits bounds the queue's resource footprint. Enforcement happens inside
// the enqueue transaction so "reject newest" is atomic with respect to
// concurrent enqueues.
type Limits struct {
	MaxRecords int
	MaxBytes   int64
}

// SQLiteQueue is a single-writer/single-reader FIFO backed by SQLite in WAL
// mode. One SQLite file per queue directory.
type SQLiteQueue struct {
	db     *sql.DB
	limits Limits
}

// Open creates or opens a SQLite-backed queue at path, applying pragmas and
// schema migrations. Idempotent — safe to call multiple times.
func Open(path string, limits Limits) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Storage("open queue database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Storage("ping queue database", err)
	}

	// SQLite supports one writer at a time; a single connection serializes
	// all writers and makes the capacity check-then-insert in enqueue
	// transactionally atomic without extra locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, errs.Storage("apply queue pragmas", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, errs.Storage("apply queue schema", err)
	}

	return &SQLiteQueue{db: db, limits: limits}, nil
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// No migrations beyond the base schema yet; currentSchemaVersion exists
	// so future additions have a place to branch from.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Enqueue inserts a record for eventID if no record for it exists yet, and
// reports whether the insert was fresh. Re-enqueuing a known event_id is a
// no-op that returns inserted=false regardless of that record's state
// (PENDING/INFLIGHT not yet processed, or DONE already processed and not
// yet garbage-collected) — the durable queue is authoritative for dedupe,
// so callers can tell a genuinely new event apart from a duplicate publish
// without depending on any front-end dedupe cache. If the queue is at
// capacity (record count or byte ceiling), it returns a QUEUE_FULL
// CoreError and the new record is rejected ("reject newest").
func (q *SQLiteQueue) Enqueue(ctx context.Context, eventID string, envelope []byte, nowNs int64) (inserted bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errs.Storage("begin enqueue transaction", err)
	}
	defer tx.Rollback()

	var existingState string
	err = tx.QueryRowContext(ctx, `SELECT state FROM queue_records WHERE event_id = ?`, eventID).Scan(&existingState)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return false, errs.Storage("lookup existing record", err)
	default:
		return false, nil
	}

	if q.limits.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_records WHERE state != ?`, StateDone).Scan(&count); err != nil {
			return false, errs.Storage("count active records", err)
		}
		if count >= q.limits.MaxRecords {
			return false, errs.QueueFull(q.limits.MaxRecords)
		}
	}

	if q.limits.MaxBytes > 0 {
		var totalBytes sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT SUM(LENGTH(envelope)) FROM queue_records WHERE state != ?`, StateDone).Scan(&totalBytes); err != nil {
			return false, errs.Storage("sum active bytes", err)
		}
		if totalBytes.Int64+int64(len(envelope)) > q.limits.MaxBytes {
			return false, errs.QueueFull(int(q.limits.MaxBytes))
		}
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(enqueued_seq), 0) + 1 FROM queue_records`).Scan(&nextSeq); err != nil {
		return false, errs.Storage("compute next sequence", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_records (event_id, envelope, state, attempts, next_due_ns, enqueued_seq, created_ns)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		eventID, envelope, StatePending, nowNs, nextSeq, nowNs)
	if err != nil {
		return false, errs.Storage("insert record", err)
	}

	if err := tx.Commit(); err != nil {
		return false, errs.Storage("commit enqueue transaction", err)
	}
	return true, nil
}

// PeekBatch returns up to n PENDING records whose next_due_ns has elapsed,
// ordered by enqueued_seq (FIFO), and marks them INFLIGHT.
func (q *SQLiteQueue) PeekBatch(ctx context.Context, n int, nowNs int64) ([]Record, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Storage("begin peek transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, envelope, state, attempts, next_due_ns, enqueued_seq, created_ns
		FROM queue_records
		WHERE state = ? AND next_due_ns <= ?
		ORDER BY enqueued_seq ASC
		LIMIT ?`, StatePending, nowNs, n)
	if err != nil {
		return nil, errs.Storage("select pending records", err)
	}

	var records []Record
	for rows.Next() {
		var r Record
		var state string
		if err := rows.Scan(&r.EventID, &r.Envelope, &state, &r.Attempts, &r.NextDueNs, &r.EnqueuedSeq, &r.CreatedNs); err != nil {
			rows.Close()
			return nil, errs.Storage("scan record", err)
		}
		r.State = State(state)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate records", err)
	}

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `UPDATE queue_records SET state = ? WHERE event_id = ?`, StateInflight, r.EventID); err != nil {
			return nil, errs.Storage("mark inflight", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage("commit peek transaction", err)
	}
	return records, nil
}

// Ack marks eventIDs DONE. DONE records are garbage-collected on the next
// maintenance sweep.
func (q *SQLiteQueue) Ack(ctx context.Context, eventIDs []string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin ack transaction", err)
	}
	defer tx.Rollback()

	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE queue_records SET state = ? WHERE event_id = ?`, StateDone, id); err != nil {
			return errs.Storage("ack record", err)
		}
	}
	return tx.Commit()
}

// Nack returns eventIDs to PENDING with next_due_ns pushed out by backoffNs
// and increments their attempt counters.
func (q *SQLiteQueue) Nack(ctx context.Context, eventIDs []string, nowNs, backoffNs int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin nack transaction", err)
	}
	defer tx.Rollback()

	for _, id := range eventIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_records
			SET state = ?, attempts = attempts + 1, next_due_ns = ?
			WHERE event_id = ?`, StatePending, nowNs+backoffNs, id)
		if err != nil {
			return errs.Storage("nack record", err)
		}
	}
	return tx.Commit()
}

// Size returns the count of non-DONE records.
func (q *SQLiteQueue) Size(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_records WHERE state != ?`, StateDone).Scan(&count)
	if err != nil {
		return 0, errs.Storage("count records", err)
	}
	return count, nil
}

// OldestAgeNs returns how old (in nanoseconds, relative to nowNs) the oldest
// non-DONE record is, or 0 if the queue is empty.
func (q *SQLiteQueue) OldestAgeNs(ctx context.Context, nowNs int64) (int64, error) {
	var createdNs sql.NullInt64
	err := q.db.QueryRowContext(ctx, `SELECT MIN(created_ns) FROM queue_records WHERE state != ?`, StateDone).Scan(&createdNs)
	if err != nil {
		return 0, errs.Storage("query oldest record", err)
	}
	if !createdNs.Valid {
		return 0, nil
	}
	return nowNs - createdNs.Int64, nil
}

// GC deletes DONE records, reclaiming space. Intended to run from a
// scheduled maintenance sweep.
func (q *SQLiteQueue) GC(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_records WHERE state = ?`, StateDone)
	if err != nil {
		return 0, errs.Storage("gc done records", err)
	}
	return res.RowsAffected()
}
