package fusion

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/infraspectre/amoskys/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the fusion engine's embedded durable state: incidents (insert-
// or-ignore for idempotent re-emission) and a device_risk mirror written
// back so risk survives a restart without replaying every incident.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates a SQLite-backed Store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Storage("open incident store", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Storage("ping incident store", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errs.Storage("apply incident store pragmas", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errs.Storage("apply incident store pragmas", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errs.Storage("apply incident store schema", err)
	}
	if err := runStoreMigrations(db); err != nil {
		db.Close()
		return nil, errs.Storage("run incident store migrations", err)
	}

	return &Store{db: db}, nil
}

func runStoreMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertIncident inserts inc, returning inserted=false on a primary-key
// collision — the basis for idempotent re-emission under replay.
func (s *Store) InsertIncident(ctx context.Context, inc Incident) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO incidents
			(incident_id, rule_id, severity, device_id, summary, tactics, techniques,
			 created_ns, window_start_ns, contributing_event_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.RuleID, string(inc.Severity), inc.DeviceID, inc.Summary,
		strings.Join(inc.Tactics, ","), strings.Join(inc.Techniques, ","),
		inc.CreatedNs, inc.WindowStartNs, strings.Join(inc.ContributingEventIDs, ","))
	if err != nil {
		return false, errs.Storage("insert incident", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Storage("insert incident rows affected", err)
	}
	return n > 0, nil
}

// ListIncidents returns the most recent incidents, newest first, capped at
// limit (0 means no cap).
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]Incident, error) {
	query := `
		SELECT incident_id, rule_id, severity, device_id, summary, tactics, techniques,
		       created_ns, window_start_ns, contributing_event_ids
		FROM incidents ORDER BY created_ns DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("list incidents", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var tactics, techniques, contributing string
		if err := rows.Scan(&inc.IncidentID, &inc.RuleID, &inc.Severity, &inc.DeviceID,
			&inc.Summary, &tactics, &techniques, &inc.CreatedNs, &inc.WindowStartNs, &contributing); err != nil {
			return nil, errs.Storage("scan incident", err)
		}
		inc.Tactics = splitNonEmpty(tactics)
		inc.Techniques = splitNonEmpty(techniques)
		inc.ContributingEventIDs = splitNonEmpty(contributing)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// UpsertDeviceRisk persists deviceID's current decayed score.
func (s *Store) UpsertDeviceRisk(ctx context.Context, deviceID string, score float64, nowNs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_risk (device_id, score, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET score = excluded.score, updated_ns = excluded.updated_ns`,
		deviceID, score, nowNs)
	if err != nil {
		return errs.Storage("upsert device risk", err)
	}
	return nil
}

// DeviceRisk returns deviceID's last-persisted score and timestamp, or
// (0, 0, false) if never recorded.
func (s *Store) DeviceRisk(ctx context.Context, deviceID string) (score float64, updatedNs int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT score, updated_ns FROM device_risk WHERE device_id = ?`, deviceID)
	if err := row.Scan(&score, &updatedNs); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, errs.Storage("read device risk", err)
	}
	return score, updatedNs, true, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
