package auditsink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresSink mirrors accepted envelope metadata into a Postgres table for
// long-term, queryable audit history. It never receives payload bytes —
// callers construct an Entry from the envelope header fields only.
type PostgresSink struct {
	db *sqlx.DB
}

// OpenPostgresSink connects to dsn, running embedded migrations first when
// migrateOnStart is true.
func OpenPostgresSink(dsn string, migrateOnStart bool) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditsink: connect postgres: %w", err)
	}

	if migrateOnStart {
		if err := runMigrations(db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &PostgresSink{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("auditsink: load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("auditsink: postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("auditsink: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("auditsink: run migrations: %w", err)
	}
	return nil
}

// Record inserts e, ignoring duplicate event_ids since the bus may retry an
// audit write after a transient connection failure.
func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO audit_entries (event_id, source_id, class, timestamp_ns, accepted_ns)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, e.EventID, e.SourceID, e.Class, e.TimestampNs, e.AcceptedNs)
	if err != nil {
		return fmt.Errorf("auditsink: insert entry: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
