package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Dialect selects SQL placeholders and schema.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const eventColumns = "sequence, id, event_type, actor_type, actor_id, actor_name, action, " +
	"resource_type, resource_id, risk_level, workflow_id, outcome, payload_digest, details, " +
	"previous_hash, current_hash, created_at"

// SQLBackend stores events in an audit_events table guarded by
// append-only triggers.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens a SQLite database and applies the schema.
func OpenSQLite(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// One connection keeps SQLite writes from racing for the file lock.
	db.SetMaxOpenConns(1)
	return openSQL(db, DialectSQLite)
}

// OpenPostgres opens a PostgreSQL database and applies the schema.
func OpenPostgres(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	return openSQL(db, DialectPostgres)
}

func openSQL(db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", dialect, err)
	}
	b := NewSQLBackend(db, dialect)
	if err := b.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBackend wraps an open database. Call Migrate before use.
func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// DB exposes the underlying handle.
func (b *SQLBackend) DB() *sql.DB { return b.db }

// Migrate applies the embedded schema for the dialect. Every statement is
// idempotent.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	var dir string
	switch b.dialect {
	case DialectSQLite:
		dir = "migrations/sqlite"
	case DialectPostgres:
		dir = "migrations/postgres"
	default:
		return fmt.Errorf("audit: unsupported dialect %q", b.dialect)
	}
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("audit: read migrations: %w", err)
	}
	for _, entry := range entries {
		contents, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("audit: read migration %s: %w", entry.Name(), err)
		}
		if _, err := b.db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("audit: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (b *SQLBackend) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		if b.dialect == DialectPostgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return strings.Join(ph, ", ")
}

func (b *SQLBackend) Append(ctx context.Context, e Event) error {
	details := ""
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(data)
	}

	query := "INSERT INTO audit_events (" + eventColumns + ") VALUES (" + b.placeholders(17) + ")"
	_, err := b.db.ExecContext(ctx, query,
		int64(e.Sequence), e.ID, string(e.EventType),
		e.Actor.Type, e.Actor.ID, e.Actor.Name, e.Action,
		e.Resource.Type, e.Resource.ID, e.RiskLevel, e.WorkflowID, e.Outcome,
		e.PayloadDigest, details, e.PreviousHash, e.CurrentHash,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event %d: %w", e.Sequence, err)
	}
	return nil
}

func (b *SQLBackend) Tip(ctx context.Context) (uint64, string, error) {
	var seq int64
	var hash string
	err := b.db.QueryRowContext(ctx,
		"SELECT sequence, current_hash FROM audit_events ORDER BY sequence DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("audit: read tip: %w", err)
	}
	return uint64(seq), hash, nil
}

func (b *SQLBackend) Scan(ctx context.Context, fn func(Event) error) error {
	rows, err := b.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM audit_events ORDER BY sequence ASC")
	if err != nil {
		return fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         Event
			seq       int64
			eventType string
			details   string
			createdAt string
		)
		if err := rows.Scan(&seq, &e.ID, &eventType,
			&e.Actor.Type, &e.Actor.ID, &e.Actor.Name, &e.Action,
			&e.Resource.Type, &e.Resource.ID, &e.RiskLevel, &e.WorkflowID, &e.Outcome,
			&e.PayloadDigest, &details, &e.PreviousHash, &e.CurrentHash, &createdAt,
		); err != nil {
			return fmt.Errorf("audit: scan event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.EventType = EventType(eventType)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return &CorruptRecordError{Position: e.Sequence, Err: err}
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return &CorruptRecordError{Position: e.Sequence, Err: err}
			}
		}
		if err := fn(e); err != nil {
			if errors.Is(err, errStopScan) {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: iterate events: %w", err)
	}
	return nil
}

func (b *SQLBackend) Close() error { return b.db.Close() }
