// Package journal persists the outcome of every drained publish so accepted,
// rejected and indeterminate messages can be audited after the process exits.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Entry is one journaled publish outcome.
type Entry struct {
	Token       string
	Sequence    uint64
	Topic       string
	MessageUUID string
	Status      string
	Error       string
	SubmittedAt time.Time
	AckedAt     time.Time
	RecordedAt  time.Time
}

// Journal writes outcome entries through database/sql.
type Journal struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to dsn with the given driver ("sqlite3" or "postgres") and
// creates the outcomes table if needed.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// a second connection to :memory: would see an empty database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	j := &Journal{db: db, driver: driver, now: time.Now}
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Migrate creates the outcomes table and its indexes.
func (j *Journal) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ackflow_outcomes (
		token TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL,
		topic TEXT NOT NULL,
		message_uuid TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		submitted_at TIMESTAMP NOT NULL,
		acked_at TIMESTAMP,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ackflow_outcomes_status ON ackflow_outcomes(status);`

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// Record stores e. A token recorded twice keeps the latest outcome.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = j.now()
	}
	var ackedAt sql.NullTime
	if !e.AckedAt.IsZero() {
		ackedAt = sql.NullTime{Time: e.AckedAt.UTC(), Valid: true}
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}

	query := j.rebind(`
		INSERT INTO ackflow_outcomes
			(token, sequence, topic, message_uuid, status, error, submitted_at, acked_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			acked_at = excluded.acked_at,
			recorded_at = excluded.recorded_at`)

	_, err := j.db.ExecContext(ctx, query,
		e.Token, int64(e.Sequence), e.Topic, e.MessageUUID, e.Status, errText,
		e.SubmittedAt.UTC(), ackedAt, e.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", e.Token, err)
	}
	return nil
}

// Count returns the number of entries with status, or all entries when status
// is empty.
func (j *Journal) Count(ctx context.Context, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM ackflow_outcomes`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}

	var n int64
	if err := j.db.QueryRowContext(ctx, j.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// List returns up to limit entries in submission order.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := j.rebind(`
		SELECT token, sequence, topic, message_uuid, status, error, submitted_at, acked_at, recorded_at
		FROM ackflow_outcomes
		ORDER BY sequence ASC
		LIMIT ?`)

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			errText sql.NullString
			ackedAt sql.NullTime
		)
		if err := rows.Scan(&e.Token, &seq, &e.Topic, &e.MessageUUID, &e.Status, &errText, &e.SubmittedAt, &ackedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Error = errText.String
		if ackedAt.Valid {
			e.AckedAt = ackedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (j *Journal) rebind(query string) string {
	if j.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
