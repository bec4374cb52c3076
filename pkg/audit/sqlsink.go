package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect adjusts the sink's SQL for the driver in use.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLSink persists events in an audit_events table and supports reading
// them back for the audit endpoint. It can share the request store's
// database handle.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink creates the sink and its table.
func NewSQLSink(db *sql.DB, d Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) migrate() error {
	idColumn := `id INTEGER PRIMARY KEY AUTOINCREMENT`
	if s.dialect == DialectPostgres {
		idColumn = `id BIGSERIAL PRIMARY KEY`
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			` + idColumn + `,
			request_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			stage TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_request
			ON audit_events(request_id, ts)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate audit_events: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLSink) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) Append(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var dataJSON sql.NullString
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		dataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO audit_events (request_id, ts, level, stage, message, data_json)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.RequestID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Level), string(e.Stage), e.Message, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLSink) Query(ctx context.Context, requestID string, limit int) ([]Event, error) {
	query := `SELECT ts, level, stage, message, data_json FROM audit_events
		WHERE request_id = ? ORDER BY id ASC`
	args := []any{requestID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ts       string
			level    string
			stage    string
			message  string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&ts, &level, &stage, &message, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e := Event{
			RequestID: requestID,
			Level:     Level(level),
			Stage:     Stage(stage),
			Message:   message,
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if dataJSON.Valid && dataJSON.String != "" {
			_ = json.Unmarshal([]byte(dataJSON.String), &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
