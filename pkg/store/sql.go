package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/rudder/pkg/envelope"
	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// dialect adjusts the shared SQL for the driver in use.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store over database/sql. Records live in the
// requests table; the (backend, external_id) index lives in
// external_refs and is rebuilt transactionally on every update.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// DB exposes the underlying handle so the SQL audit sink can share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			request_id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			fingerprint TEXT NOT NULL,
			envelope_json TEXT NOT NULL,
			plan_json TEXT,
			results_json TEXT,
			violations_json TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status_created
			ON requests(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS external_refs (
			backend TEXT NOT NULL,
			external_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			UNIQUE (backend, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_external_refs_request
			ON external_refs(request_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
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

// isUniqueViolation reports whether the driver rejected a statement over
// a unique constraint: pq error class 23505, or the sqlite constraint
// message (modernc.org/sqlite surfaces no typed error).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) Create(ctx context.Context, rec *RequestRecord) error {
	if rec == nil || rec.RequestID == "" {
		return fmt.Errorf("record requires a request_id")
	}
	if rec.Envelope == nil {
		return fmt.Errorf("record requires an envelope")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM requests WHERE idempotency_key = ?`),
		rec.Envelope.IdempotencyKey,
	).Scan(&exists)
	if err == nil {
		return ErrDuplicateKey
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check idempotency key: %w", err)
	}

	now := s.clock().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	envJSON, planJSON, resultsJSON, violationsJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO requests (
		request_id, idempotency_key, fingerprint, envelope_json, plan_json,
		results_json, violations_json, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.RequestID, rec.Envelope.IdempotencyKey, rec.Fingerprint, envJSON,
		planJSON, resultsJSON, violationsJSON, string(rec.Status),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		// The pre-check only closes the race on SQLite; on Postgres two
		// concurrent admissions can both pass it and the loser lands here.
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert request: %w", err)
	}

	if err := s.reindexTx(ctx, tx, rec.RequestID, rec.Results); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, requestID string, patch Patch) (*RequestRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.getTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	if patch.Plan != nil {
		rec.Plan = patch.Plan
	}
	if patch.Results != nil {
		rec.Results = patch.Results
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.Violations != nil {
		rec.Violations = patch.Violations
	}
	rec.UpdatedAt = s.clock().UTC()

	_, planJSON, resultsJSON, violationsJSON, err := marshalRecord(rec)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE requests
		SET plan_json = ?, results_json = ?, violations_json = ?, status = ?, updated_at = ?
		WHERE request_id = ?`),
		planJSON, resultsJSON, violationsJSON, string(rec.Status),
		rec.UpdatedAt.Format(time.RFC3339Nano), requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}

	if err := s.reindexTx(ctx, tx, requestID, rec.Results); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// reindexTx rebuilds the external-id rows for one request from the full
// results slice: delete-then-insert inside the caller's transaction.
func (s *SQLStore) reindexTx(ctx context.Context, tx *sql.Tx, requestID string, results []plan.TaskResult) error {
	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM external_refs WHERE request_id = ?`), requestID); err != nil {
		return fmt.Errorf("clear external refs: %w", err)
	}
	for _, r := range results {
		if r.ExternalID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO external_refs (backend, external_id, request_id, task_id) VALUES (?, ?, ?, ?)`),
			r.Backend, r.ExternalID, requestID, r.TaskID,
		)
		if err != nil {
			return fmt.Errorf("insert external ref %s/%s: %w", r.Backend, r.ExternalID, err)
		}
	}
	return nil
}

const recordColumns = `request_id, fingerprint, envelope_json, plan_json,
	results_json, violations_json, status, created_at, updated_at`

func (s *SQLStore) Get(ctx context.Context, requestID string) (*RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+recordColumns+` FROM requests WHERE request_id = ?`), requestID)
	return scanRecord(row)
}

func (s *SQLStore) getTx(ctx context.Context, tx *sql.Tx, requestID string) (*RequestRecord, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+recordColumns+` FROM requests WHERE request_id = ?`), requestID)
	return scanRecord(row)
}

func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, key string) (*RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+recordColumns+` FROM requests WHERE idempotency_key = ?`), key)
	return scanRecord(row)
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses []plan.RequestStatus, limit int) ([]*RequestRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + recordColumns + ` FROM requests WHERE status IN (` + placeholders + `)
		ORDER BY created_at ASC, request_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RequestRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindTaskByExternalID(ctx context.Context, backend, externalID string) (TaskRef, error) {
	var ref TaskRef
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT request_id, task_id FROM external_refs WHERE backend = ? AND external_id = ?`),
		backend, externalID,
	).Scan(&ref.RequestID, &ref.TaskID)
	if err == sql.ErrNoRows {
		return TaskRef{}, ErrNotFound
	}
	if err != nil {
		return TaskRef{}, fmt.Errorf("find external ref: %w", err)
	}
	return ref, nil
}

func marshalRecord(rec *RequestRecord) (envJSON string, planJSON, resultsJSON, violationsJSON sql.NullString, err error) {
	raw, err := json.Marshal(rec.Envelope)
	if err != nil {
		return "", planJSON, resultsJSON, violationsJSON, fmt.Errorf("marshal envelope: %w", err)
	}
	envJSON = string(raw)

	if rec.Plan != nil {
		raw, err = json.Marshal(rec.Plan)
		if err != nil {
			return "", planJSON, resultsJSON, violationsJSON, fmt.Errorf("marshal plan: %w", err)
		}
		planJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if rec.Results != nil {
		raw, err = json.Marshal(rec.Results)
		if err != nil {
			return "", planJSON, resultsJSON, violationsJSON, fmt.Errorf("marshal results: %w", err)
		}
		resultsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if rec.Violations != nil {
		raw, err = json.Marshal(rec.Violations)
		if err != nil {
			return "", planJSON, resultsJSON, violationsJSON, fmt.Errorf("marshal violations: %w", err)
		}
		violationsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	return envJSON, planJSON, resultsJSON, violationsJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*RequestRecord, error) {
	var (
		requestID      string
		fingerprint    string
		envJSON        string
		planJSON       sql.NullString
		resultsJSON    sql.NullString
		violationsJSON sql.NullString
		status         string
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&requestID, &fingerprint, &envJSON, &planJSON,
		&resultsJSON, &violationsJSON, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}

	rec := &RequestRecord{
		RequestID:   requestID,
		Fingerprint: fingerprint,
		Status:      plan.RequestStatus(status),
		CreatedAt:   parseTime(createdAt),
		UpdatedAt:   parseTime(updatedAt),
	}

	var env envelope.Envelope
	if err := json.Unmarshal([]byte(envJSON), &env); err != nil {
		return nil, fmt.Errorf("decode envelope for %s: %w", requestID, err)
	}
	rec.Envelope = &env

	if planJSON.Valid && planJSON.String != "" {
		var p plan.ExecutionPlan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decode plan for %s: %w", requestID, err)
		}
		rec.Plan = &p
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &rec.Results); err != nil {
			return nil, fmt.Errorf("decode results for %s: %w", requestID, err)
		}
	}
	if violationsJSON.Valid && violationsJSON.String != "" {
		if err := json.Unmarshal([]byte(violationsJSON.String), &rec.Violations); err != nil {
			return nil, fmt.Errorf("decode violations for %s: %w", requestID, err)
		}
	}
	return rec, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLStore)(nil)
)
