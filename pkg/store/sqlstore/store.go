// Package sqlstore provides a database/sql implementation of the store
// interfaces compatible with both PostgreSQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wilhg/geotask/pkg/sqldb"
	"github.com/wilhg/geotask/pkg/store"
)

// Store implements store.Store.
type Store struct {
	db *sqldb.DB
}

// New wraps an opened database.
func New(db *sqldb.DB) *Store { return &Store{db: db} }

// Open opens a database from a DATABASE_URL style DSN.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqldb.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "geotask_runs" (
		"run_id" TEXT PRIMARY KEY,
		"task" TEXT NOT NULL,
		"status" TEXT NOT NULL,
		"args" {{json}},
		"result" {{json}},
		"error" TEXT,
		"created_at" BIGINT NOT NULL,
		"updated_at" BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "geotask_events" (
		"event_id" TEXT PRIMARY KEY,
		"run_id" TEXT NOT NULL,
		"seq" BIGINT NOT NULL,
		"type" TEXT NOT NULL,
		"payload" {{json}},
		"created_at" BIGINT NOT NULL,
		UNIQUE ("run_id", "seq")
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	jsonType := "TEXT"
	if s.db.Dialect == sqldb.Postgres {
		jsonType = "JSONB"
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, strings.ReplaceAll(stmt, "{{json}}", jsonType)); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string {
	if s.db.Dialect != sqldb.Postgres {
		return query
	}
	// Rewrite ? markers to $n.
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.db.Dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, r store.RunRecord) error {
	if r.RunID == "" || r.Task == "" {
		return errors.New("run id and task are required")
	}
	if r.Status == "" {
		r.Status = store.StatusQueued
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO geotask_runs(run_id, task, status, args, result, error, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, r.Task, r.Status, nullJSON(r.Args), nullJSON(r.Result), r.Error, millis(r.CreatedAt), millis(now))
	return err
}

// UpdateRun sets status, result and error of a run.
func (s *Store) UpdateRun(ctx context.Context, runID, status string, result json.RawMessage, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE geotask_runs SET status = ?, result = ?, error = ?, updated_at = ? WHERE run_id = ?`),
		status, nullJSON(result), errMsg, millis(time.Now()), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (store.RunRecord, error) {
	var (
		r            store.RunRecord
		args, result sql.NullString
		errMsg       sql.NullString
		created, upd int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT run_id, task, status, args, result, error, created_at, updated_at FROM geotask_runs WHERE run_id = ?`), runID).
		Scan(&r.RunID, &r.Task, &r.Status, &args, &result, &errMsg, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RunRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.RunRecord{}, err
	}
	r.Args, r.Result, r.Error = rawJSON(args), rawJSON(result), errMsg.String
	r.CreatedAt, r.UpdatedAt = fromMillis(created), fromMillis(upd)
	return r, nil
}

// AppendEvent appends a new event with an incremented sequence per run.
func (s *Store) AppendEvent(ctx context.Context, e store.EventRecord) (store.EventRecord, error) {
	if e.RunID == "" || e.Type == "" {
		return store.EventRecord{}, errors.New("run id and type are required")
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return store.EventRecord{}, errors.New("invalid payload json")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.EventRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotent append on a duplicate event id.
	if existing, err := s.eventByID(ctx, tx, e.EventID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.EventRecord{}, err
	}

	var last int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM geotask_events WHERE run_id = ?`), e.RunID).Scan(&last); err != nil {
		return store.EventRecord{}, err
	}
	e.Seq = last + 1
	e.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO geotask_events(event_id, run_id, seq, type, payload, created_at) VALUES(?, ?, ?, ?, ?, ?)`),
		e.EventID, e.RunID, e.Seq, e.Type, nullJSON(e.Payload), millis(e.CreatedAt)); err != nil {
		return store.EventRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.EventRecord{}, err
	}
	e.CreatedAt = fromMillis(millis(e.CreatedAt))
	return e, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) eventByID(ctx context.Context, q queryer, id string) (store.EventRecord, error) {
	var (
		e       store.EventRecord
		payload sql.NullString
		created int64
	)
	err := q.QueryRowContext(ctx, s.q(`SELECT event_id, run_id, seq, type, payload, created_at FROM geotask_events WHERE event_id = ?`), id).
		Scan(&e.EventID, &e.RunID, &e.Seq, &e.Type, &payload, &created)
	if err != nil {
		return store.EventRecord{}, err
	}
	e.Payload, e.CreatedAt = rawJSON(payload), fromMillis(created)
	return e, nil
}

// ListEvents lists events for a run after a given sequence.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]store.EventRecord, error) {
	query := `SELECT event_id, run_id, seq, type, payload, created_at FROM geotask_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.EventRecord
	for rows.Next() {
		var (
			e       store.EventRecord
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Seq, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload, e.CreatedAt = rawJSON(payload), fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSeq returns the last sequence for a run, 0 when it has no events.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM geotask_events WHERE run_id = ?`), runID).Scan(&last)
	return last, err
}
