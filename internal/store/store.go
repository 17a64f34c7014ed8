package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"
)

// Event names recorded over a job's lifetime.
const (
	EventSubmitted = "submitted"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// JobEvent is one audit row for a generation job.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"jobId"`
	Event     string          `json:"event"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store records job lifecycle events in Postgres. It is an audit trail
// only; job state is never rebuilt from it.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// Open connects with the pgx stdlib driver and applies basic pool
// settings.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// RecordJobEvent inserts an event row. detail is marshalled to JSON and
// stored as NULL when nil.
func (s *Store) RecordJobEvent(ctx context.Context, jobID string, event string, detail any) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("parse job id: %w", err)
	}

	var raw pqtype.NullRawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		raw = pqtype.NullRawMessage{RawMessage: b, Valid: true}
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO job_events (job_id, event, detail) VALUES ($1, $2, $3)`,
		id, event, raw,
	)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's events in insertion order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, job_id, event, detail, created_at FROM job_events WHERE job_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var (
			ev     JobEvent
			rowJob uuid.UUID
			detail pqtype.NullRawMessage
		)
		if err := rows.Scan(&ev.ID, &rowJob, &ev.Event, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.JobID = rowJob.String()
		if detail.Valid {
			ev.Detail = detail.RawMessage
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes events recorded before cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete job events: %w", err)
	}
	return res.RowsAffected()
}
