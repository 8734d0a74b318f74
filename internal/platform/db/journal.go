package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrRunNotFound = errors.New("import run not found")

// Row outcomes recorded in the journal.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RowEntry is the journal line for one input row.
type RowEntry struct {
	Line    int
	Key     string
	Outcome string
	Error   string
}

// RunSummary holds the counters written when a run finishes.
// ResponseStatus is zero when nothing was submitted.
type RunSummary struct {
	Processed      int
	Succeeded      int
	Failed         int
	Skipped        int
	ResponseStatus int
}

// Run is a journaled import run as read back for status output.
type Run struct {
	ID             uuid.UUID
	Flow           string
	Source         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Processed      int
	Succeeded      int
	Failed         int
	Skipped        int
	ResponseStatus *int
}

// JournalRepo records import runs and their per-row outcomes.
type JournalRepo struct {
	conn queryable
	now  func() time.Time
}

func NewJournalRepo(conn queryable) *JournalRepo {
	return &JournalRepo{conn: conn, now: time.Now}
}

// Start opens a run for flow reading from source and returns its id.
func (r *JournalRepo) Start(ctx context.Context, flow, source string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.conn.Exec(ctx,
		`INSERT INTO import_run (id, flow, source, started_at) VALUES ($1, $2, $3, $4)`,
		id, flow, source, r.now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("start import run: %w", err)
	}
	return id, nil
}

// Record appends the outcome of one row to run.
func (r *JournalRepo) Record(ctx context.Context, run uuid.UUID, e RowEntry) error {
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	_, err := r.conn.Exec(ctx,
		`INSERT INTO import_row (run_id, line, entity_key, outcome, error) VALUES ($1, $2, $3, $4, $5)`,
		run, e.Line, e.Key, e.Outcome, errText)
	if err != nil {
		return fmt.Errorf("record import row %d: %w", e.Line, err)
	}
	return nil
}

// Finish closes run with its final counters.
func (r *JournalRepo) Finish(ctx context.Context, run uuid.UUID, s RunSummary) error {
	var status *int
	if s.ResponseStatus != 0 {
		status = &s.ResponseStatus
	}
	tag, err := r.conn.Exec(ctx, `
		UPDATE import_run SET finished_at = $2, processed = $3, succeeded = $4,
			failed = $5, skipped = $6, response_status = $7
		WHERE id = $1`,
		run, r.now().UTC(), s.Processed, s.Succeeded, s.Failed, s.Skipped, status)
	if err != nil {
		return fmt.Errorf("finish import run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run)
	}
	return nil
}

// Recent lists the latest runs, newest first.
func (r *JournalRepo) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn.Query(ctx, `
		SELECT id, flow, source, started_at, finished_at, processed, succeeded, failed, skipped, response_status
		FROM import_run ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Flow, &run.Source, &run.StartedAt, &run.FinishedAt,
			&run.Processed, &run.Succeeded, &run.Failed, &run.Skipped, &run.ResponseStatus); err != nil {
			return nil, fmt.Errorf("scan import run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
