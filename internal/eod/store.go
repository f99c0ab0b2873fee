package eod

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists per-job run state and the system date singleton.
type Store interface {
	// GetRun returns the run row for (jobNumber, date), synthesizing a
	// PENDING row with zero counters when none exists yet.
	GetRun(ctx context.Context, jobNumber int, date time.Time) (JobRun, error)
	// ListRuns returns one run per registry job in numeric order.
	ListRuns(ctx context.Context, date time.Time) ([]JobRun, error)
	// BeginRun transitions PENDING/FAILED to RUNNING. The transition is a
	// compare-and-swap: two callers observing PENDING cannot both win.
	BeginRun(ctx context.Context, jobNumber int, date time.Time, attemptID string) error
	// CompleteRun transitions RUNNING to COMPLETED and records the count.
	CompleteRun(ctx context.Context, jobNumber int, date time.Time, records int64) error
	// FailRun transitions RUNNING to FAILED and records the message.
	FailRun(ctx context.Context, jobNumber int, date time.Time, message string) error
	// ReapStale fails RUNNING rows whose start exceeds the liveness
	// threshold, returning how many were reaped.
	ReapStale(ctx context.Context, date time.Time, threshold time.Duration) (int64, error)

	// CurrentDate returns the ledger's business date.
	CurrentDate(ctx context.Context) (time.Time, error)
	// AdvanceDate moves the business date forward one calendar day from
	// the given date and opens fresh PENDING rows for the new date. A
	// stale from date yields ErrAlreadyAdvanced.
	AdvanceDate(ctx context.Context, from time.Time) (time.Time, error)
}

// Ensure implementation
var _ Store = (*pgStore)(nil)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Postgres-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const runColumns = `job_number, processing_date, status, attempt_id, started_at, executed_at, records_processed, error_message`

func (s *pgStore) GetRun(ctx context.Context, jobNumber int, date time.Time) (JobRun, error) {
	if _, err := JobByNumber(jobNumber); err != nil {
		return JobRun{}, err
	}
	query := `SELECT ` + runColumns + ` FROM eod_job_runs WHERE job_number = $1 AND processing_date = $2`
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobNumber, dateValue(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pendingRun(jobNumber, date), nil
		}
		return JobRun{}, err
	}
	return run, nil
}

func (s *pgStore) ListRuns(ctx context.Context, date time.Time) ([]JobRun, error) {
	query := `SELECT ` + runColumns + ` FROM eod_job_runs WHERE processing_date = $1`
	rows, err := s.pool.Query(ctx, query, dateValue(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byNumber := make(map[int]JobRun, JobCount)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		byNumber[run.JobNumber] = run
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]JobRun, 0, JobCount)
	for _, job := range Jobs() {
		if run, ok := byNumber[job.Number]; ok {
			runs = append(runs, run)
			continue
		}
		runs = append(runs, pendingRun(job.Number, date))
	}
	return runs, nil
}

func (s *pgStore) BeginRun(ctx context.Context, jobNumber int, date time.Time, attemptID string) error {
	if _, err := JobByNumber(jobNumber); err != nil {
		return err
	}
	// Upsert handles dates whose rows were never seeded; the WHERE clause
	// is the compare-and-swap that rejects RUNNING and COMPLETED rows.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO eod_job_runs (job_number, processing_date, status, attempt_id, started_at, records_processed, error_message)
		VALUES ($1, $2, 'RUNNING', $3, NOW(), 0, '')
		ON CONFLICT (job_number, processing_date) DO UPDATE
		SET status = 'RUNNING', attempt_id = $3, started_at = NOW(), error_message = ''
		WHERE eod_job_runs.status IN ('PENDING', 'FAILED')`,
		jobNumber, dateValue(date), attemptID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *pgStore) CompleteRun(ctx context.Context, jobNumber int, date time.Time, records int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eod_job_runs
		SET status = 'COMPLETED', executed_at = NOW(), records_processed = $3, error_message = ''
		WHERE job_number = $1 AND processing_date = $2 AND status = 'RUNNING'`,
		jobNumber, dateValue(date), records)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *pgStore) FailRun(ctx context.Context, jobNumber int, date time.Time, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eod_job_runs
		SET status = 'FAILED', executed_at = NOW(), error_message = $3
		WHERE job_number = $1 AND processing_date = $2 AND status = 'RUNNING'`,
		jobNumber, dateValue(date), message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *pgStore) ReapStale(ctx context.Context, date time.Time, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE eod_job_runs
		SET status = 'FAILED', executed_at = NOW(),
		    error_message = 'executor exceeded liveness threshold'
		WHERE processing_date = $1 AND status = 'RUNNING' AND started_at < NOW() - $2::interval`,
		dateValue(date), fmt.Sprintf("%d seconds", int64(threshold.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) CurrentDate(ctx context.Context) (time.Time, error) {
	var date pgtype.Date
	err := s.pool.QueryRow(ctx, `SELECT business_date FROM system_date WHERE singleton`).Scan(&date)
	if err != nil {
		return time.Time{}, fmt.Errorf("eod: load system date: %w", err)
	}
	return date.Time, nil
}

func (s *pgStore) AdvanceDate(ctx context.Context, from time.Time) (time.Time, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return time.Time{}, fmt.Errorf("eod: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Optimistic-concurrency guard keyed on the date being advanced: a
	// second caller for the same completed cycle matches zero rows.
	var next pgtype.Date
	err = tx.QueryRow(ctx, `
		UPDATE system_date
		SET business_date = business_date + 1, version = version + 1
		WHERE singleton AND business_date = $1
		RETURNING business_date`, dateValue(from)).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrAlreadyAdvanced
		}
		return time.Time{}, err
	}

	for _, job := range Jobs() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO eod_job_runs (job_number, processing_date, status, records_processed, error_message)
			VALUES ($1, $2, 'PENDING', 0, '')
			ON CONFLICT (job_number, processing_date) DO NOTHING`,
			job.Number, next); err != nil {
			return time.Time{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("eod: commit tx: %w", err)
	}
	return next.Time, nil
}

func pendingRun(jobNumber int, date time.Time) JobRun {
	return JobRun{
		JobNumber:      jobNumber,
		ProcessingDate: truncateDate(date),
		Status:         StatusPending,
	}
}

func scanRun(row pgx.Row) (JobRun, error) {
	var (
		run       JobRun
		date      pgtype.Date
		attemptID pgtype.Text
		startedAt pgtype.Timestamptz
		execAt    pgtype.Timestamptz
	)
	err := row.Scan(&run.JobNumber, &date, &run.Status, &attemptID, &startedAt, &execAt, &run.RecordsProcessed, &run.ErrorMessage)
	if err != nil {
		return JobRun{}, err
	}
	run.ProcessingDate = date.Time
	run.AttemptID = attemptID.String
	run.StartedAt = timeToPointer(startedAt)
	run.ExecutedAt = timeToPointer(execAt)
	return run, nil
}

func dateValue(t time.Time) pgtype.Date {
	return pgtype.Date{Time: truncateDate(t), Valid: true}
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timeToPointer(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
