package eod

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-cbs/meridian/internal/shared"
)

// Executor performs the accounting work behind one registry binding. It may
// block arbitrarily; the orchestrator bounds it with a timeout and treats an
// overrun as a liveness failure. Executors must be idempotent: a retried job
// re-runs them with no compensating rollback in between.
type Executor interface {
	Execute(ctx context.Context, date time.Time) (int64, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, date time.Time) (int64, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, date time.Time) (int64, error) {
	return f(ctx, date)
}

// ReportScheduler enqueues the best-effort report rendering follow-up after
// the reports job completes.
type ReportScheduler interface {
	ScheduleRender(ctx context.Context, date time.Time) error
}

// Orchestrator serializes the nine-job pipeline for the current business
// date. Ordering is enforced by state, not by a lock: the gate rule plus the
// store's compare-and-swap keep at most one job RUNNING per date.
type Orchestrator struct {
	store           Store
	dates           *DateController
	executors       map[string]Executor
	reports         ReportScheduler
	audit           *shared.AuditLogger
	logger          *slog.Logger
	now             func() time.Time
	executorTimeout time.Duration
}

// OrchestratorConfig collects orchestrator dependencies.
type OrchestratorConfig struct {
	Store           Store
	Dates           *DateController
	Executors       map[string]Executor
	Reports         ReportScheduler
	Audit           *shared.AuditLogger
	Logger          *slog.Logger
	ExecutorTimeout time.Duration
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	timeout := cfg.ExecutorTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Orchestrator{
		store:           cfg.Store,
		dates:           cfg.Dates,
		executors:       cfg.Executors,
		reports:         cfg.Reports,
		audit:           cfg.Audit,
		logger:          cfg.Logger,
		now:             time.Now,
		executorTimeout: timeout,
	}
}

// WithNow overrides the clock for deterministic tests.
func (o *Orchestrator) WithNow(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// Status returns the system date and the state of all nine jobs for it,
// including the gate decision the UI renders.
func (o *Orchestrator) Status(ctx context.Context) (StatusSnapshot, error) {
	date, err := o.dates.Current(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	runs, err := o.store.ListRuns(ctx, date)
	if err != nil {
		return StatusSnapshot{}, err
	}
	snapshot := StatusSnapshot{SystemDate: date, Jobs: make([]JobRunStatus, 0, len(runs))}
	for i, run := range runs {
		job, err := JobByNumber(run.JobNumber)
		if err != nil {
			return StatusSnapshot{}, err
		}
		snapshot.Jobs = append(snapshot.Jobs, JobRunStatus{
			JobRun:     run,
			JobName:    job.Name,
			CanExecute: gateOpen(runs, i),
		})
	}
	return snapshot, nil
}

// CanExecute reports whether the gate for a job is open on the given date:
// the job itself must be PENDING or FAILED and its predecessor COMPLETED.
// Job 1 has no predecessor gate. The final job additionally stays executable
// while COMPLETED with the business date not yet advanced, so a failed
// advance can be retried.
func (o *Orchestrator) CanExecute(ctx context.Context, jobNumber int, date time.Time) (bool, error) {
	job, err := JobByNumber(jobNumber)
	if err != nil {
		return false, err
	}
	run, err := o.store.GetRun(ctx, jobNumber, date)
	if err != nil {
		return false, err
	}
	if run.Status != StatusPending && run.Status != StatusFailed {
		return job.Hook == HookAdvanceDate && run.Status == StatusCompleted, nil
	}
	if jobNumber == 1 {
		return true, nil
	}
	prev, err := o.store.GetRun(ctx, jobNumber-1, date)
	if err != nil {
		return false, err
	}
	return prev.Status == StatusCompleted, nil
}

// Execute runs one job for the current business date. Executor failures are
// routine outcomes: the run is recorded FAILED and remains retriable, and
// the result carries the executor's message verbatim.
func (o *Orchestrator) Execute(ctx context.Context, jobNumber int, actor string) (ExecuteResult, error) {
	job, err := JobByNumber(jobNumber)
	if err != nil {
		return ExecuteResult{}, err
	}
	date, err := o.dates.Current(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}

	if job.Hook == HookAdvanceDate {
		run, err := o.store.GetRun(ctx, jobNumber, date)
		if err != nil {
			return ExecuteResult{}, err
		}
		// The business date still pointing at a COMPLETED final job means
		// the advance itself failed after the run was recorded. Re-executing
		// retries only the advance; the accounting work is not repeated.
		if run.Status == StatusCompleted {
			return o.retryAdvance(ctx, job, run, date, actor)
		}
	}

	open, err := o.CanExecute(ctx, jobNumber, date)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !open {
		return ExecuteResult{}, ErrGateNotSatisfied
	}

	attemptID := uuid.NewString()
	if err := o.store.BeginRun(ctx, jobNumber, date, attemptID); err != nil {
		return ExecuteResult{}, err
	}

	records, execErr := o.runExecutor(ctx, job, date)

	result := ExecuteResult{JobName: job.Name, SystemDate: date}
	if execErr != nil {
		if err := o.store.FailRun(ctx, jobNumber, date, execErr.Error()); err != nil {
			return ExecuteResult{}, err
		}
		o.recordAttempt(ctx, job, date, actor, attemptID, "eod.job.failed", map[string]any{"error": execErr.Error()})
		if o.logger != nil {
			o.logger.Warn("eod job failed",
				slog.Int("job", jobNumber),
				slog.String("date", date.Format(DateLayout)),
				slog.Any("error", execErr))
		}
		result.Message = execErr.Error()
		return result, nil
	}

	if err := o.store.CompleteRun(ctx, jobNumber, date, records); err != nil {
		return ExecuteResult{}, err
	}
	result.Success = true
	result.RecordsProcessed = records
	result.Message = fmt.Sprintf("%s completed, %d records processed", job.Name, records)
	o.recordAttempt(ctx, job, date, actor, attemptID, "eod.job.completed", map[string]any{"records": records})
	if o.logger != nil {
		o.logger.Info("eod job completed",
			slog.Int("job", jobNumber),
			slog.String("date", date.Format(DateLayout)),
			slog.Int64("records", records))
	}

	switch job.Hook {
	case HookRenderReports:
		if o.reports != nil {
			if err := o.reports.ScheduleRender(ctx, date); err != nil && o.logger != nil {
				// Rendering is best effort; the job stays COMPLETED.
				o.logger.Warn("schedule report render", slog.Any("error", err))
			}
		}
	case HookAdvanceDate:
		next, err := o.dates.Advance(ctx, date, actor)
		if err != nil {
			return ExecuteResult{}, err
		}
		result.SystemDate = next
		result.Message = fmt.Sprintf("cycle closed, business date advanced to %s", next.Format(DateLayout))
	}

	return result, nil
}

// retryAdvance re-runs the date advance for a cycle whose final job is
// already COMPLETED. The records count is echoed from the recorded run so
// the response matches what the original attempt would have reported.
func (o *Orchestrator) retryAdvance(ctx context.Context, job Job, run JobRun, date time.Time, actor string) (ExecuteResult, error) {
	next, err := o.dates.Advance(ctx, date, actor)
	if err != nil {
		return ExecuteResult{}, err
	}
	if o.logger != nil {
		o.logger.Info("eod date advance retried",
			slog.Int("job", job.Number),
			slog.String("date", date.Format(DateLayout)),
			slog.String("next", next.Format(DateLayout)))
	}
	return ExecuteResult{
		Success:          true,
		JobName:          job.Name,
		RecordsProcessed: run.RecordsProcessed,
		Message:          fmt.Sprintf("cycle closed, business date advanced to %s", next.Format(DateLayout)),
		SystemDate:       next,
	}, nil
}

// ReapStale fails RUNNING rows older than the threshold for the current
// date. Intended to run periodically so a crashed executor does not wedge
// the pipeline.
func (o *Orchestrator) ReapStale(ctx context.Context, threshold time.Duration) (int64, error) {
	date, err := o.dates.Current(ctx)
	if err != nil {
		return 0, err
	}
	reaped, err := o.store.ReapStale(ctx, date, threshold)
	if err != nil {
		return 0, err
	}
	if reaped > 0 && o.logger != nil {
		o.logger.Warn("reaped stale eod runs",
			slog.Int64("count", reaped),
			slog.String("date", date.Format(DateLayout)))
	}
	return reaped, nil
}

func (o *Orchestrator) runExecutor(ctx context.Context, job Job, date time.Time) (int64, error) {
	exec, ok := o.executors[job.Binding]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoExecutor, job.Binding)
	}
	execCtx, cancel := context.WithTimeout(ctx, o.executorTimeout)
	defer cancel()
	return exec.Execute(execCtx, date)
}

func (o *Orchestrator) recordAttempt(ctx context.Context, job Job, date time.Time, actor, attemptID, action string, meta map[string]any) {
	if o.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["attempt_id"] = attemptID
	meta["processing_date"] = date.Format(DateLayout)
	if err := o.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "eod_job",
		EntityID: strconv.Itoa(job.Number),
		Meta:     meta,
		At:       o.now(),
	}); err != nil && o.logger != nil {
		o.logger.Warn("audit eod attempt", slog.Any("error", err))
	}
}

// gateOpen evaluates the gate rule against an ordered run slice. The slice
// always describes the current business date, so a COMPLETED final job here
// means its date advance is still pending and remains executable.
func gateOpen(runs []JobRun, idx int) bool {
	run := runs[idx]
	if run.Status != StatusPending && run.Status != StatusFailed {
		return registry[idx].Hook == HookAdvanceDate && run.Status == StatusCompleted
	}
	if idx == 0 {
		return true
	}
	return runs[idx-1].Status == StatusCompleted
}
