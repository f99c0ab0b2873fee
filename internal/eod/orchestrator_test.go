package eod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	runs    map[string]JobRun
	current time.Time
	version int64
}

func newMemoryStore(date time.Time) *memoryStore {
	return &memoryStore{
		runs:    make(map[string]JobRun),
		current: truncateDate(date),
		version: 1,
	}
}

func runKey(jobNumber int, date time.Time) string {
	return fmt.Sprintf("%d|%s", jobNumber, truncateDate(date).Format(DateLayout))
}

func (s *memoryStore) GetRun(ctx context.Context, jobNumber int, date time.Time) (JobRun, error) {
	if _, err := JobByNumber(jobNumber); err != nil {
		return JobRun{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runKey(jobNumber, date)]; ok {
		return run, nil
	}
	return pendingRun(jobNumber, date), nil
}

func (s *memoryStore) ListRuns(ctx context.Context, date time.Time) ([]JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]JobRun, 0, JobCount)
	for _, job := range Jobs() {
		if run, ok := s.runs[runKey(job.Number, date)]; ok {
			runs = append(runs, run)
			continue
		}
		runs = append(runs, pendingRun(job.Number, date))
	}
	return runs, nil
}

func (s *memoryStore) BeginRun(ctx context.Context, jobNumber int, date time.Time, attemptID string) error {
	if _, err := JobByNumber(jobNumber); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(jobNumber, date)
	run, ok := s.runs[key]
	if !ok {
		run = pendingRun(jobNumber, date)
	}
	if run.Status != StatusPending && run.Status != StatusFailed {
		return ErrInvalidTransition
	}
	started := time.Now()
	run.Status = StatusRunning
	run.AttemptID = attemptID
	run.StartedAt = &started
	run.ErrorMessage = ""
	s.runs[key] = run
	return nil
}

func (s *memoryStore) CompleteRun(ctx context.Context, jobNumber int, date time.Time, records int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(jobNumber, date)
	run, ok := s.runs[key]
	if !ok || run.Status != StatusRunning {
		return ErrInvalidTransition
	}
	executed := time.Now()
	run.Status = StatusCompleted
	run.ExecutedAt = &executed
	run.RecordsProcessed = records
	run.ErrorMessage = ""
	s.runs[key] = run
	return nil
}

func (s *memoryStore) FailRun(ctx context.Context, jobNumber int, date time.Time, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(jobNumber, date)
	run, ok := s.runs[key]
	if !ok || run.Status != StatusRunning {
		return ErrInvalidTransition
	}
	executed := time.Now()
	run.Status = StatusFailed
	run.ExecutedAt = &executed
	run.ErrorMessage = message
	s.runs[key] = run
	return nil
}

func (s *memoryStore) ReapStale(ctx context.Context, date time.Time, threshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped int64
	cutoff := time.Now().Add(-threshold)
	for key, run := range s.runs {
		if run.Status != StatusRunning || run.StartedAt == nil || !run.StartedAt.Before(cutoff) {
			continue
		}
		executed := time.Now()
		run.Status = StatusFailed
		run.ExecutedAt = &executed
		run.ErrorMessage = "executor exceeded liveness threshold"
		s.runs[key] = run
		reaped++
	}
	return reaped, nil
}

func (s *memoryStore) CurrentDate(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *memoryStore) AdvanceDate(ctx context.Context, from time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.Equal(truncateDate(from)) {
		return time.Time{}, ErrAlreadyAdvanced
	}
	s.current = s.current.AddDate(0, 0, 1)
	s.version++
	for _, job := range Jobs() {
		key := runKey(job.Number, s.current)
		if _, ok := s.runs[key]; !ok {
			s.runs[key] = pendingRun(job.Number, s.current)
		}
	}
	return s.current, nil
}

var _ Store = (*memoryStore)(nil)

type recordingScheduler struct {
	mu    sync.Mutex
	dates []time.Time
}

func (r *recordingScheduler) ScheduleRender(ctx context.Context, date time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, date)
	return nil
}

func newTestOrchestrator(store *memoryStore, executors map[string]Executor, reports ReportScheduler) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Store:     store,
		Dates:     NewDateController(store, nil, nil),
		Executors: executors,
		Reports:   reports,
	})
}

func countingExecutors(records int64) map[string]Executor {
	executors := make(map[string]Executor, JobCount)
	for _, job := range Jobs() {
		executors[job.Binding] = ExecutorFunc(func(ctx context.Context, date time.Time) (int64, error) {
			return records, nil
		})
	}
	return executors
}

func TestGateClosedMutatesNothing(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, countingExecutors(1), nil)

	_, err := orch.Execute(context.Background(), 3, "ops")
	require.ErrorIs(t, err, ErrGateNotSatisfied)

	run, err := store.GetRun(context.Background(), 3, day)
	require.NoError(t, err)
	require.Equal(t, StatusPending, run.Status)
	require.Empty(t, run.AttemptID)
}

func TestJobOneGateOpenOnFreshDate(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	orch := newTestOrchestrator(newMemoryStore(day), countingExecutors(1), nil)

	open, err := orch.CanExecute(context.Background(), 1, day)
	require.NoError(t, err)
	require.True(t, open)

	for number := 2; number <= JobCount; number++ {
		open, err := orch.CanExecute(context.Background(), number, day)
		require.NoError(t, err)
		require.False(t, open, "job %d must wait for its predecessor", number)
	}
}

func TestFullCycleAdvancesDateOnce(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	reports := &recordingScheduler{}
	orch := newTestOrchestrator(store, countingExecutors(42), reports)

	for number := 1; number <= JobCount; number++ {
		result, err := orch.Execute(context.Background(), number, "ops")
		require.NoError(t, err, "job %d", number)
		require.True(t, result.Success)
		require.Equal(t, int64(42), result.RecordsProcessed)
	}

	next, err := store.CurrentDate(context.Background())
	require.NoError(t, err)
	require.Equal(t, day.AddDate(0, 0, 1), next)

	// The reports hook fired exactly once, for the closed date.
	require.Len(t, reports.dates, 1)
	require.Equal(t, day, truncateDate(reports.dates[0]))

	// New date opens with all nine jobs PENDING and job 1 executable.
	runs, err := store.ListRuns(context.Background(), next)
	require.NoError(t, err)
	for _, run := range runs {
		require.Equal(t, StatusPending, run.Status)
	}
	open, err := orch.CanExecute(context.Background(), 1, next)
	require.NoError(t, err)
	require.True(t, open)

	// A second advance for the already-closed cycle must be refused and
	// leave the date untouched.
	_, err = store.AdvanceDate(context.Background(), day)
	require.ErrorIs(t, err, ErrAlreadyAdvanced)
	unchanged, err := store.CurrentDate(context.Background())
	require.NoError(t, err)
	require.Equal(t, next, unchanged)
}

func TestFinalJobResultCarriesAdvancedDate(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, countingExecutors(0), nil)

	for number := 1; number < JobCount; number++ {
		_, err := orch.Execute(context.Background(), number, "ops")
		require.NoError(t, err)
	}
	result, err := orch.Execute(context.Background(), JobCount, "ops")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, day.AddDate(0, 0, 1), result.SystemDate)
}

// flakyAdvanceStore injects transient failures into the date advance while
// delegating everything else to the in-memory store.
type flakyAdvanceStore struct {
	*memoryStore
	advanceFailures int
}

func (s *flakyAdvanceStore) AdvanceDate(ctx context.Context, from time.Time) (time.Time, error) {
	if s.advanceFailures > 0 {
		s.advanceFailures--
		return time.Time{}, errors.New("connection reset by peer")
	}
	return s.memoryStore.AdvanceDate(ctx, from)
}

func TestFailedDateAdvanceIsRetriable(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := &flakyAdvanceStore{memoryStore: newMemoryStore(day), advanceFailures: 1}

	executors := countingExecutors(3)
	var finalRuns int
	executors[BindingAdvanceDate] = ExecutorFunc(func(ctx context.Context, date time.Time) (int64, error) {
		finalRuns++
		return 3, nil
	})
	orch := NewOrchestrator(OrchestratorConfig{
		Store:     store,
		Dates:     NewDateController(store, nil, nil),
		Executors: executors,
	})

	for number := 1; number < JobCount; number++ {
		_, err := orch.Execute(context.Background(), number, "ops")
		require.NoError(t, err)
	}

	// The final job completes its work but the advance fails transiently.
	_, err := orch.Execute(context.Background(), JobCount, "ops")
	require.Error(t, err)

	run, err := store.GetRun(context.Background(), JobCount, day)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
	unchanged, err := store.CurrentDate(context.Background())
	require.NoError(t, err)
	require.Equal(t, day, unchanged)

	// The stuck cycle keeps the final job executable while every other job
	// stays closed, and the status snapshot agrees.
	open, err := orch.CanExecute(context.Background(), JobCount, day)
	require.NoError(t, err)
	require.True(t, open)
	for number := 1; number < JobCount; number++ {
		open, err := orch.CanExecute(context.Background(), number, day)
		require.NoError(t, err)
		require.False(t, open, "job %d", number)
	}
	snapshot, err := orch.Status(context.Background())
	require.NoError(t, err)
	require.True(t, snapshot.Jobs[JobCount-1].CanExecute)

	// Retrying the final job re-runs only the advance.
	result, err := orch.Execute(context.Background(), JobCount, "ops")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, day.AddDate(0, 0, 1), result.SystemDate)
	require.Equal(t, 1, finalRuns, "the accounting work must not be repeated")

	next, err := store.CurrentDate(context.Background())
	require.NoError(t, err)
	require.Equal(t, day.AddDate(0, 0, 1), next)

	// The new date opens normally with the final job gated again.
	open, err = orch.CanExecute(context.Background(), JobCount, next)
	require.NoError(t, err)
	require.False(t, open)
}

func TestExecutorFailureIsRetriable(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	executors := countingExecutors(7)

	boom := errors.New("interest table locked")
	failOnce := true
	executors[BindingPostTransactions] = ExecutorFunc(func(ctx context.Context, date time.Time) (int64, error) {
		if failOnce {
			failOnce = false
			return 0, boom
		}
		return 7, nil
	})
	orch := newTestOrchestrator(store, executors, nil)

	result, err := orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err, "executor failure is a routine outcome, not a transport error")
	require.False(t, result.Success)
	require.Equal(t, boom.Error(), result.Message)

	run, err := store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
	require.Equal(t, boom.Error(), run.ErrorMessage)

	// FAILED is retriable; success clears the recorded error.
	result, err = orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err)
	require.True(t, result.Success)

	run, err = store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
	require.Empty(t, run.ErrorMessage)
	require.Equal(t, int64(7), run.RecordsProcessed)
}

func TestCompletedJobNeverReruns(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, countingExecutors(5), nil)

	_, err := orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err)

	_, err = orch.Execute(context.Background(), 1, "ops")
	require.ErrorIs(t, err, ErrGateNotSatisfied)

	err = store.BeginRun(context.Background(), 1, day, "attempt-2")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBeginRunCompareAndSwap(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)

	require.NoError(t, store.BeginRun(context.Background(), 1, day, "attempt-1"))
	err := store.BeginRun(context.Background(), 1, day, "attempt-2")
	require.ErrorIs(t, err, ErrInvalidTransition)

	run, err := store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, "attempt-1", run.AttemptID)
}

func TestUnknownJobNumber(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	orch := newTestOrchestrator(newMemoryStore(day), countingExecutors(1), nil)

	_, err := orch.Execute(context.Background(), 0, "ops")
	require.ErrorIs(t, err, ErrUnknownJob)
	_, err = orch.Execute(context.Background(), 10, "ops")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestMissingExecutorFailsTheRun(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, map[string]Executor{}, nil)

	result, err := orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err)
	require.False(t, result.Success)

	run, err := store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
	require.Contains(t, run.ErrorMessage, ErrNoExecutor.Error())
}

func TestReapStaleFailsStuckRuns(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, countingExecutors(1), nil)

	require.NoError(t, store.BeginRun(context.Background(), 1, day, "attempt-1"))
	stale := time.Now().Add(-2 * time.Hour)
	store.mu.Lock()
	run := store.runs[runKey(1, day)]
	run.StartedAt = &stale
	store.runs[runKey(1, day)] = run
	store.mu.Unlock()

	reaped, err := orch.ReapStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), reaped)

	recovered, err := store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, recovered.Status)

	// The reaped job is retriable again.
	open, err := orch.CanExecute(context.Background(), 1, day)
	require.NoError(t, err)
	require.True(t, open)
}

func TestStatusReportsGatePerJob(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	orch := newTestOrchestrator(store, countingExecutors(3), nil)

	_, err := orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err)

	snapshot, err := orch.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, day, snapshot.SystemDate)
	require.Len(t, snapshot.Jobs, JobCount)

	require.Equal(t, StatusCompleted, snapshot.Jobs[0].Status)
	require.False(t, snapshot.Jobs[0].CanExecute, "completed jobs are never executable")
	require.True(t, snapshot.Jobs[1].CanExecute)
	for _, job := range snapshot.Jobs[2:] {
		require.False(t, job.CanExecute)
	}
}

func TestExecutorTimeoutRecordedAsFailure(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore(day)
	executors := countingExecutors(1)
	executors[BindingPostTransactions] = ExecutorFunc(func(ctx context.Context, date time.Time) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	orch := NewOrchestrator(OrchestratorConfig{
		Store:           store,
		Dates:           NewDateController(store, nil, nil),
		Executors:       executors,
		ExecutorTimeout: 10 * time.Millisecond,
	})

	result, err := orch.Execute(context.Background(), 1, "ops")
	require.NoError(t, err)
	require.False(t, result.Success)

	run, err := store.GetRun(context.Background(), 1, day)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
}
