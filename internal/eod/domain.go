// Package eod drives the end-of-day batch cycle: a fixed sequence of nine
// dependent jobs executed strictly in order, with durable per-job state and a
// business date that advances only when the full cycle completes.
package eod

import (
	"errors"
	"time"
)

// JobStatus captures the lifecycle of a job run for one processing date.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Hook tags a job with a follow-up performed by the orchestrator after the
// job completes. Hooks live on the registry entry so callers never branch on
// job numbers.
type Hook string

const (
	HookNone          Hook = ""
	HookRenderReports Hook = "RENDER_REPORTS"
	HookAdvanceDate   Hook = "ADVANCE_DATE"
)

// Job is an immutable registry entry. Source and Target name the resources a
// job reads and writes; they serve display and audit only.
type Job struct {
	Number  int
	Name    string
	Source  string
	Target  string
	Binding string
	Hook    Hook
}

// JobRun is the durable record of one job's last-known state for a
// processing date. Rows are never deleted; a new processing date opens fresh
// PENDING rows and the old ones remain as audit history.
type JobRun struct {
	JobNumber        int
	ProcessingDate   time.Time
	Status           JobStatus
	AttemptID        string
	StartedAt        *time.Time
	ExecutedAt       *time.Time
	RecordsProcessed int64
	ErrorMessage     string
}

// JobRunStatus decorates a run with registry metadata and the gate decision
// for the UI, which renders server-reported state and never decides legality
// itself.
type JobRunStatus struct {
	JobRun
	JobName    string
	CanExecute bool
}

// StatusSnapshot is the full cycle state returned to the status endpoint.
type StatusSnapshot struct {
	SystemDate time.Time
	Jobs       []JobRunStatus
}

// ExecuteResult reports the outcome of one execution attempt. Success false
// with a message is a routine executor failure, not a transport error.
type ExecuteResult struct {
	Success          bool
	JobName          string
	RecordsProcessed int64
	Message          string
	SystemDate       time.Time
}

// ErrUnknownJob indicates a job number outside 1..9.
var ErrUnknownJob = errors.New("eod: unknown job number")

// ErrGateNotSatisfied is returned when a job is requested out of order. No
// state is mutated; the request is safe to repeat once the gate opens.
var ErrGateNotSatisfied = errors.New("eod: predecessor job not completed")

// ErrInvalidTransition indicates a status change the state machine forbids,
// such as re-running a COMPLETED job or starting one already RUNNING.
var ErrInvalidTransition = errors.New("eod: invalid job status transition")

// ErrAlreadyAdvanced is returned when the business date was already moved
// past the cycle being closed.
var ErrAlreadyAdvanced = errors.New("eod: business date already advanced")

// ErrNoExecutor indicates a registry binding with no executor wired in.
var ErrNoExecutor = errors.New("eod: no executor bound for job")
