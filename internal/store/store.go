// Package store holds the durable state of bisect jobs and exposes the
// atomic operations (create, claim, heartbeat, finish, release) that let
// fungible instances coordinate through a shared relational store instead
// of a message broker.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNotOwner is returned by Finish and Release when the calling
	// worker no longer owns the row (it was re-claimed elsewhere);
	// Heartbeat and UpdateProgress report the same case as false instead.
	ErrNotOwner = errors.New("worker does not own job")
	// ErrDuplicate is returned by Create when an identical delivery was
	// already recorded inside the dedup window; Create still returns the
	// id of the existing row alongside this error so callers can treat it
	// as success.
	ErrDuplicate = errors.New("duplicate delivery")
)

// MaxAttempts bounds how many times a job may be claimed before it is
// forced into failed by FailIfExhausted.
const MaxAttempts = 3

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is the central entity: one bisect request from one issue comment.
type Job struct {
	ID             int64
	Status         Status
	RepoOwner      string
	RepoName       string
	InstallationID int64
	IssueNumber    int
	Requester      string
	GoodSHA        string
	BadSHA         string
	TestCommand    string
	WorkerID       *string
	AttemptCount   int
	CreatedAt      time.Time
	StartedAt      *time.Time
	HeartbeatAt    *time.Time
	FinishedAt     *time.Time
	CulpritSHA     *string
	ErrorMessage   *string
	ProgressLog    string
}

// CreateSpec is the set of fields supplied by ingress when inserting a new
// pending job. DedupBucket is a coarse time bucket (e.g. unix time divided
// by the dedup window) folded into the uniqueness constraint so a replayed
// delivery within the window collapses onto the same row.
type CreateSpec struct {
	RepoOwner      string
	RepoName       string
	InstallationID int64
	IssueNumber    int
	Requester      string
	GoodSHA        string
	BadSHA         string
	TestCommand    string
	DedupBucket    int64
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status       Status
	CulpritSHA   *string
	ErrorMessage *string
}

func strp(s string) *string { return &s }

// OutcomeCompleted builds the terminal state for a successful bisection.
func OutcomeCompleted(culpritSHA string) Outcome {
	return Outcome{Status: StatusCompleted, CulpritSHA: strp(culpritSHA)}
}

// OutcomeFailed builds the terminal state for a job that could not complete.
func OutcomeFailed(reason string) Outcome {
	return Outcome{Status: StatusFailed, ErrorMessage: strp(reason)}
}

// OutcomeCancelled builds the terminal state for an operator-cancelled job.
func OutcomeCancelled() Outcome {
	return Outcome{Status: StatusCancelled}
}

// Stats aggregates job counts for the /stats read surface.
type Stats struct {
	Pending       int
	Running       int
	Completed     int
	Failed        int
	Cancelled     int
	OwnedByWorker int
}

// Store is the durable state backing the scheduler and webhook ingress.
// Both the SQLite and Postgres implementations satisfy this interface;
// callers depend only on it, never on a concrete backend.
type Store interface {
	// Create inserts a pending job, or returns the id of an existing row
	// (with ErrDuplicate) if an identical delivery already landed within
	// the dedup window.
	Create(ctx context.Context, spec CreateSpec) (id int64, err error)

	// Claim atomically selects up to limit rows eligible for this worker
	// (pending past the grace period, or running with a stale heartbeat),
	// marks them running and owned by workerID, and returns them in id
	// order. Exactly one caller wins any contested row. Claim always
	// increments attempt_count, even past MaxAttempts; the caller must
	// call FailIfExhausted on each returned job before starting work so a
	// row that has now used its last attempt is failed instead of run.
	Claim(ctx context.Context, workerID string, limit int, pendingGrace, heartbeatStale time.Duration) ([]*Job, error)

	// Heartbeat refreshes heartbeat_at for a running job still owned by
	// workerID. Returns false (no error) if ownership was lost.
	Heartbeat(ctx context.Context, id int64, workerID string) (bool, error)

	// UpdateProgress replaces progress_log with progressLog for a running
	// job still owned by workerID. Returns false if ownership was lost.
	UpdateProgress(ctx context.Context, id int64, workerID string, progressLog string) (bool, error)

	// Finish writes the terminal state, guarded by ownership. Returns
	// ErrNotOwner if the row is no longer running and owned by workerID.
	Finish(ctx context.Context, id int64, workerID string, outcome Outcome) error

	// Release reverts a running job to pending for graceful shutdown,
	// decrementing attempt_count so the handoff is not charged as an
	// attempt. Returns ErrNotOwner if ownership was lost.
	Release(ctx context.Context, id int64, workerID string) error

	// FailIfExhausted transitions a job to failed with reason "retry
	// limit exceeded" if its attempt_count exceeds MaxAttempts. Returns
	// whether the transition happened. The scheduler calls this on each
	// job Claim hands back whose attempt_count exceeds MaxAttempts, instead
	// of dispatching it, so a row that just used its last attempt is
	// failed instead of run.
	FailIfExhausted(ctx context.Context, id int64) (bool, error)

	// Get returns a single job by id.
	Get(ctx context.Context, id int64) (*Job, error)

	// Stats aggregates counts by status, plus jobs owned by workerID.
	Stats(ctx context.Context, workerID string) (Stats, error)

	// Ping checks that the store is reachable with a trivial query.
	Ping(ctx context.Context) error

	Close() error
}
