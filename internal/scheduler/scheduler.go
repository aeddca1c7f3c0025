// Package scheduler is the pull side of job coordination: a ticking claim
// loop backed by the shared store, one goroutine per claimed job, and a
// heartbeat loop that keeps ownership alive for as long as a job runs.
// Every instance runs the same scheduler; there is no leader and no
// push-based assignment, since the store's atomic Claim is what arbitrates
// between fungible instances.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobrenjc93/bisect/internal/bisect"
	"github.com/bobrenjc93/bisect/internal/store"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultHeartbeatPeriod = 15 * time.Second
	defaultPendingGrace    = 30 * time.Second
	defaultHeartbeatStale  = 5 * time.Minute
	defaultConcurrency     = 4
	defaultJobBudget       = 30 * time.Minute
)

// Executor is the subset of bisect.Executor the scheduler depends on,
// narrowed to an interface so tests can swap in a fake without driving
// real git subprocesses.
type Executor interface {
	Run(rc bisect.RunContext, job *store.Job) error
}

// Scheduler claims jobs from Store and runs each one to completion through
// Executor, on every fungible instance that is running it.
type Scheduler struct {
	Store    store.Store
	Executor Executor
	Log      *slog.Logger

	// WorkerID identifies this instance's claims; if left empty, Run
	// derives one with NewWorkerID (hostname plus a random UUID; the pid
	// and start time are not part of it) so restarts never reuse one.
	WorkerID string

	PollInterval    time.Duration
	HeartbeatPeriod time.Duration
	PendingGrace    time.Duration
	HeartbeatStale  time.Duration
	Concurrency     int
	JobBudget       time.Duration

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// InFlight returns the ids of jobs this instance currently holds claimed.
func (s *Scheduler) InFlight() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// NewWorkerID derives a worker id that is unique per process lifetime:
// reusing one across a restart would let a new process's heartbeats be
// mistaken for the still-registered owner of a job the old process held.
// The hostname prefix keeps the id readable in logs; the UUID suffix is
// what actually guarantees no two instances (or two restarts of the same
// instance) ever collide.
func NewWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String())
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return defaultPollInterval
}

func (s *Scheduler) heartbeatPeriod() time.Duration {
	if s.HeartbeatPeriod > 0 {
		return s.HeartbeatPeriod
	}
	return defaultHeartbeatPeriod
}

func (s *Scheduler) pendingGrace() time.Duration {
	if s.PendingGrace > 0 {
		return s.PendingGrace
	}
	return defaultPendingGrace
}

func (s *Scheduler) heartbeatStale() time.Duration {
	if s.HeartbeatStale > 0 {
		return s.HeartbeatStale
	}
	return defaultHeartbeatStale
}

func (s *Scheduler) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultConcurrency
}

func (s *Scheduler) jobBudget() time.Duration {
	if s.JobBudget > 0 {
		return s.JobBudget
	}
	return defaultJobBudget
}

// Run claims and executes jobs until ctx is cancelled, then waits for every
// in-flight job to either finish or observe the shutdown signal and
// release its row before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.WorkerID == "" {
		s.WorkerID = NewWorkerID()
	}
	s.running = make(map[int64]context.CancelFunc)

	log := s.log().With("worker_id", s.WorkerID)
	log.Info("scheduler starting", "concurrency", s.concurrency(), "poll_interval", s.pollInterval())

	var group errgroup.Group
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	sem := make(chan struct{}, s.concurrency())

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler shutting down, waiting for in-flight jobs")
			return group.Wait()
		case <-ticker.C:
			s.claimAndDispatch(ctx, sem, &group, log)
		}
	}
}

// claimAndDispatch fills any idle concurrency slots with newly claimed
// jobs. It claims at most as many jobs as there are free slots, so a
// single instance never holds more in-flight work than it can run.
func (s *Scheduler) claimAndDispatch(shutdownCtx context.Context, sem chan struct{}, group *errgroup.Group, log *slog.Logger) {
	free := cap(sem) - len(sem)
	if free <= 0 {
		return
	}

	jobs, err := s.Store.Claim(shutdownCtx, s.WorkerID, free, s.pendingGrace(), s.heartbeatStale())
	if err != nil {
		log.Error("claim failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	log.Info("claimed jobs", "count", len(jobs))

	for _, job := range jobs {
		job := job

		// Claim increments attempt_count unconditionally; a job that has
		// now used its last attempt is failed here instead of dispatched,
		// so a perpetually-crashing job terminates rather than being
		// reclaimed forever.
		if job.AttemptCount > store.MaxAttempts {
			if _, err := s.Store.FailIfExhausted(shutdownCtx, job.ID); err != nil {
				log.Error("fail exhausted job failed", "job_id", job.ID, "error", err)
			} else {
				log.Warn("job exceeded retry limit, failed instead of dispatched",
					"job_id", job.ID, "attempt_count", job.AttemptCount)
			}
			continue
		}

		sem <- struct{}{}
		jobCtx, cancel := context.WithTimeout(shutdownCtx, s.jobBudget())
		s.mu.Lock()
		s.running[job.ID] = cancel
		s.mu.Unlock()

		group.Go(func() error {
			defer func() {
				cancel()
				s.mu.Lock()
				delete(s.running, job.ID)
				s.mu.Unlock()
				<-sem
			}()
			s.runJob(shutdownCtx, jobCtx, job, log)
			return nil
		})
	}
}

// runJob drives one claimed job: a heartbeat goroutine keeps ownership
// alive while Executor.Run blocks, and the job's own timeout context
// distinguishes a wall-clock budget expiry from an operator shutdown so
// the executor can tell the two apart when it observes cancellation.
func (s *Scheduler) runJob(shutdownCtx, jobCtx context.Context, job *store.Job, log *slog.Logger) {
	runCtx, abort := context.WithCancel(jobCtx)
	defer abort()
	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()

	var ownershipLost atomic.Bool
	go func() {
		s.heartbeatLoop(heartbeatCtx, job.ID, &ownershipLost, log)
		if ownershipLost.Load() {
			abort()
		}
	}()

	reason := func() bisect.CancelReason {
		if shutdownCtx.Err() != nil {
			return bisect.CancelShutdown
		}
		if ownershipLost.Load() {
			return bisect.CancelOwnershipLost
		}
		return bisect.CancelBudgetExpired
	}

	rc := bisect.RunContext{Context: runCtx, Reason: reason}
	if err := s.Executor.Run(rc, job); err != nil {
		log.Error("job execution returned an infrastructure error, leaving row for re-claim",
			"job_id", job.ID, "error", err)
	}
}

// heartbeatLoop refreshes the job's heartbeat on a fixed period until ctx
// is done. If the store reports ownership was lost (the row was reclaimed
// by another instance after a missed heartbeat), it flags lost so the
// executor's next cancellation check reports CancelOwnershipLost instead
// of treating the row as still ours.
func (s *Scheduler) heartbeatLoop(ctx context.Context, jobID int64, lost *atomic.Bool, log *slog.Logger) {
	ticker := time.NewTicker(s.heartbeatPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.Store.Heartbeat(ctx, jobID, s.WorkerID)
			if err != nil {
				log.Warn("heartbeat failed", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				lost.Store(true)
				return
			}
		}
	}
}
