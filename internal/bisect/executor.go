package bisect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bobrenjc93/bisect/internal/forge"
	"github.com/bobrenjc93/bisect/internal/sandbox"
	"github.com/bobrenjc93/bisect/internal/store"
)

// CancelReason distinguishes why a job's context was cancelled, so the
// executor can tell a graceful handoff from a genuine failure once
// ctx.Done() fires. The scheduler, not the executor, owns cancellation:
// it derives the job's context and records the reason before cancelling.
type CancelReason string

const (
	CancelNone          CancelReason = ""
	CancelShutdown      CancelReason = "shutdown"
	CancelBudgetExpired CancelReason = "wall-clock timeout"
	CancelOwnershipLost CancelReason = "ownership lost"
)

// RunContext bundles a job's cancellable context with the reason it was
// cancelled. A nil Reason is treated as CancelShutdown.
type RunContext struct {
	context.Context
	Reason func() CancelReason
}

func (rc RunContext) reason() CancelReason {
	if rc.Reason == nil {
		return CancelShutdown
	}
	return rc.Reason()
}

const (
	defaultProgressMinInterval = 5 * time.Second
	defaultSkipRetryLimit      = 2
	defaultProbeTimeout        = 10 * time.Minute
)

// Executor drives one job's bisection from claim to terminal state.
type Executor struct {
	Store  store.Store
	Forge  forge.Forge
	Runner sandbox.Runner

	// WorkspaceRoot is the parent directory for per-job worktrees;
	// {WorkspaceRoot}/{job_id}/ is used exclusively by one executor.
	WorkspaceRoot string

	// ProgressMinInterval throttles how often the progress comment is
	// refreshed. Defaults to 5 seconds.
	ProgressMinInterval time.Duration

	// SkipRetryLimit bounds how many times a single commit is re-probed
	// after a skip verdict before the skip is accepted and handed to git.
	SkipRetryLimit int

	Log *slog.Logger
}

func (e *Executor) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Executor) progressInterval() time.Duration {
	if e.ProgressMinInterval > 0 {
		return e.ProgressMinInterval
	}
	return defaultProgressMinInterval
}

func (e *Executor) skipRetryLimit() int {
	if e.SkipRetryLimit > 0 {
		return e.SkipRetryLimit
	}
	return defaultSkipRetryLimit
}

// workerIDOf dereferences a claimed job's worker id. A job reaching the
// executor is always claimed, but an empty fallback keeps logging and
// store calls safe even if that invariant is ever violated.
func workerIDOf(job *store.Job) string {
	if job.WorkerID == nil {
		return ""
	}
	return *job.WorkerID
}

// Run executes job to completion or to the first checkpoint at which
// rc.Done() fires. It never returns an error for expected terminal
// conditions (those are recorded on the job row instead); a returned
// error means the job was left running for eventual re-claim, per the
// infrastructure-error propagation policy.
func (e *Executor) Run(rc RunContext, job *store.Job) error {
	workerID := workerIDOf(job)
	log := e.log().With("job_id", job.ID, "worker_id", workerID)

	workDir := filepath.Join(e.WorkspaceRoot, strconv.FormatInt(job.ID, 10))
	defer os.RemoveAll(workDir)

	token, _, err := e.Forge.MintInstallationToken(rc, job.InstallationID)
	if err != nil {
		log.Error("mint installation token failed", "error", err)
		return e.finishFailed(rc, job, "", 0, fmt.Sprintf("acquire installation token: %v", err))
	}

	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", job.RepoOwner, job.RepoName)
	authedURL, err := e.Forge.CloneURL(cloneURL, token)
	if err != nil {
		return e.finishFailed(rc, job, token, 0, fmt.Sprintf("build clone url: %v", err))
	}

	if err := Clone(rc, authedURL, workDir); err != nil {
		log.Error("clone failed", "error", err)
		return e.finishFailed(rc, job, token, 0, fmt.Sprintf("clone repository: %v", err))
	}
	defer func() { _ = Reset(context.Background(), workDir) }()

	commentID, err := e.Forge.CreateComment(rc, token, job.RepoOwner, job.RepoName, job.IssueNumber,
		fmt.Sprintf("Starting bisect between `%s` (good) and `%s` (bad): `%s`", job.GoodSHA, job.BadSHA, job.TestCommand))
	if err != nil {
		log.Warn("failed to post starting comment", "error", err)
	}

	if reason, ok := e.checkCancelled(rc); ok {
		return e.handleCancellation(rc, job, token, commentID, reason)
	}

	if err := e.verifyEndpoint(rc, job, workDir, job.BadSHA, sandbox.VerdictBad); err != nil {
		if reason, ok := e.checkCancelled(rc); ok {
			return e.handleCancellation(rc, job, token, commentID, reason)
		}
		return e.finishFailed(rc, job, token, commentID, "endpoints inconsistent")
	}
	if err := e.verifyEndpoint(rc, job, workDir, job.GoodSHA, sandbox.VerdictGood); err != nil {
		if reason, ok := e.checkCancelled(rc); ok {
			return e.handleCancellation(rc, job, token, commentID, reason)
		}
		return e.finishFailed(rc, job, token, commentID, "endpoints inconsistent")
	}

	step, err := Start(rc, workDir, job.BadSHA, job.GoodSHA)
	if err != nil {
		return e.finishFailedOnErr(rc, job, token, commentID, err)
	}

	progress := job.ProgressLog
	lastCommentUpdate := time.Time{}

	for !step.Done {
		if reason, ok := e.checkCancelled(rc); ok {
			return e.handleCancellation(rc, job, token, commentID, reason)
		}

		commit := step.Next
		if err := CheckoutCommit(rc, workDir, commit); err != nil {
			return e.finishFailed(rc, job, token, commentID, fmt.Sprintf("checkout %s: %v", commit, err))
		}

		result, verdict, err := e.probeWithRetry(rc, workDir, job.TestCommand)
		if reason, ok := e.checkCancelled(rc); ok {
			return e.handleCancellation(rc, job, token, commentID, reason)
		}
		if err != nil {
			log.Error("probe failed", "commit", commit, "error", err)
			return e.finishFailed(rc, job, token, commentID, err.Error())
		}
		progress += formatProgressLine(commit, verdict, result.Duration)

		if ok, err := e.Store.UpdateProgress(rc, job.ID, workerID, progress); err != nil {
			log.Warn("update progress failed", "error", err)
		} else if !ok {
			return e.handleCancellation(rc, job, token, commentID, CancelOwnershipLost)
		}

		if time.Since(lastCommentUpdate) >= e.progressInterval() {
			if commentID != 0 {
				_ = e.Forge.UpdateComment(rc, token, job.RepoOwner, job.RepoName, commentID, progress)
			}
			lastCommentUpdate = time.Now()
		}

		step, err = Mark(rc, workDir, string(verdict))
		if err != nil {
			return e.finishFailedOnErr(rc, job, token, commentID, err)
		}
	}

	info, err := Inspect(rc, workDir, step.Culprit)
	if err != nil {
		log.Warn("inspect culprit failed", "error", err)
		info = CommitInfo{SHA: step.Culprit}
	}

	final := fmt.Sprintf("Culprit found: `%s` by %s — %s", info.SHA, info.Author, info.Subject)
	if commentID != 0 {
		_ = e.Forge.UpdateComment(rc, token, job.RepoOwner, job.RepoName, commentID, final)
	} else {
		_, _ = e.Forge.CreateComment(rc, token, job.RepoOwner, job.RepoName, job.IssueNumber, final)
	}

	return e.Store.Finish(rc, job.ID, workerID, store.OutcomeCompleted(step.Culprit))
}

// verifyEndpoint checks out sha and confirms its verdict matches want:
// bad_sha must fail and good_sha must pass before a bisection starts.
func (e *Executor) verifyEndpoint(rc RunContext, job *store.Job, workDir, sha string, want sandbox.Verdict) error {
	if err := CheckoutCommit(rc, workDir, sha); err != nil {
		return err
	}
	result, err := e.Runner.Run(rc, workDir, job.TestCommand, sandbox.DefaultLimits(probeTimeout(rc)))
	if err != nil {
		return err
	}
	if result.Verdict != want {
		return fmt.Errorf("commit %s: want %s, got %s", sha, want, result.Verdict)
	}
	return nil
}

// probeWithRetry re-probes the same commit up to skipRetryLimit extra
// times if the first attempt comes back skip, filtering out a transient
// in-sandbox blip (timeout, cancellation) before accepting the verdict
// handed to git bisect. An error means the sandbox itself never produced
// a verdict at all (runtime missing, daemon unreachable); that is not
// retried, since the rest of the job would fail the same way.
func (e *Executor) probeWithRetry(rc RunContext, workDir, command string) (sandbox.Result, sandbox.Verdict, error) {
	var result sandbox.Result
	for attempt := 0; attempt <= e.skipRetryLimit(); attempt++ {
		r, err := e.Runner.Run(rc, workDir, command, sandbox.DefaultLimits(probeTimeout(rc)))
		if err != nil {
			return sandbox.Result{}, "", err
		}
		result = r
		if result.Verdict != sandbox.VerdictSkip {
			return result, result.Verdict, nil
		}
	}
	return result, sandbox.VerdictSkip, nil
}

func probeTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			return remaining
		}
		return time.Second
	}
	return defaultProbeTimeout
}

func formatProgressLine(commit string, verdict sandbox.Verdict, d time.Duration) string {
	return fmt.Sprintf("%s commit=%s verdict=%s duration=%s\n", time.Now().UTC().Format(time.RFC3339), commit, verdict, d.Round(time.Millisecond))
}

func (e *Executor) checkCancelled(rc RunContext) (CancelReason, bool) {
	select {
	case <-rc.Done():
		return rc.reason(), true
	default:
		return CancelNone, false
	}
}

// handleCancellation implements the two-cancellation-signal contract:
// shutdown releases the job for a cooperative handoff (not charged as an
// attempt); budget expiry fails it; ownership loss aborts silently since
// another instance already owns or will reclaim the row.
func (e *Executor) handleCancellation(rc RunContext, job *store.Job, token string, commentID int64, reason CancelReason) error {
	base := context.Background()
	switch reason {
	case CancelShutdown:
		return e.Store.Release(base, job.ID, workerIDOf(job))
	case CancelOwnershipLost:
		return nil
	default:
		return e.finishFailed(base, job, token, commentID, string(CancelBudgetExpired))
	}
}

func (e *Executor) finishFailedOnErr(rc RunContext, job *store.Job, token string, commentID int64, err error) error {
	if errors.Is(err, ErrUntestableRange) {
		return e.finishFailed(rc, job, token, commentID, "untestable range")
	}
	return e.finishFailed(rc, job, token, commentID, err.Error())
}

func (e *Executor) finishFailed(ctx context.Context, job *store.Job, token string, commentID int64, reason string) error {
	if token != "" {
		body := fmt.Sprintf("Bisect failed: %s", reason)
		if commentID != 0 {
			_ = e.Forge.UpdateComment(ctx, token, job.RepoOwner, job.RepoName, commentID, body)
		} else {
			_, _ = e.Forge.CreateComment(ctx, token, job.RepoOwner, job.RepoName, job.IssueNumber, body)
		}
	}
	return e.Store.Finish(ctx, job.ID, workerIDOf(job), store.OutcomeFailed(reason))
}
