// Package sandbox isolates the execution of an untrusted test command on
// one worktree, returning a tri-valued verdict. The executor depends on
// it through a single operation; container, bare-metal, and in-process
// test backends are interchangeable variants of the same contract.
package sandbox

import (
	"context"
	"time"
)

// Verdict classifies the outcome of one probe.
type Verdict string

const (
	VerdictGood Verdict = "good"
	VerdictBad  Verdict = "bad"
	VerdictSkip Verdict = "skip"
)

// SkipExitCode is the reserved exit status a test command can use to mean
// "this commit cannot be tested" rather than pass/fail.
const SkipExitCode = 125

// Result is what a probe reports back to the bisect executor.
type Result struct {
	Verdict  Verdict
	ExitCode int
	Reason   string // set for Skip (timeout, OOM, cancellation) and for diagnostics
	Duration time.Duration
}

// Limits are the fixed resource constraints applied to every probe.
type Limits struct {
	CPUs         float64       // 1
	MemoryBytes  int64         // 2 GiB
	PIDs         int           // 256
	Timeout      time.Duration // derived from remaining job budget
	NonRootUID   int           // fixed non-root uid inside the sandbox
	ScratchPath  string        // writable path inside an otherwise read-only root
}

// DefaultLimits returns the fixed resource ceiling every probe runs
// under; only Timeout varies, derived from the job's remaining
// wall-clock budget.
func DefaultLimits(timeout time.Duration) Limits {
	return Limits{
		CPUs:        1,
		MemoryBytes: 2 << 30,
		PIDs:        256,
		Timeout:     timeout,
		NonRootUID:  65532,
		ScratchPath: "/scratch",
	}
}

// Runner executes one test command against one worktree under Limits and
// reports a verdict. Implementations must release every resource they
// acquire on every exit path, including a crash of the calling process —
// a container runner does this by always issuing `docker run --rm`
// against a freshly created container, never reusing one across probes.
type Runner interface {
	Run(ctx context.Context, worktree, command string, limits Limits) (Result, error)

	// Available reports whether the backend's runtime is reachable (the
	// docker daemon responds, or bare-metal's interpreter exists). Used
	// by the /health read surface and by backend selection at startup.
	Available(ctx context.Context) error
}
