package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestBareMetalRunnerGoodVerdict(t *testing.T) {
	r := &BareMetalRunner{}
	result, err := r.Run(context.Background(), t.TempDir(), "exit 0", DefaultLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictGood {
		t.Errorf("verdict = %q, want good", result.Verdict)
	}
}

func TestBareMetalRunnerBadVerdict(t *testing.T) {
	r := &BareMetalRunner{}
	result, err := r.Run(context.Background(), t.TempDir(), "exit 1", DefaultLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictBad {
		t.Errorf("verdict = %q, want bad", result.Verdict)
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestBareMetalRunnerSkipOnReservedExitCode(t *testing.T) {
	r := &BareMetalRunner{}
	result, err := r.Run(context.Background(), t.TempDir(), "exit 125", DefaultLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictSkip {
		t.Errorf("verdict = %q, want skip", result.Verdict)
	}
}

func TestBareMetalRunnerSkipOnTimeout(t *testing.T) {
	r := &BareMetalRunner{}
	start := time.Now()
	result, err := r.Run(context.Background(), t.TempDir(), "sleep 10", DefaultLimits(200*time.Millisecond))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictSkip {
		t.Errorf("verdict = %q, want skip", result.Verdict)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took too long to enforce: %v", elapsed)
	}
}

func TestBareMetalRunnerWorktreeIsWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	r := &BareMetalRunner{}
	result, err := r.Run(context.Background(), dir, "test -d "+dir, DefaultLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictGood {
		t.Errorf("verdict = %q, want good (worktree not set as cwd?)", result.Verdict)
	}
}

func TestBareMetalRunnerCancelledContext(t *testing.T) {
	r := &BareMetalRunner{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := r.Run(ctx, t.TempDir(), "sleep 10", DefaultLimits(5*time.Second))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Verdict != VerdictSkip {
		t.Errorf("verdict = %q, want skip on cancellation", result.Verdict)
	}
}

func TestBareMetalRunnerAvailable(t *testing.T) {
	r := &BareMetalRunner{}
	if err := r.Available(context.Background()); err != nil {
		t.Errorf("bare metal runner should always be available: %v", err)
	}
}
