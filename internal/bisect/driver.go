package bisect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// ErrUntestableRange is returned when git itself reports that every
// remaining candidate has been skipped and no further narrowing is
// possible.
var ErrUntestableRange = errors.New("untestable range: only skipped commits remain")

// Step is the outcome of starting or advancing a bisection.
type Step struct {
	// Next is the commit to check out and probe next. Empty when Done.
	Next string
	// Done is true once git has identified a single culprit.
	Done bool
	// Culprit is set when Done is true.
	Culprit string
}

var (
	nextCommitRE = regexp.MustCompile(`(?m)^\[([0-9a-f]{40})\]`)
	culpritRE    = regexp.MustCompile(`(?m)^([0-9a-f]{40}) is the first bad commit`)
	onlySkipsRE  = regexp.MustCompile(`only 'skip'ped commits left|cannot bisect more`)
)

// Start begins a bisection between badSHA (known broken) and goodSHA
// (known working) and returns the first candidate to test.
func Start(ctx context.Context, dir, badSHA, goodSHA string) (Step, error) {
	out, err := runBisect(ctx, dir, "start", badSHA, goodSHA)
	if err != nil {
		return Step{}, err
	}
	return parseStep(out)
}

// Mark reports the verdict for the current commit and returns the next
// step, which may already be Done.
func Mark(ctx context.Context, dir string, verdict string) (Step, error) {
	out, err := runBisect(ctx, dir, verdict)
	if err != nil {
		return Step{}, err
	}
	return parseStep(out)
}

// Reset ends the bisection and restores the original HEAD. Safe to call
// even if no bisection is in progress.
func Reset(ctx context.Context, dir string) error {
	_, err := runBisect(ctx, dir, "reset")
	return err
}

func runBisect(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"bisect"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := redact(out)
	if err != nil {
		if onlySkipsRE.MatchString(text) {
			return "", ErrUntestableRange
		}
		return "", fmt.Errorf("git bisect %s failed: %w\n%s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

func parseStep(out string) (Step, error) {
	if onlySkipsRE.MatchString(out) {
		return Step{}, ErrUntestableRange
	}
	if m := culpritRE.FindStringSubmatch(out); m != nil {
		return Step{Done: true, Culprit: m[1]}, nil
	}
	if m := nextCommitRE.FindStringSubmatch(out); m != nil {
		return Step{Next: m[1]}, nil
	}
	return Step{}, fmt.Errorf("could not parse git bisect output:\n%s", out)
}
