package bisect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeAndCommit is a driver_test-local helper distinct from newRepo in
// git_test.go: it lets each commit set an arbitrary flag file content so
// tests can simulate a bisectable regression.
func writeAndCommit(t *testing.T, dir, content string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "flag.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "flag.txt")
	runGit(t, dir, "commit", "-q", "-m", "set flag to "+content)
	return trimmedRevParse(t, dir)
}

func trimmedRevParse(t *testing.T, dir string) string {
	t.Helper()
	out := runGit(t, dir, "rev-parse", "HEAD")
	return string([]byte(out)[:len(out)-1])
}

func TestBisectDriverFindsCulprit(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")

	var shas []string
	// good, good, BAD (culprit), bad, bad
	shas = append(shas, writeAndCommit(t, dir, "good-0"))
	shas = append(shas, writeAndCommit(t, dir, "good-1"))
	culprit := writeAndCommit(t, dir, "bad-2")
	shas = append(shas, culprit)
	shas = append(shas, writeAndCommit(t, dir, "bad-3"))
	shas = append(shas, writeAndCommit(t, dir, "bad-4"))

	ctx := context.Background()
	goodSHA := shas[1]
	badSHA := shas[len(shas)-1]

	step, err := Start(ctx, dir, badSHA, goodSHA)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer Reset(ctx, dir)

	verdictFor := func(content string) string {
		if content[:len("good")] == "good" {
			return "good"
		}
		return "bad"
	}

	for !step.Done {
		if err := CheckoutCommit(ctx, dir, step.Next); err != nil {
			t.Fatalf("checkout %s failed: %v", step.Next, err)
		}
		content, err := os.ReadFile(filepath.Join(dir, "flag.txt"))
		if err != nil {
			t.Fatalf("read flag.txt: %v", err)
		}
		verdict := verdictFor(string(content))
		step, err = Mark(ctx, dir, verdict)
		if err != nil {
			t.Fatalf("Mark failed: %v", err)
		}
	}

	if step.Culprit != culprit {
		t.Errorf("culprit = %s, want %s", step.Culprit, culprit)
	}
}

func TestBisectDriverUntestableRange(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")

	var shas []string
	for i := 0; i < 4; i++ {
		shas = append(shas, writeAndCommit(t, dir, "v"+string(rune('0'+i))))
	}

	ctx := context.Background()
	step, err := Start(ctx, dir, shas[len(shas)-1], shas[0])
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer Reset(ctx, dir)

	for !step.Done {
		if err := CheckoutCommit(ctx, dir, step.Next); err != nil {
			t.Fatalf("checkout %s failed: %v", step.Next, err)
		}
		step, err = Mark(ctx, dir, "skip")
		if err != nil {
			if errors.Is(err, ErrUntestableRange) {
				return
			}
			t.Fatalf("Mark failed: %v", err)
		}
	}
	t.Fatal("expected ErrUntestableRange, bisection reported a culprit instead")
}
