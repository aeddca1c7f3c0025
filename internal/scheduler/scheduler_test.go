package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobrenjc93/bisect/internal/bisect"
	"github.com/bobrenjc93/bisect/internal/store"
)

// fakeStore serves a fixed set of pending jobs exactly once each, then
// reports empty, mirroring a real store's Claim once a batch is consumed.
type fakeStore struct {
	mu        sync.Mutex
	pending   []*store.Job
	claimed   map[int64]string
	finished  map[int64]store.Outcome
	released  map[int64]bool
	exhausted []int64
}

func newFakeStore(jobs ...*store.Job) *fakeStore {
	return &fakeStore{
		pending:  jobs,
		claimed:  make(map[int64]string),
		finished: make(map[int64]store.Outcome),
		released: make(map[int64]bool),
	}
}

func (f *fakeStore) Create(ctx context.Context, spec store.CreateSpec) (int64, error) {
	panic("not used")
}

func (f *fakeStore) Claim(ctx context.Context, workerID string, limit int, pendingGrace, heartbeatStale time.Duration) ([]*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	claimed := f.pending[:limit]
	f.pending = f.pending[limit:]
	for _, j := range claimed {
		f.claimed[j.ID] = workerID
	}
	return claimed, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id int64, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[id] == workerID, nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, id int64, workerID string, progressLog string) (bool, error) {
	return true, nil
}

func (f *fakeStore) Finish(ctx context.Context, id int64, workerID string, outcome store.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = outcome
	return nil
}

func (f *fakeStore) Release(ctx context.Context, id int64, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[id] = true
	return nil
}

func (f *fakeStore) FailIfExhausted(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = append(f.exhausted, id)
	return true, nil
}
func (f *fakeStore) Get(ctx context.Context, id int64) (*store.Job, error)       { return nil, nil }
func (f *fakeStore) Stats(ctx context.Context, workerID string) (store.Stats, error) {
	return store.Stats{}, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

// fakeExecutor records which jobs it was asked to run and hands each one
// to pre, if set. It holds no store of its own, so any store effect of a
// run comes from pre.
type fakeExecutor struct {
	mu   sync.Mutex
	ran  []int64
	pre  func(rc bisect.RunContext, job *store.Job) error
	fail bool
}

func (e *fakeExecutor) Run(rc bisect.RunContext, job *store.Job) error {
	e.mu.Lock()
	e.ran = append(e.ran, job.ID)
	e.mu.Unlock()
	if e.pre != nil {
		return e.pre(rc, job)
	}
	return nil
}

func TestSchedulerClaimsAndRunsJobs(t *testing.T) {
	jobs := []*store.Job{{ID: 1}, {ID: 2}, {ID: 3}}
	st := newFakeStore(jobs...)
	exec := &fakeExecutor{}

	sched := &Scheduler{
		Store:           st,
		Executor:        exec,
		WorkerID:        "worker-a",
		PollInterval:    10 * time.Millisecond,
		HeartbeatPeriod: 5 * time.Millisecond,
		Concurrency:     2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.ran) != 3 {
		t.Fatalf("ran = %v, want all 3 jobs run", exec.ran)
	}
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	var jobs []*store.Job
	for i := int64(1); i <= 6; i++ {
		jobs = append(jobs, &store.Job{ID: i})
	}
	st := newFakeStore(jobs...)

	var mu sync.Mutex
	var maxConcurrent, current int
	exec := &fakeExecutor{pre: func(rc bisect.RunContext, job *store.Job) error {
		mu.Lock()
		current++
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}}

	sched := &Scheduler{
		Store:        st,
		Executor:     exec,
		WorkerID:     "worker-a",
		PollInterval: 5 * time.Millisecond,
		Concurrency:  2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 2 {
		t.Errorf("maxConcurrent = %d, want <= 2", maxConcurrent)
	}
}

func TestSchedulerFailsExhaustedJobInsteadOfRunning(t *testing.T) {
	st := newFakeStore(
		&store.Job{ID: 1, AttemptCount: store.MaxAttempts + 1},
		&store.Job{ID: 2, AttemptCount: 1},
	)
	exec := &fakeExecutor{}

	sched := &Scheduler{
		Store:        st,
		Executor:     exec,
		WorkerID:     "worker-a",
		PollInterval: 5 * time.Millisecond,
		Concurrency:  2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	exec.mu.Lock()
	ran := append([]int64(nil), exec.ran...)
	exec.mu.Unlock()
	if len(ran) != 1 || ran[0] != 2 {
		t.Fatalf("ran = %v, want only job 2 dispatched", ran)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.exhausted) != 1 || st.exhausted[0] != 1 {
		t.Fatalf("exhausted = %v, want [1]", st.exhausted)
	}
}

func TestSchedulerReleasesOnShutdown(t *testing.T) {
	st := newFakeStore(&store.Job{ID: 42})
	started := make(chan struct{})
	exec := &fakeExecutor{pre: func(rc bisect.RunContext, job *store.Job) error {
		close(started)
		<-rc.Done()
		if rc.Reason() != bisect.CancelShutdown {
			t.Errorf("reason = %v, want CancelShutdown", rc.Reason())
		}
		return nil
	}}

	sched := &Scheduler{
		Store:        st,
		Executor:     exec,
		WorkerID:     "worker-a",
		PollInterval: 5 * time.Millisecond,
		Concurrency:  1,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not shut down")
	}
}
