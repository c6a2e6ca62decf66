package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskd/internal/executor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/retry"
)

var fastRetry = retry.Policy{Base: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newController(t *testing.T, workers int, exec task.ExecutorFunc, opts ...Option) *Controller {
	t.Helper()
	reg := executor.NewRegistry()
	if err := reg.Register(task.KindCustom, exec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c, err := New(Config{Engine: engine.Config{Workers: workers}, Retry: fastRetry}, reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func ok(context.Context, task.Descriptor) (json.RawMessage, error) {
	return json.RawMessage(`"ok"`), nil
}

func mustSubmit(t *testing.T, c *Controller, d task.Descriptor) string {
	t.Helper()
	id, err := c.Submit(d)
	if err != nil {
		t.Fatalf("Submit(%s): %v", d.Name, err)
	}
	return id
}

func mustWait(t *testing.T, c *Controller, id string) task.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := c.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return rec
}

func status(t *testing.T, c *Controller, id string) task.Status {
	t.Helper()
	rec, err := c.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec.Status
}

// recorder is an executor that logs the order of calls by task name.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) exec(_ context.Context, d task.Descriptor) (json.RawMessage, error) {
	r.mu.Lock()
	r.names = append(r.names, d.Name)
	r.mu.Unlock()
	return nil, nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestSubmitWithoutDependenciesIsReady(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	id := mustSubmit(t, c, task.Descriptor{Name: "solo"})
	if got := status(t, c, id); got != task.StatusReady {
		t.Fatalf("status = %s, want ready", got)
	}
	if st := c.Stats(); st.Ready != 1 || st.Total != 1 || st.Counters.Submitted != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	mustSubmit(t, c, task.Descriptor{Name: "a", Dependencies: []string{"b"}})

	tests := []struct {
		name  string
		d     task.Descriptor
		cause error
	}{
		{name: "missing name", d: task.Descriptor{}},
		{name: "unknown kind", d: task.Descriptor{Name: "x", Kind: task.KindHTTP}},
		{name: "self dependency", d: task.Descriptor{Name: "x", Dependencies: []string{"x"}}, cause: task.ErrCycle},
		{name: "two node cycle", d: task.Descriptor{Name: "b", Dependencies: []string{"a"}}, cause: task.ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(tt.d)
			if !errors.Is(err, task.ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Fatalf("err = %v, want %v", err, tt.cause)
			}
		})
	}
	if got := c.Stats().Total; got != 1 {
		t.Fatalf("rejected submissions created records: total = %d", got)
	}
}

func TestUnsatisfiedDependencyStaysPending(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newController(t, 2, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})
	id := mustSubmit(t, c, task.Descriptor{Name: "waiting", Dependencies: []string{"never-submitted"}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := status(t, c, id); got != task.StatusPending {
		t.Fatalf("status = %s, want pending", got)
	}
	if calls.Load() != 0 {
		t.Fatal("pending task was dispatched")
	}
	if st := c.Stats(); st.Pending != 1 || st.Stalled != 1 {
		t.Fatalf("stats = %+v, want 1 pending and stalled", st)
	}
}

func TestFailedDependencyStalls(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, func(_ context.Context, d task.Descriptor) (json.RawMessage, error) {
		return nil, task.Fatal(errors.New("boom"))
	})
	a := mustSubmit(t, c, task.Descriptor{Name: "a"})
	b := mustSubmit(t, c, task.Descriptor{Name: "b", Dependencies: []string{"a"}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec := mustWait(t, c, a); rec.Status != task.StatusFailed {
		t.Fatalf("a = %s, want failed", rec.Status)
	}
	if got := status(t, c, b); got != task.StatusPending {
		t.Fatalf("b = %s, want pending", got)
	}
	if st := c.Stats(); st.Stalled != 1 {
		t.Fatalf("stalled = %d, want 1", st.Stalled)
	}
}

func TestRetryThenComplete(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newController(t, 1, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"done":true}`), nil
	})
	id := mustSubmit(t, c, task.Descriptor{Name: "flaky", MaxAttempts: 3})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := mustWait(t, c, id)
	if rec.Status != task.StatusCompleted || rec.Attempts != 3 || rec.Attempts > rec.Descriptor.MaxAttempts {
		t.Fatalf("record = %+v", rec)
	}
	if string(rec.Result) != `{"done":true}` || rec.LastError != "" {
		t.Fatalf("result = %s, last error = %q", rec.Result, rec.LastError)
	}
	if got := c.Stats().Counters; got.Retries != 2 || got.Completed != 1 {
		t.Fatalf("counters = %+v", got)
	}
}

func TestFailAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newController(t, 1, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("always")
	})
	id := mustSubmit(t, c, task.Descriptor{Name: "doomed", MaxAttempts: 2})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := mustWait(t, c, id)
	if rec.Status != task.StatusFailed || rec.Attempts != 2 || rec.LastError != "always" {
		t.Fatalf("record = %+v", rec)
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("executor called %d times, want 2", got)
	}
}

func TestFatalErrorSkipsRetry(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		return nil, task.Fatal(errors.New("bad input"))
	})
	id := mustSubmit(t, c, task.Descriptor{Name: "fatal", MaxAttempts: 5})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec := mustWait(t, c, id); rec.Status != task.StatusFailed || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestFIFOWithinTier(t *testing.T) {
	t.Parallel()
	var r recorder
	c := newController(t, 1, r.exec)
	names := []string{"t1", "t2", "t3", "t4", "t5"}
	var last string
	for _, n := range names {
		last = mustSubmit(t, c, task.Descriptor{Name: n})
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustWait(t, c, last)
	if diff := cmp.Diff(names, r.order()); diff != "" {
		t.Fatalf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestHigherTierDispatchesFirst(t *testing.T) {
	t.Parallel()
	var r recorder
	c := newController(t, 1, r.exec)
	mustSubmit(t, c, task.Descriptor{Name: "normal", Priority: task.TierNormal})
	low := mustSubmit(t, c, task.Descriptor{Name: "low", Priority: task.TierLow})
	mustSubmit(t, c, task.Descriptor{Name: "critical", Priority: task.TierCritical})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustWait(t, c, low)
	if diff := cmp.Diff([]string{"critical", "normal", "low"}, r.order()); diff != "" {
		t.Fatalf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestCancelPendingNeverDispatched(t *testing.T) {
	t.Parallel()
	var r recorder
	c := newController(t, 1, r.exec)
	id := mustSubmit(t, c, task.Descriptor{Name: "blocked", Dependencies: []string{"gate"}})
	gate := mustSubmit(t, c, task.Descriptor{Name: "gate-opener"})

	cancelled, err := c.Cancel(id)
	if err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	if got := status(t, c, id); got != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	if again, err := c.Cancel(id); again || err != nil {
		t.Fatalf("second Cancel = %v, %v; want false, nil", again, err)
	}
	if _, err := c.Cancel("tsk-missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Cancel(unknown) = %v, want ErrNotFound", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustWait(t, c, gate)
	if diff := cmp.Diff([]string{"gate-opener"}, r.order()); diff != "" {
		t.Fatalf("dispatched (-want +got):\n%s", diff)
	}
	if got := c.Stats().Counters.Cancelled; got != 1 {
		t.Fatalf("cancelled counter = %d", got)
	}
}

func TestCancelReadySkippedAtClaim(t *testing.T) {
	t.Parallel()
	var r recorder
	c := newController(t, 1, r.exec)
	id := mustSubmit(t, c, task.Descriptor{Name: "ready"})
	after := mustSubmit(t, c, task.Descriptor{Name: "after"})
	if _, err := c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustWait(t, c, after)
	if diff := cmp.Diff([]string{"after"}, r.order()); diff != "" {
		t.Fatalf("dispatched (-want +got):\n%s", diff)
	}
}

func TestCancelRunningDiscardsResult(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	c := newController(t, 1, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`"late"`), nil
	})
	id := mustSubmit(t, c, task.Descriptor{Name: "slow"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	if cancelled, err := c.Cancel(id); !cancelled || err != nil {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec, _ := c.Get(id)
	if rec.Status != task.StatusCancelled || rec.Result != nil {
		t.Fatalf("record = %+v, want cancelled without result", rec)
	}
	if got := c.Stats().Counters.Completed; got != 0 {
		t.Fatalf("completed counter = %d, want 0", got)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	c := newController(t, 2, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	})
	ids := make([]string, 0, 5)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, mustSubmit(t, c, task.Descriptor{Name: n}))
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range ids {
		if rec := mustWait(t, c, id); rec.Status != task.StatusCompleted {
			t.Fatalf("%s = %s", rec.Descriptor.Name, rec.Status)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestDependencyChain(t *testing.T) {
	t.Parallel()
	c := newController(t, 2, ok)
	a := mustSubmit(t, c, task.Descriptor{Name: "A", Priority: task.TierCritical})
	b := mustSubmit(t, c, task.Descriptor{Name: "B", Priority: task.TierNormal, Dependencies: []string{"A"}})
	if got := status(t, c, a); got != task.StatusReady {
		t.Fatalf("A = %s, want ready", got)
	}
	if got := status(t, c, b); got != task.StatusPending {
		t.Fatalf("B = %s, want pending", got)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	recB := mustWait(t, c, b)
	recA, _ := c.Get(a)
	if recA.Status != task.StatusCompleted || recB.Status != task.StatusCompleted {
		t.Fatalf("A = %s, B = %s", recA.Status, recB.Status)
	}
	if recB.StartedAt.Before(recA.CompletedAt) {
		t.Fatalf("B started %v before A completed %v", recB.StartedAt, recA.CompletedAt)
	}
}

func TestDependencyByID(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	a := mustSubmit(t, c, task.Descriptor{Name: "first"})
	b := mustSubmit(t, c, task.Descriptor{Name: "second", Dependencies: []string{a}})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec := mustWait(t, c, b); rec.Status != task.StatusCompleted {
		t.Fatalf("second = %s", rec.Status)
	}
}

func TestSnapshotReloadRoundTrip(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	c1 := newController(t, 2, ok, WithStore(store))
	var done []string
	for _, n := range []string{"one", "two"} {
		done = append(done, mustSubmit(t, c1, task.Descriptor{Name: n, Params: json.RawMessage(`{"n":1}`)}))
	}
	for _, n := range []string{"three", "four", "five"} {
		mustSubmit(t, c1, task.Descriptor{Name: n, Dependencies: []string{"gate"}, Priority: task.TierHigh})
	}
	if err := c1.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range done {
		mustWait(t, c1, id)
	}
	if err := c1.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if store.Saves() == 0 {
		t.Fatal("Stop did not write a snapshot")
	}

	c2 := newController(t, 2, ok, WithStore(store))
	if diff := cmp.Diff(c1.List(), c2.List()); diff != "" {
		t.Fatalf("reloaded records (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(c1.Stats().Counters, c2.Stats().Counters); diff != "" {
		t.Fatalf("reloaded counters (-want +got):\n%s", diff)
	}
	st := c2.Stats()
	if st.Completed != 2 || st.Pending != 3 {
		t.Fatalf("reloaded stats = %+v", st)
	}

	// Completed names re-seed the resolver.
	id := mustSubmit(t, c2, task.Descriptor{Name: "six", Dependencies: []string{"one"}})
	if got := status(t, c2, id); got != task.StatusReady {
		t.Fatalf("six = %s, want ready", got)
	}
}

func TestRestoreResumesInterruptedTasks(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := &storage.Snapshot{
		Version: storage.SnapshotVersion,
		SavedAt: now,
		Tasks: []task.Record{
			{ID: "tsk-run", Descriptor: task.Descriptor{Name: "was-running", Priority: task.TierNormal, MaxAttempts: 3}, Status: task.StatusRunning, Attempts: 1, CreatedAt: now, StartedAt: now},
			{ID: "tsk-retry", Descriptor: task.Descriptor{Name: "was-retrying", Priority: task.TierNormal, MaxAttempts: 3}, Status: task.StatusRetrying, Attempts: 1, CreatedAt: now, LastError: "x"},
			{ID: "tsk-done", Descriptor: task.Descriptor{Name: "was-done", Priority: task.TierNormal, MaxAttempts: 3}, Status: task.StatusCompleted, Attempts: 1, CreatedAt: now, CompletedAt: now},
			{ID: "tsk-pend", Descriptor: task.Descriptor{Name: "was-pending", Priority: task.TierNormal, MaxAttempts: 3, Dependencies: []string{"was-done"}}, Status: task.StatusPending, CreatedAt: now},
		},
		Counters: task.Counters{Submitted: 4, Completed: 1, Retries: 1},
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := newController(t, 2, ok, WithStore(store))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for id, attempts := range map[string]int{"tsk-run": 2, "tsk-retry": 2, "tsk-pend": 1} {
		rec := mustWait(t, c, id)
		if rec.Status != task.StatusCompleted || rec.Attempts != attempts {
			t.Fatalf("%s = %s after %d attempts, want completed after %d", id, rec.Status, rec.Attempts, attempts)
		}
	}
	if got := c.Stats().Counters.Completed; got != 4 {
		t.Fatalf("completed counter = %d, want 4", got)
	}
}

func TestSubmitBeforeStartAndRestart(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	id := mustSubmit(t, c, task.Descriptor{Name: "queued-while-stopped"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec := mustWait(t, c, id); rec.Status != task.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Load()) * time.Hour) }
	c := newController(t, 1, ok, WithClock(clock))

	old := mustSubmit(t, c, task.Descriptor{Name: "old"})
	if _, err := c.Cancel(old); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	tick.Store(5)
	recent := mustSubmit(t, c, task.Descriptor{Name: "recent"})
	if _, err := c.Cancel(recent); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	live := mustSubmit(t, c, task.Descriptor{Name: "live", Dependencies: []string{"nothing"}})

	if n := c.Prune(base.Add(time.Hour)); n != 1 {
		t.Fatalf("Prune removed %d, want 1", n)
	}
	if _, err := c.Get(old); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Get(pruned) = %v, want ErrNotFound", err)
	}
	var ids []string
	for _, r := range c.List() {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{recent, live}, ids); diff != "" {
		t.Fatalf("remaining (-want +got):\n%s", diff)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	ready := mustSubmit(t, c, task.Descriptor{Name: "r"})
	pending := mustSubmit(t, c, task.Descriptor{Name: "p", Dependencies: []string{"r"}})

	if got := c.List(); len(got) != 2 {
		t.Fatalf("List() returned %d records", len(got))
	}
	got := c.List(task.StatusPending)
	if len(got) != 1 || got[0].ID != pending {
		t.Fatalf("List(pending) = %+v", got)
	}
	got = c.List(task.StatusReady, task.StatusCompleted)
	if len(got) != 1 || got[0].ID != ready {
		t.Fatalf("List(ready, completed) = %+v", got)
	}

	// Returned records are copies.
	got[0].Descriptor.Name = "mutated"
	if rec, _ := c.Get(ready); rec.Descriptor.Name != "r" {
		t.Fatal("List leaked internal state")
	}
}

func TestCheckpointWithoutStore(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	if err := c.Checkpoint(context.Background()); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("Checkpoint = %v, want ErrDisabled", err)
	}
}

func TestCheckpointClearsDirty(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	c := newController(t, 1, ok, WithStore(store))
	mustSubmit(t, c, task.Descriptor{Name: "x"})
	if !c.Dirty() {
		t.Fatal("submit did not mark the table dirty")
	}
	if err := c.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if c.Dirty() {
		t.Fatal("table still dirty after checkpoint")
	}
}

func TestSubmitIgnoresCompletedDependenciesInCycleCheck(t *testing.T) {
	t.Parallel()
	c := newController(t, 1, ok)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustWait(t, c, mustSubmit(t, c, task.Descriptor{Name: "sync"}))
	mustWait(t, c, mustSubmit(t, c, task.Descriptor{Name: "x"}))
	blocked := mustSubmit(t, c, task.Descriptor{Name: "y", Dependencies: []string{"x", "gate"}})

	tests := []struct {
		name string
		d    task.Descriptor
	}{
		{name: "self dependency already completed", d: task.Descriptor{Name: "sync", Dependencies: []string{"sync"}}},
		{name: "back edge to completed name", d: task.Descriptor{Name: "x", Dependencies: []string{"y"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Submit(tt.d); err != nil {
				t.Fatalf("Submit(%s) = %v, want accepted", tt.d.Name, err)
			}
		})
	}
	if got := status(t, c, blocked); got != task.StatusPending {
		t.Fatalf("y = %s, want pending", got)
	}
	if _, err := c.Submit(task.Descriptor{Name: "gate", Dependencies: []string{"y"}}); !errors.Is(err, task.ErrCycle) {
		t.Fatalf("open cycle through y = %v, want ErrCycle", err)
	}
}

func TestRestoreFailsInterruptedTaskOutOfAttempts(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	snap := &storage.Snapshot{
		Version: storage.SnapshotVersion,
		SavedAt: now,
		Tasks: []task.Record{
			{ID: "tsk-last", Descriptor: task.Descriptor{Name: "last-try", Priority: task.TierNormal, MaxAttempts: 2}, Status: task.StatusRunning, Attempts: 2, CreatedAt: now, StartedAt: now},
			{ID: "tsk-after", Descriptor: task.Descriptor{Name: "after", Priority: task.TierNormal, MaxAttempts: 2, Dependencies: []string{"last-try"}}, Status: task.StatusPending, CreatedAt: now},
		},
		Counters: task.Counters{Submitted: 2, Retries: 1},
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var calls atomic.Int32
	c := newController(t, 1, func(context.Context, task.Descriptor) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}, WithStore(store))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := mustWait(t, c, "tsk-last")
	if rec.Status != task.StatusFailed || rec.Attempts != 2 || rec.LastError != errInterrupted.Error() {
		t.Fatalf("tsk-last = %s after %d attempts (%q), want failed after 2", rec.Status, rec.Attempts, rec.LastError)
	}
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("executor called %d times, want 0", n)
	}
	if got := status(t, c, "tsk-after"); got != task.StatusPending {
		t.Fatalf("dependent = %s, want pending", got)
	}
	if got := c.Stats().Counters.Failed; got != 1 {
		t.Fatalf("failed counter = %d, want 1", got)
	}
}

func TestRestoreWithoutExecutorFailsFatally(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	snap := &storage.Snapshot{
		Version: storage.SnapshotVersion,
		SavedAt: now,
		Tasks: []task.Record{
			{ID: "tsk-orphan", Descriptor: task.Descriptor{Name: "orphan", Kind: task.KindHTTP, Priority: task.TierNormal, MaxAttempts: 3}, Status: task.StatusReady, CreatedAt: now},
		},
		Counters: task.Counters{Submitted: 1},
	}
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := newController(t, 1, ok, WithStore(store))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := mustWait(t, c, "tsk-orphan")
	if rec.Status != task.StatusFailed || rec.Attempts != 1 {
		t.Fatalf("orphan = %s after %d attempts, want failed after 1", rec.Status, rec.Attempts)
	}
	if !strings.Contains(rec.LastError, engine.ErrNoExecutor.Error()) {
		t.Fatalf("LastError = %q, want %q", rec.LastError, engine.ErrNoExecutor)
	}
}

// failFirst fails the first call and succeeds afterwards.
func failFirst(calls *atomic.Int32) task.ExecutorFunc {
	return func(context.Context, task.Descriptor) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}
}

func waitStatus(t *testing.T, c *Controller, id string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status(t, c, id) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s never reached %s, last %s", id, want, status(t, c, id))
}

func TestCancelDuringBackoffIsNeverRequeued(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newController(t, 1, failFirst(&calls))
	c.SetRetryPolicy(retry.Policy{Base: 200 * time.Millisecond, MaxDelay: 200 * time.Millisecond})
	id := mustSubmit(t, c, task.Descriptor{Name: "backing-off"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, c, id, task.StatusRetrying)

	if cancelled, err := c.Cancel(id); err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	time.Sleep(400 * time.Millisecond)

	if rec := mustWait(t, c, id); rec.Status != task.StatusCancelled || rec.Attempts != 1 {
		t.Fatalf("record = %s after %d attempts, want cancelled after 1", rec.Status, rec.Attempts)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("executor called %d times, want 1", n)
	}
}

func TestStopDuringBackoffResumesOnStart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	var calls atomic.Int32
	c := newController(t, 1, failFirst(&calls), WithStore(store))
	c.SetRetryPolicy(retry.Policy{Base: time.Hour, MaxDelay: time.Hour})
	id := mustSubmit(t, c, task.Descriptor{Name: "interrupted-backoff"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, c, id, task.StatusRetrying)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := status(t, c, id); got != task.StatusRetrying {
		t.Fatalf("after Stop = %s, want retrying", got)
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Status != task.StatusRetrying {
		t.Fatalf("saved snapshot = %+v", snap.Tasks)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec := mustWait(t, c, id); rec.Status != task.StatusCompleted || rec.Attempts != 2 {
		t.Fatalf("record = %s after %d attempts, want completed after 2", rec.Status, rec.Attempts)
	}
}

// gatedStore blocks the first Save until release is closed.
type gatedStore struct {
	*storage.Memory
	first   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, s *storage.Snapshot) error {
	if g.first.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Save(ctx, s)
}

func TestConcurrentCheckpointsKeepNewestSnapshot(t *testing.T) {
	t.Parallel()
	store := &gatedStore{Memory: storage.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	c := newController(t, 1, ok, WithStore(store))
	mustSubmit(t, c, task.Descriptor{Name: "first"})

	errs := make(chan error, 2)
	go func() { errs <- c.Checkpoint(context.Background()) }()
	<-store.entered
	mustSubmit(t, c, task.Descriptor{Name: "second"})
	go func() { errs <- c.Checkpoint(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Checkpoint: %v", err)
		}
	}

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var names []string
	for _, r := range snap.Tasks {
		names = append(names, r.Descriptor.Name)
	}
	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Fatalf("stored tasks (-want +got):\n%s", diff)
	}
	if c.Dirty() {
		t.Fatal("table still dirty after both checkpoints")
	}
}
