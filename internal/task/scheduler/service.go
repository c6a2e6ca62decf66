package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/deps"
	"taskd/internal/task/engine"
	"taskd/internal/task/queue"
	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

// Controller is the single owner of the task table. All record mutations
// happen under mu; the queue, resolver and pool synchronize themselves.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	execs    ExecutorResolver
	policy   retry.Policy
	resolver *deps.Resolver
	pool     *engine.Pool
	now      func() time.Time

	records  map[string]*entry
	order    []string
	byName   map[string][]string
	counters task.Counters
	readySeq uint64

	running bool
	queue   *queue.Queue
	sup     *rtsup.Supervisor

	// version changes on every mutation; savedVersion is the version the
	// last successful snapshot captured.
	version      uint64
	savedVersion uint64

	// ckptMu serializes Checkpoint so an older snapshot never lands after
	// a newer one.
	ckptMu sync.Mutex

	enqMu       sync.Mutex
	lastEnqWarn time.Time
}

// New builds a Controller and restores the store's last snapshot, if any.
// A snapshot that cannot be loaded is logged and ignored.
func New(cfg Config, execs ExecutorResolver, opts ...Option) (*Controller, error) {
	if execs == nil {
		return nil, ErrNoResolver
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		execs:    execs,
		policy:   cfg.Retry,
		resolver: deps.NewResolver(),
		now:      time.Now,
		records:  map[string]*entry{},
		byName:   map[string][]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "scheduler"))
	c.pool = engine.New(cfg.Engine, c.log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := storage.Load(ctx, c.store)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.log.Debug("no snapshot to restore")
	case err != nil:
		c.log.Warn("snapshot restore failed; starting empty", logx.Err(err))
	default:
		c.restore(snap)
	}
	return c, nil
}

// restore loads snap into an empty table. Executors are resolved again;
// a record whose kind is no longer registered keeps a nil executor and
// fails on its next attempt.
func (c *Controller) restore(snap *storage.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range snap.Tasks {
		if _, dup := c.records[rec.ID]; dup {
			c.log.Warn("duplicate record in snapshot", logx.String("task_id", rec.ID))
			continue
		}
		exec, err := c.execs.Resolve(rec.Descriptor.Kind)
		if err != nil && !rec.Status.Terminal() {
			c.log.Warn("restored task has no executor", logx.Task(rec.ID, rec.Descriptor.Name), logx.Err(err))
		}
		e := newEntry(rec.Clone(), exec)
		if rec.Status == task.StatusReady {
			c.readySeq++
			e.readySeq = c.readySeq
		}
		c.addLocked(e)
		if rec.Status == task.StatusCompleted {
			c.resolver.MarkCompleted(e.idents()...)
		}
	}
	c.counters = snap.Counters
	c.version++
	c.savedVersion = c.version
	c.log.Info("snapshot restored", logx.Int("tasks", len(c.order)), logx.Time("saved_at", snap.SavedAt))
}

func (c *Controller) addLocked(e *entry) {
	id := e.rec.ID
	c.records[id] = e
	c.order = append(c.order, id)
	if name := e.rec.Descriptor.Name; name != "" {
		c.byName[name] = append(c.byName[name], id)
	}
}

// Start rebuilds the ready queue and starts the worker pool and the
// snapshot loop.
//
// Records interrupted mid-attempt by a previous run (Running) count that
// attempt: they go through Retrying back to Ready while attempts remain and
// fail otherwise. Retrying records whose backoff was cut short go to Ready.
// Ready records are queued in the order they became Ready.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}

	for _, id := range c.order {
		e := c.records[id]
		switch e.rec.Status {
		case task.StatusRunning:
			if again, _ := c.policy.ShouldRetry(e.rec.Attempts, e.maxAttempts(c.cfg.DefaultMaxAttempts), errInterrupted); !again {
				c.failInterruptedLocked(e)
				continue
			}
			_ = e.rec.Transition(task.StatusRetrying)
			c.resolver.Release(e.idents()...)
			c.log.Info("resuming interrupted task", logx.Task(id, e.rec.Descriptor.Name), logx.Int("attempts", e.rec.Attempts))
			fallthrough
		case task.StatusRetrying:
			_ = e.rec.Transition(task.StatusReady)
			c.readySeq++
			e.readySeq = c.readySeq
			c.version++
		}
	}

	q := queue.New()
	ready := make([]*entry, 0)
	for _, id := range c.order {
		if e := c.records[id]; e.rec.Status == task.StatusReady {
			ready = append(ready, e)
		}
	}
	slices.SortStableFunc(ready, func(a, b *entry) int { return cmp.Compare(a.readySeq, b.readySeq) })
	for _, e := range ready {
		_ = q.Push(e.rec.ID, e.rec.Descriptor.Priority)
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	c.queue = q
	c.sup = sup
	c.running = true
	c.promoteLocked()
	c.mu.Unlock()

	if err := c.pool.Start(ctx, q, c); err != nil {
		c.mu.Lock()
		c.running = false
		c.queue = nil
		c.sup = nil
		c.mu.Unlock()
		sup.Cancel()
		q.Close()
		return fmt.Errorf("start worker pool: %w", err)
	}
	if c.store != nil && c.cfg.SnapshotEvery > 0 {
		sup.GoRestart("snapshot", c.snapshotLoop, rtsup.WithPublishFirstError(true))
	}

	c.log.Info("scheduler started", logx.Int("ready", q.Len()), logx.Int("tasks", len(c.order)))
	return nil
}

// failInterruptedLocked fails a record whose interrupted attempt was its
// last one.
func (c *Controller) failInterruptedLocked(e *entry) {
	_ = e.rec.Transition(task.StatusFailed)
	if e.rec.LastError == "" {
		e.rec.LastError = errInterrupted.Error()
	}
	e.rec.CompletedAt = c.now()
	c.counters.Failed++
	c.resolver.MarkFailed(e.idents()...)
	c.finishLocked(e)
	c.log.Warn("interrupted task out of attempts",
		logx.Task(e.rec.ID, e.rec.Descriptor.Name),
		logx.Int("attempts", e.rec.Attempts),
		logx.Int("max_attempts", e.rec.Descriptor.MaxAttempts),
	)
	c.publish(eventbus.TaskFailed, e.rec.ID, e.rec.LastError)
}

// Stop stops dispatching, waits for in-flight attempts and writes a final
// snapshot. Ready records left in the queue are queued again on the next
// Start. If ctx expires before in-flight attempts return, their contexts are
// cancelled and the pool's error is returned after the snapshot.
func (c *Controller) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	q := c.queue
	sup := c.sup
	c.queue = nil
	c.sup = nil
	c.mu.Unlock()

	start := time.Now()
	c.log.Info("stop requested")
	q.Close()
	poolErr := c.pool.Stop(ctx)
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	if c.store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := c.Checkpoint(saveCtx); err != nil {
			c.log.Error("final snapshot failed", logx.Err(err))
		}
		cancel()
	}
	c.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return poolErr
}

// Running reports whether Start has been called without a matching Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	for _, id := range c.order {
		e := c.records[id]
		switch e.rec.Status {
		case task.StatusPending:
			s.Pending++
			if c.stalledLocked(e) {
				s.Stalled++
			}
		case task.StatusReady:
			s.Ready++
		case task.StatusRunning:
			s.Running++
		case task.StatusRetrying:
			s.Retrying++
		case task.StatusCompleted:
			s.Completed++
		case task.StatusFailed:
			s.Failed++
		case task.StatusCancelled:
			s.Cancelled++
		}
	}
	s.Total = len(c.order)
	if c.queue != nil {
		s.QueueDepth = c.queue.Len()
	}
	s.InFlight = c.pool.InFlight()
	s.Counters = c.counters
	return s
}

// stalledLocked reports whether a Pending record waits on something that
// can no longer complete.
func (c *Controller) stalledLocked(e *entry) bool {
	for _, dep := range e.rec.Descriptor.Dependencies {
		if c.resolver.Completed(dep) {
			continue
		}
		ids := c.matchLocked(dep)
		if len(ids) == 0 {
			return true
		}
		alive := false
		for _, id := range ids {
			switch c.records[id].rec.Status {
			case task.StatusFailed, task.StatusCancelled:
			default:
				alive = true
			}
		}
		if !alive {
			return true
		}
	}
	return false
}

// matchLocked returns the IDs of records known as ident, by ID or by name.
func (c *Controller) matchLocked(ident string) []string {
	var out []string
	if _, ok := c.records[ident]; ok {
		out = append(out, ident)
	}
	for _, id := range c.byName[ident] {
		if id != ident {
			out = append(out, id)
		}
	}
	return out
}

// SetRetryPolicy replaces the policy used for attempts that fail from now on.
func (c *Controller) SetRetryPolicy(p retry.Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.log.Info("retry policy updated", logx.Duration("base", p.Base), logx.Duration("max_delay", p.MaxDelay), logx.Float64("jitter", p.Jitter))
}

// SetRate changes the executor-call rate limit.
func (c *Controller) SetRate(perSec float64, burst int) { c.pool.SetRate(perSec, burst) }

// Engine exposes worker pool diagnostics.
func (c *Controller) Engine() engine.Snapshot { return c.pool.Snapshot() }

func (c *Controller) publish(typ, id string, data any) {
	eventbus.Publish(c.bus, eventbus.Event{Type: typ, Time: c.now(), TaskID: id, Data: data})
}
