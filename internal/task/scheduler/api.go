package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/deps"
	logx "taskd/pkg/logx"
)

// Submit validates d, creates its record and returns the new ID.
//
// A record whose dependencies have all completed becomes Ready at once;
// otherwise it stays Pending until they do. Submit rejects, without creating
// a record, a malformed descriptor, a kind with no registered executor and a
// dependency list that would close a cycle among live records. Dependencies
// that already completed never close a cycle.
func (c *Controller) Submit(d task.Descriptor) (string, error) {
	d = d.Normalize(c.cfg.DefaultMaxAttempts)
	if err := d.Validate(); err != nil {
		return "", err
	}
	exec, err := c.execs.Resolve(d.Kind)
	if err != nil {
		return "", task.Invalid("kind", err, "no executor for kind %s", d.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cycle := deps.FindCycle(d.Name, c.openDepsLocked(d.Dependencies), c.lookupLocked); cycle != nil {
		return "", task.Invalid("dependencies", task.ErrCycle, "%s", strings.Join(cycle, " -> "))
	}

	now := c.now()
	rec := task.Record{
		ID:         "tsk-" + uuid.NewString(),
		Descriptor: d,
		Status:     task.StatusPending,
		CreatedAt:  now,
	}
	e := newEntry(rec, exec)
	c.addLocked(e)
	c.counters.Submitted++
	c.version++

	c.log.Debug("task submitted",
		logx.Task(rec.ID, d.Name),
		logx.String("kind", d.Kind.String()),
		logx.String("priority", d.Priority.String()),
		logx.Strs("deps", d.Dependencies),
	)
	c.publish(eventbus.TaskSubmitted, rec.ID, d.Name)

	if c.resolver.CanRun(d) {
		c.readyLocked(e)
	}
	return rec.ID, nil
}

// lookupLocked feeds cycle detection with the open dependencies of live
// records known as ident. Terminal records and completed dependencies
// cannot be part of a wait cycle.
func (c *Controller) lookupLocked(ident string) [][]string {
	var out [][]string
	for _, id := range c.matchLocked(ident) {
		e := c.records[id]
		if e.rec.Status.Terminal() {
			continue
		}
		if open := c.openDepsLocked(e.rec.Descriptor.Dependencies); len(open) > 0 {
			out = append(out, open)
		}
	}
	return out
}

// openDepsLocked drops the dependencies the resolver already counts as
// completed.
func (c *Controller) openDepsLocked(list []string) []string {
	var open []string
	for _, dep := range list {
		if !c.resolver.Completed(dep) {
			open = append(open, dep)
		}
	}
	return open
}

// readyLocked moves a Pending or Retrying record to Ready and queues it when
// the scheduler is running.
func (c *Controller) readyLocked(e *entry) {
	if err := e.rec.Transition(task.StatusReady); err != nil {
		c.log.Warn("ready transition rejected", logx.Task(e.rec.ID, e.rec.Descriptor.Name), logx.Err(err))
		return
	}
	c.readySeq++
	e.readySeq = c.readySeq
	c.version++
	c.publish(eventbus.TaskReady, e.rec.ID, e.rec.Descriptor.Name)
	c.pushLocked(e)
}

// promoteLocked re-evaluates Pending records in submission order.
func (c *Controller) promoteLocked() {
	for _, id := range c.order {
		e := c.records[id]
		if e.rec.Status == task.StatusPending && c.resolver.CanRun(e.rec.Descriptor) {
			c.readyLocked(e)
		}
	}
}

// Get returns a copy of the record.
func (c *Controller) Get(id string) (task.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[id]
	if !ok {
		return task.Record{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return e.rec.Clone(), nil
}

// List returns copies of the records in creation order, limited to the
// given statuses when any are passed.
func (c *Controller) List(statuses ...task.Status) []task.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]task.Record, 0, len(c.order))
	for _, id := range c.order {
		e := c.records[id]
		if len(statuses) > 0 && !slices.Contains(statuses, e.rec.Status) {
			continue
		}
		out = append(out, e.rec.Clone())
	}
	return out
}

// Cancel moves a non-terminal record to Cancelled and reports whether it
// did. A Running attempt is not interrupted; its outcome is discarded when
// it returns.
func (c *Controller) Cancel(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if e.rec.Status.Terminal() {
		return false, nil
	}
	from := e.rec.Status
	if err := e.rec.Transition(task.StatusCancelled); err != nil {
		return false, err
	}
	e.rec.CompletedAt = c.now()
	c.counters.Cancelled++
	c.resolver.Release(e.idents()...)
	c.finishLocked(e)

	c.log.Info("task cancelled", logx.Task(id, e.rec.Descriptor.Name), logx.String("from", string(from)))
	c.publish(eventbus.TaskCancelled, id, string(from))
	return true, nil
}

// Prune drops terminal records that reached their final status before the
// cutoff and returns how many were removed. Completed names stay satisfied
// for later dependents.
func (c *Controller) Prune(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	keep := c.order[:0]
	for _, id := range c.order {
		e := c.records[id]
		if !e.rec.Status.Terminal() || !e.rec.CompletedAt.Before(before) {
			keep = append(keep, id)
			continue
		}
		delete(c.records, id)
		if name := e.rec.Descriptor.Name; name != "" {
			c.byName[name] = slices.DeleteFunc(c.byName[name], func(v string) bool { return v == id })
			if len(c.byName[name]) == 0 {
				delete(c.byName, name)
			}
		}
		c.resolver.Forget(id)
		removed++
	}
	clear(c.order[len(keep):])
	c.order = keep
	if removed > 0 {
		c.version++
		c.log.Info("records pruned", logx.Int("removed", removed), logx.Int("remaining", len(c.order)))
	}
	return removed
}

// Wait blocks until the record is terminal or ctx is done, then returns a
// copy of it.
func (c *Controller) Wait(ctx context.Context, id string) (task.Record, error) {
	c.mu.Lock()
	e, ok := c.records[id]
	c.mu.Unlock()
	if !ok {
		return task.Record{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return task.Record{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.rec.Clone(), nil
}

// finishLocked releases waiters once e is terminal.
func (c *Controller) finishLocked(e *entry) {
	c.version++
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}
