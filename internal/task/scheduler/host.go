package scheduler

import (
	"encoding/json"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

var _ engine.Host = (*Controller)(nil)

// Claim moves a Ready record to Running for one attempt. Cancelled, pruned
// and otherwise non-Ready IDs are skipped.
func (c *Controller) Claim(id string) (engine.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.records[id]
	if !ok {
		return engine.Job{}, false
	}
	if e.rec.Status != task.StatusReady {
		c.log.Debug("skipping dequeued task", logx.Task(id, e.rec.Descriptor.Name), logx.String("status", string(e.rec.Status)))
		return engine.Job{}, false
	}
	_ = e.rec.Transition(task.StatusRunning)
	e.rec.Attempts++
	e.rec.StartedAt = c.now()
	c.resolver.MarkStarted(e.idents()...)
	c.version++
	c.publish(eventbus.TaskStarted, id, e.rec.Attempts)

	return engine.Job{
		ID:         id,
		Descriptor: e.rec.Descriptor.Clone(),
		Attempt:    e.rec.Attempts,
		Executor:   e.exec,
	}, true
}

// Finish applies an attempt's outcome. The result of an attempt whose
// record was cancelled meanwhile is discarded.
func (c *Controller) Finish(job engine.Job, result json.RawMessage, err error) engine.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.records[job.ID]
	if !ok {
		return engine.Outcome{}
	}
	name := e.rec.Descriptor.Name
	if e.rec.Status == task.StatusCancelled {
		c.log.Debug("discarding result of cancelled task", logx.Task(job.ID, name), logx.Attempt(job.Attempt))
		c.publish(eventbus.TaskDiscarded, job.ID, job.Attempt)
		return engine.Outcome{}
	}
	if e.rec.Status != task.StatusRunning || e.rec.Attempts != job.Attempt {
		c.log.Warn("stale attempt outcome ignored", logx.Task(job.ID, name), logx.Attempt(job.Attempt), logx.String("status", string(e.rec.Status)))
		return engine.Outcome{}
	}

	if err == nil {
		_ = e.rec.Transition(task.StatusCompleted)
		e.rec.CompletedAt = c.now()
		e.rec.Result = result
		e.rec.LastError = ""
		c.counters.Completed++
		c.resolver.MarkCompleted(e.idents()...)
		c.finishLocked(e)
		c.log.Debug("task completed", logx.Task(job.ID, name), logx.Attempt(job.Attempt), logx.Duration("took", e.rec.CompletedAt.Sub(e.rec.StartedAt)))
		c.publish(eventbus.TaskCompleted, job.ID, job.Attempt)
		c.promoteLocked()
		return engine.Outcome{}
	}

	e.rec.LastError = err.Error()
	retry, delay := c.policy.ShouldRetry(e.rec.Attempts, e.rec.Descriptor.MaxAttempts, err)
	if retry {
		_ = e.rec.Transition(task.StatusRetrying)
		c.counters.Retries++
		c.resolver.Release(e.idents()...)
		c.version++
		c.log.Info("task retrying",
			logx.Task(job.ID, name),
			logx.Attempt(job.Attempt),
			logx.Int("max_attempts", e.rec.Descriptor.MaxAttempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		c.publish(eventbus.TaskRetrying, job.ID, delay)
		return engine.Outcome{Retry: true, Delay: delay}
	}

	_ = e.rec.Transition(task.StatusFailed)
	e.rec.CompletedAt = c.now()
	c.counters.Failed++
	c.resolver.MarkFailed(e.idents()...)
	c.finishLocked(e)
	c.log.Warn("task failed",
		logx.Task(job.ID, name),
		logx.Int("attempts", e.rec.Attempts),
		logx.Bool("fatal", task.IsFatal(err)),
		logx.Err(err),
	)
	c.publish(eventbus.TaskFailed, job.ID, e.rec.LastError)
	return engine.Outcome{}
}

// Requeue returns a Retrying record to the queue once its backoff elapsed.
// A record cancelled during the backoff is left alone.
func (c *Controller) Requeue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[id]
	if !ok || e.rec.Status != task.StatusRetrying {
		return
	}
	c.readyLocked(e)
}
