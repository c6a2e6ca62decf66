package scheduler

import (
	"errors"
	"time"

	"taskd/internal/task/queue"
	logx "taskd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// pushLocked queues a Ready record. Without a running queue the record
// simply stays Ready and is queued by the next Start.
func (c *Controller) pushLocked(e *entry) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Push(e.rec.ID, e.rec.Descriptor.Priority); err != nil {
		c.reportEnqueueError(e.rec.ID, err)
	}
}

func (c *Controller) reportEnqueueError(id string, err error) {
	// A closed queue is the normal race with Stop.
	if errors.Is(err, queue.ErrClosed) {
		c.log.Debug("queue closed; task stays ready", logx.String("task_id", id))
		return
	}

	now := time.Now()
	c.enqMu.Lock()
	if !c.lastEnqWarn.IsZero() && now.Sub(c.lastEnqWarn) < enqueueWarnThrottle {
		c.enqMu.Unlock()
		return
	}
	c.lastEnqWarn = now
	c.enqMu.Unlock()

	c.log.Warn("failed to enqueue task", logx.String("task_id", id), logx.Err(err))
}
