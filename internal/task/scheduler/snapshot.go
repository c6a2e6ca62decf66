package scheduler

import (
	"context"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Snapshot copies the task table and counters in creation order.
func (c *Controller) Snapshot() *storage.Snapshot {
	snap, _ := c.snapshot()
	return snap
}

func (c *Controller) snapshot() (*storage.Snapshot, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := make([]task.Record, 0, len(c.order))
	for _, id := range c.order {
		tasks = append(tasks, c.records[id].rec.Clone())
	}
	return &storage.Snapshot{
		Version:  storage.SnapshotVersion,
		SavedAt:  c.now(),
		Tasks:    tasks,
		Counters: c.counters,
	}, c.version
}

// Checkpoint writes a snapshot now. It returns storage.ErrDisabled without
// a store. Concurrent calls are serialized and a snapshot older than the
// last saved one is dropped. Failures are also logged and published;
// scheduling is never affected.
func (c *Controller) Checkpoint(ctx context.Context) error {
	if c.store == nil {
		return storage.ErrDisabled
	}
	c.ckptMu.Lock()
	defer c.ckptMu.Unlock()

	snap, version := c.snapshot()
	c.mu.Lock()
	stale := version < c.savedVersion
	c.mu.Unlock()
	if stale {
		return nil
	}
	start := time.Now()
	if err := c.store.Save(ctx, snap); err != nil {
		c.log.Warn("snapshot failed", logx.Int("tasks", len(snap.Tasks)), logx.Err(err))
		c.publish(eventbus.SnapshotFailed, "", err.Error())
		return err
	}

	c.mu.Lock()
	if version > c.savedVersion {
		c.savedVersion = version
	}
	c.mu.Unlock()

	c.log.Debug("snapshot saved", logx.Int("tasks", len(snap.Tasks)), logx.Duration("took", time.Since(start)))
	c.publish(eventbus.SnapshotSaved, "", len(snap.Tasks))
	return nil
}

// Dirty reports whether the table changed since the last saved snapshot.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version != c.savedVersion
}

// snapshotLoop checkpoints every SnapshotEvery while the table changes.
func (c *Controller) snapshotLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SnapshotEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !c.Dirty() {
				continue
			}
			// Errors are already logged.
			_ = c.Checkpoint(ctx)
		}
	}
}
