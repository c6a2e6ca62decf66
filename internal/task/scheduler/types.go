package scheduler

import (
	"errors"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/engine"
	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

var (
	ErrRunning    = errors.New("scheduler already running")
	ErrNoResolver = errors.New("scheduler: executor resolver is required")

	errInterrupted = errors.New("attempt interrupted by shutdown")
)

const (
	DefaultMaxAttempts   = 3
	DefaultSnapshotEvery = 30 * time.Second
)

// Config controls a Controller.
type Config struct {
	// DefaultMaxAttempts replaces a descriptor's MaxAttempts of 0.
	DefaultMaxAttempts int

	// SnapshotEvery is the checkpoint interval. 0 means 30s; a negative
	// value disables periodic snapshots (Stop still writes one).
	SnapshotEvery time.Duration

	Engine engine.Config
	Retry  retry.Policy
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	return c
}

// ExecutorResolver returns the executor registered for a kind.
// *executor.Registry implements it.
type ExecutorResolver interface {
	Resolve(kind task.Kind) (task.Executor, error)
}

type Option func(*Controller)

func WithLogger(l logx.Logger) Option { return func(c *Controller) { c.log = l } }

func WithBus(b eventbus.Bus) Option { return func(c *Controller) { c.bus = b } }

// WithStore enables snapshots. A nil store disables them.
func WithStore(s storage.Store) Option { return func(c *Controller) { c.store = s } }

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Stats counts records by status.
//
// Stalled counts Pending records with at least one dependency that can no
// longer complete: it names only Failed or Cancelled records, or no known
// record at all and has not completed before.
type Stats struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Stalled   int `json:"stalled"`

	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`
	Total      int `json:"total"`

	Counters task.Counters `json:"counters"`
}

// entry is the Controller-private state of one record.
type entry struct {
	rec  task.Record
	exec task.Executor

	// readySeq orders Ready records when the queue is rebuilt at Start.
	readySeq uint64
	done     chan struct{}
}

func newEntry(rec task.Record, exec task.Executor) *entry {
	e := &entry{rec: rec, exec: exec, done: make(chan struct{})}
	if rec.Status.Terminal() {
		close(e.done)
	}
	return e
}

// idents are the identifiers dependents may use for this record.
func (e *entry) idents() []string {
	if e.rec.Descriptor.Name == "" || e.rec.Descriptor.Name == e.rec.ID {
		return []string{e.rec.ID}
	}
	return []string{e.rec.ID, e.rec.Descriptor.Name}
}

// maxAttempts is the record's attempt budget; fallback covers snapshots
// written before descriptors were normalized.
func (e *entry) maxAttempts(fallback int) int {
	if n := e.rec.Descriptor.MaxAttempts; n > 0 {
		return n
	}
	return fallback
}
