// Package engine is the worker pool: a fixed number of supervised workers
// that pull task IDs from a Source and run them through a Host.
package engine

import (
	"context"
	"encoding/json"
	"time"

	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/task"
)

// Config controls the pool.
type Config struct {
	// Workers is the fixed pool size. 0 means 2.
	Workers int

	// TaskTimeout bounds each executor call through its context. 0 disables it.
	TaskTimeout time.Duration

	// RatePerSec limits how often executors are invoked across all workers.
	// 0 means unlimited.
	RatePerSec float64
	RateBurst  int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Source hands out task IDs. Pop blocks until an ID is available; any error
// ends the calling worker's loop.
type Source interface {
	Pop(ctx context.Context) (string, error)
}

// Job is one claimed attempt.
type Job struct {
	ID         string
	Descriptor task.Descriptor
	Attempt    int
	Executor   task.Executor
}

// Outcome is the Host's decision after an attempt.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

// Host owns task state. The pool never mutates records itself.
type Host interface {
	// Claim moves id to Running. It returns false when the task must be
	// skipped (cancelled, unknown, or not ready).
	Claim(id string) (Job, bool)
	// Finish records the attempt's outcome and decides on a retry.
	Finish(job Job, result json.RawMessage, err error) Outcome
	// Requeue puts a task back on the ready queue once its backoff elapsed.
	Requeue(id string)
}

// HistoryItem describes one finished attempt.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Retry    bool          `json:"retry,omitempty"`
}

// Snapshot is a diagnostic view of the pool.
type Snapshot struct {
	Running     bool          `json:"running"`
	Workers     int           `json:"workers"`
	InFlight    int           `json:"in_flight"`
	Backoff     int           `json:"backoff"`
	Executed    uint64        `json:"executed"`
	Panics      uint64        `json:"panics"`
	TaskTimeout time.Duration `json:"task_timeout"`
	RatePerSec  float64       `json:"rate_per_sec"`
	History     []HistoryItem `json:"history"`

	// Loops are the worker goroutines of the running pool.
	Loops []rtsup.Stats `json:"loops,omitempty"`
}
