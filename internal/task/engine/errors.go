package engine

import "errors"

var (
	ErrRunning     = errors.New("worker pool already running")
	ErrNoExecutor  = errors.New("no executor bound to task")
	ErrStopTimeout = errors.New("worker pool stop timed out; in-flight executions were cancelled")
)
