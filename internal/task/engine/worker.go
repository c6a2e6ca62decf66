package engine

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type worker struct {
	idx     int
	pool    *Pool
	src     Source
	host    Host
	execCtx context.Context
}

// loop serves the source until it closes or ctx is cancelled. Both are clean
// exits; the supervisor only restarts the loop after a panic outside the
// executor call.
func (w *worker) loop(ctx context.Context) error {
	p := w.pool
	for {
		id, err := w.src.Pop(ctx)
		if err != nil {
			return nil
		}
		// An ID dropped here stays Ready and is re-enqueued on the next start.
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		job, ok := w.host.Claim(id)
		if !ok {
			continue
		}

		start := time.Now()
		p.inFlight.Add(1)
		result, runErr := w.execute(job)
		p.inFlight.Add(-1)
		p.executed.Add(1)
		dur := time.Since(start)

		out := w.host.Finish(job, result, runErr)

		item := HistoryItem{ID: job.ID, Name: job.Descriptor.Name, Attempt: job.Attempt, Started: start, Duration: dur, Retry: out.Retry}
		if runErr != nil {
			item.Error = runErr.Error()
		}
		p.record(item)

		if !out.Retry {
			continue
		}
		if !w.sleep(ctx, out.Delay) {
			// Stopped during backoff: the task stays Retrying and resumes on
			// the next start.
			return nil
		}
		w.host.Requeue(job.ID)
	}
}

// execute runs one attempt and converts a panic into a task.PanicError.
func (w *worker) execute(job Job) (result json.RawMessage, err error) {
	p := w.pool
	if job.Executor == nil {
		return nil, task.Fatal(ErrNoExecutor)
	}

	ctx := w.execCtx
	if timeout := p.Config().TaskTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			p.panics.Add(1)
			p.log.Error("task.panic", logx.Task(job.ID, job.Descriptor.Name), logx.Int("worker", w.idx), logx.Any("panic", r), logx.Stack(stack))
			result = nil
			err = &task.PanicError{Value: r, Stack: stack}
		}
	}()

	p.log.Debug("task.started", logx.Task(job.ID, job.Descriptor.Name), logx.Int("worker", w.idx), logx.Attempt(job.Attempt))
	return job.Executor.Execute(ctx, job.Descriptor)
}

// sleep waits d on this worker only. It returns false if ctx ends first.
func (w *worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	w.pool.backoff.Add(1)
	defer w.pool.backoff.Add(-1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
