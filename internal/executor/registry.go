// Package executor binds task kinds to the code that runs them.
//
// A Registry is filled once at startup. The scheduler resolves a task's
// executor when the task is submitted, not on every attempt.
package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("no executor registered for kind")
	ErrDuplicate   = errors.New("executor already registered for kind")
)

// Registry maps task.Kind to an Executor. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[task.Kind]task.Executor
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[task.Kind]task.Executor)}
}

// Register binds exec to kind. Registering a kind twice is an error.
func (r *Registry) Register(kind task.Kind, exec task.Executor) error {
	if exec == nil {
		return fmt.Errorf("register %s: nil executor", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[kind]; ok {
		return fmt.Errorf("register %s: %w", kind, ErrDuplicate)
	}
	r.m[kind] = exec
	return nil
}

// Resolve returns the executor for kind.
func (r *Registry) Resolve(kind task.Kind) (task.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.m[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return exec, nil
}

// Kinds lists registered kinds in enum order.
func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Kind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config selects and tunes the built-in executors.
type Config struct {
	Command CommandConfig
	HTTP    HTTPConfig
}

// NewDefault returns a registry with the echo executor plus the command and
// HTTP executors when enabled. KindCustom is left for the embedding program.
func NewDefault(cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "executor"))
	r := NewRegistry()
	_ = r.Register(task.KindEcho, Echo{})
	if cfg.Command.Enabled {
		_ = r.Register(task.KindCommand, NewCommand(cfg.Command, log))
	}
	if cfg.HTTP.Enabled {
		_ = r.Register(task.KindHTTP, NewHTTP(cfg.HTTP, log))
	}
	return r
}
