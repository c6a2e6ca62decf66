package task

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Descriptor is the caller-supplied description of one unit of work.
// The scheduler never mutates it after Submit.
type Descriptor struct {
	// Name seeds the record identity and doubles as a logical name that other
	// tasks can list in Dependencies.
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Kind     Kind   `json:"kind"`
	Priority Tier   `json:"priority"`

	// Dependencies are record IDs or logical names that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`

	// MaxAttempts caps the number of executions. 0 means the scheduler default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Params is passed to the executor untouched.
	Params json.RawMessage `json:"params,omitempty"`
}

// Normalize trims identifiers and fills defaults. It never drops information.
func (d Descriptor) Normalize(defaultMaxAttempts int) Descriptor {
	d.Name = strings.TrimSpace(d.Name)
	d.Category = strings.TrimSpace(d.Category)
	if d.Priority == TierUnset {
		d.Priority = TierNormal
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = defaultMaxAttempts
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 1
	}
	if len(d.Dependencies) > 0 {
		deps := make([]string, 0, len(d.Dependencies))
		seen := make(map[string]struct{}, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			dep = strings.TrimSpace(dep)
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			deps = append(deps, dep)
		}
		d.Dependencies = deps
	}
	return d
}

// Validate checks the fields Submit relies on.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return invalid("name", "required")
	}
	if d.Priority != TierUnset && !d.Priority.Valid() {
		return invalidf("priority", "unknown tier %d", int(d.Priority))
	}
	if d.MaxAttempts < 0 {
		return invalid("max_attempts", "must be >= 0")
	}
	for i, dep := range d.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return invalidf("dependencies", "entry %d is empty", i)
		}
	}
	if len(d.Params) > 0 && !json.Valid(d.Params) {
		return invalid("params", "must be valid JSON")
	}
	return nil
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	if d.Dependencies != nil {
		d.Dependencies = append([]string(nil), d.Dependencies...)
	}
	if d.Params != nil {
		d.Params = bytes.Clone(d.Params)
	}
	return d
}

// Record tracks one submitted task through its lifecycle.
type Record struct {
	ID          string          `json:"id"`
	Descriptor  Descriptor      `json:"descriptor"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand out to callers.
func (r Record) Clone() Record {
	r.Descriptor = r.Descriptor.Clone()
	if r.Result != nil {
		r.Result = bytes.Clone(r.Result)
	}
	return r
}

// Counters are aggregate totals kept across restarts.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Retries   uint64 `json:"retries"`
}

// Executor performs the work described by a Descriptor.
//
// A non-nil error means the attempt failed. Wrap permanent failures with
// Fatal so they are not retried.
type Executor interface {
	Execute(ctx context.Context, d Descriptor) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d Descriptor) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, d Descriptor) (json.RawMessage, error) {
	return f(ctx, d)
}
