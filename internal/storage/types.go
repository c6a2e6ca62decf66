package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"taskd/internal/task"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("no snapshot stored")
)

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion = 1

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is a point-in-time copy of the task table.
// Tasks are kept in creation order.
type Snapshot struct {
	Version  int           `json:"version"`
	SavedAt  time.Time     `json:"saved_at"`
	Tasks    []task.Record `json:"tasks"`
	Counters task.Counters `json:"counters"`
}

// Error wraps a failed persistence operation.
type Error struct {
	Op     string // "save", "load", "open"
	Driver string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Driver, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, driver string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Driver: driver, Err: err}
}

// Encode renders s as the JSON document the file driver writes. Opaque
// payloads are kept compact so they survive a round trip byte for byte.
func Encode(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil snapshot")
	}
	out := *s
	if out.Version == 0 {
		out.Version = SnapshotVersion
	}
	if out.Tasks == nil {
		out.Tasks = []task.Record{}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a snapshot strictly: unknown fields and trailing data fail.
func Decode(b []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing content")
	}
	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", s.Version, SnapshotVersion)
	}
	for i, r := range s.Tasks {
		if r.ID == "" {
			return nil, fmt.Errorf("task %d: missing id", i)
		}
		if !r.Status.Valid() {
			return nil, fmt.Errorf("task %s: unknown status %q", r.ID, r.Status)
		}
	}
	return &s, nil
}
