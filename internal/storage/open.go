package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskd/pkg/logx"
)

// Store persists and restores scheduler snapshots.
type Store interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, s *Snapshot) error
	// Load returns the last saved snapshot or ErrNotFound.
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, &Error{Op: "open", Driver: driver, Err: errors.New("unknown storage driver")}
	}
}

// Load is a convenience wrapper that treats a nil store as empty.
func Load(ctx context.Context, st Store) (*Snapshot, error) {
	if st == nil {
		return nil, ErrNotFound
	}
	return st.Load(ctx)
}
