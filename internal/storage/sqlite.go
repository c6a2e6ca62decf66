package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, &Error{Op: "open", Driver: "sqlite", Err: errors.New("sqlite path is required")}
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", "sqlite", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", "sqlite", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("open", "sqlite", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the tasks table and the counters row in one transaction.
func (s *sqliteStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	if s == nil || s.db == nil {
		return wrap("save", "sqlite", ErrDisabled)
	}
	if snap == nil {
		return wrap("save", "sqlite", errors.New("nil snapshot"))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("save", "sqlite", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return wrap("save", "sqlite", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks(id, seq, name, status, record) VALUES(?,?,?,?,?)`)
	if err != nil {
		return wrap("save", "sqlite", err)
	}
	defer stmt.Close()
	for i, r := range snap.Tasks {
		b, mErr := json.Marshal(r)
		if mErr != nil {
			return wrap("save", "sqlite", fmt.Errorf("encode task %s: %w", r.ID, mErr))
		}
		if _, err = stmt.ExecContext(ctx, r.ID, i, r.Descriptor.Name, string(r.Status), string(b)); err != nil {
			return wrap("save", "sqlite", err)
		}
	}

	c := snap.Counters
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO counters(id, submitted, completed, failed, cancelled, retries) VALUES(1,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET submitted=excluded.submitted, completed=excluded.completed,
		   failed=excluded.failed, cancelled=excluded.cancelled, retries=excluded.retries`,
		int64(c.Submitted), int64(c.Completed), int64(c.Failed), int64(c.Cancelled), int64(c.Retries),
	); err != nil {
		return wrap("save", "sqlite", err)
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta(id, version, saved_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, saved_at=excluded.saved_at`,
		SnapshotVersion, savedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return wrap("save", "sqlite", err)
	}

	if err = tx.Commit(); err != nil {
		return wrap("save", "sqlite", err)
	}
	s.log.Debug("snapshot committed", logx.Int("tasks", len(snap.Tasks)))
	return nil
}

func (s *sqliteStore) Load(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, wrap("load", "sqlite", ErrDisabled)
	}

	var (
		version int
		savedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, saved_at FROM snapshot_meta WHERE id = 1`).Scan(&version, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load", "sqlite", err)
	}
	if version > SnapshotVersion {
		return nil, wrap("load", "sqlite", fmt.Errorf("snapshot version %d is newer than supported %d", version, SnapshotVersion))
	}
	snap := &Snapshot{Version: version, Tasks: []task.Record{}}
	if t, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
		snap.SavedAt = t
	}

	var c [5]int64
	err = s.db.QueryRowContext(ctx,
		`SELECT submitted, completed, failed, cancelled, retries FROM counters WHERE id = 1`,
	).Scan(&c[0], &c[1], &c[2], &c[3], &c[4])
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("load", "sqlite", err)
	}
	snap.Counters = task.Counters{
		Submitted: uint64(c[0]),
		Completed: uint64(c[1]),
		Failed:    uint64(c[2]),
		Cancelled: uint64(c[3]),
		Retries:   uint64(c[4]),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, wrap("load", "sqlite", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, wrap("load", "sqlite", err)
		}
		var r task.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, wrap("load", "sqlite", fmt.Errorf("decode task %s: %w", id, err))
		}
		if !r.Status.Valid() {
			return nil, wrap("load", "sqlite", fmt.Errorf("task %s: unknown status %q", id, r.Status))
		}
		snap.Tasks = append(snap.Tasks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load", "sqlite", err)
	}
	return snap, nil
}
