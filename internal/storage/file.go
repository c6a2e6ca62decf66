package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskd/pkg/logx"
)

// fileStore keeps the snapshot in a single JSON file.
//
// Every save writes a temp file in the same directory, syncs it, renames it
// over the target and syncs the directory, so readers see either the old or
// the new document.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, &Error{Op: "open", Driver: "file", Err: errors.New("storage.path is required for file driver")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", "file", err)
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return wrap("save", "file", err)
	}
	data, err := Encode(snap)
	if err != nil {
		return wrap("save", "file", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrap("save", "file", ErrDisabled)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return wrap("save", "file", err)
	}
	s.log.Debug("snapshot written", logx.String("path", s.path), logx.Int("tasks", len(snap.Tasks)), logx.Int("bytes", len(data)))
	return nil
}

func (s *fileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("load", "file", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load", "file", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, ErrNotFound
	}
	snap, err := Decode(b)
	if err != nil {
		return nil, wrap("load", "file", err)
	}
	return snap, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
