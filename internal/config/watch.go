package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskd/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx ends. The
// directory is watched rather than the file so editors that replace the
// file by rename are seen. A broken fsnotify watcher is recreated with
// jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	r := &reloader{m: m, ctx: ctx}
	defer r.stop()

	backoff := watchBackoffBase
	for ctx.Err() == nil {
		started, err := m.watchDir(ctx, r.schedule)
		if ctx.Err() != nil {
			break
		}
		if started {
			backoff = watchBackoffBase
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher until it breaks or ctx ends. started
// reports whether the watch was established at all.
func (m *ConfigManager) watchDir(ctx context.Context, onChange func()) (started bool, err error) {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watcher init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if isConfigEvent(ev, file) {
				onChange()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("error channel closed")
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; one reload catches up.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				onChange()
			case strings.Contains(strings.ToLower(err.Error()), "closed"):
				return true, err
			default:
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}

// isConfigEvent matches by basename so relative and absolute paths agree.
func isConfigEvent(ev fsnotify.Event, file string) bool {
	if !strings.EqualFold(filepath.Base(ev.Name), file) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0
}

// reloader collapses bursts of change events (editors write in several
// steps) into one reload after the file has been quiet for reloadDebounce.
type reloader struct {
	m   *ConfigManager
	ctx context.Context

	mu    sync.Mutex
	timer *time.Timer
}

func (r *reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDebounce, r.reload)
}

func (r *reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// reload parses, skips unchanged content, validates, then commits and
// publishes. A config that fails any step leaves the active one in place.
func (r *reloader) reload() {
	m := r.m
	if r.ctx.Err() != nil {
		return
	}
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.hash
	validate := m.validator
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if validate != nil {
		vctx, cancel := context.WithTimeout(r.ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}
