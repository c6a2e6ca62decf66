package config

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the names of triggers that were
// added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Float64("scheduler.rate_per_sec", newCfg.Scheduler.RatePerSec),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.String("retry.base", strings.TrimSpace(newCfg.Retry.Base)),
			logx.String("retry.max_delay", strings.TrimSpace(newCfg.Retry.MaxDelay)),
			logx.Float64("retry.jitter", newCfg.Retry.Jitter),
		)
	}

	if storageOf(oldCfg) != storageOf(newCfg) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageOf(newCfg).Driver))
	}

	if oldCfg.Executors != newCfg.Executors {
		changed = append(changed, "executors")
		attrs = append(attrs,
			logx.Bool("executors.command", newCfg.Executors.Command.Enabled),
			logx.Bool("executors.http", newCfg.Executors.HTTP.Enabled),
		)
	}

	// Debug (never log the token)
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	triggers := diffTriggers(oldCfg.Triggers, newCfg.Triggers)
	if len(triggers) > 0 {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers.count", len(newCfg.Triggers)))
	}

	return changed, attrs, triggers
}

// RestartRequired lists the changed settings that only take effect after a
// restart. Everything else is applied live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o.Workers != n.Workers {
		out = append(out, "scheduler.workers")
	}
	if o.DefaultMaxAttempts != n.DefaultMaxAttempts {
		out = append(out, "scheduler.default_max_attempts")
	}
	if strings.TrimSpace(o.TaskTimeout) != strings.TrimSpace(n.TaskTimeout) {
		out = append(out, "scheduler.task_timeout")
	}
	if o.HistorySize != n.HistorySize {
		out = append(out, "scheduler.history_size")
	}
	if strings.TrimSpace(o.SnapshotEvery) != strings.TrimSpace(n.SnapshotEvery) {
		out = append(out, "scheduler.snapshot_every")
	}
	if storageOf(oldCfg) != storageOf(newCfg) {
		out = append(out, "storage")
	}
	if oldCfg.Executors != newCfg.Executors {
		out = append(out, "executors")
	}
	return out
}

func storageOf(cfg *Config) StorageConfig {
	if cfg == nil || cfg.Storage == nil {
		return StorageConfig{}
	}
	return *cfg.Storage
}

func diffTriggers(oldT, newT []TriggerConfig) []string {
	oldM := map[string]uint64{}
	for _, t := range oldT {
		oldM[strings.TrimSpace(t.Name)] = canonicalHashJSON(t)
	}
	newM := map[string]uint64{}
	for _, t := range newT {
		newM[strings.TrimSpace(t.Name)] = canonicalHashJSON(t)
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okOld := oldM[name]
		n, okNew := newM[name]
		if okOld != okNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalHashJSON hashes v's JSON form after a decode/encode round trip,
// so whitespace and key order inside raw params do not count as changes.
func canonicalHashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	var anyV any
	if err := json.Unmarshal(b, &anyV); err != nil {
		return hashBytes(b)
	}
	cb, err := json.Marshal(anyV)
	if err != nil {
		return hashBytes(b)
	}
	return hashBytes(cb)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
