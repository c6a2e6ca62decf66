package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/executor"
	"taskd/internal/observability/debug"
	"taskd/internal/task/engine"
	"taskd/internal/task/retry"
	"taskd/internal/task/scheduler"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRetryPolicy(cfg *Config) (retry.Policy, error) {
	base, err := parseDurationField("retry.base", cfg.Retry.Base)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := parseDurationField("retry.max_delay", cfg.Retry.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	if j := cfg.Retry.Jitter; j < 0 || j > 1 {
		return retry.Policy{}, fmt.Errorf("retry.jitter must be within [0,1], got %v", j)
	}
	return retry.Policy{Base: base, MaxDelay: maxDelay, Jitter: cfg.Retry.Jitter}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.Workers < 0 {
		return scheduler.Config{}, errors.New("scheduler.workers must be >= 0")
	}
	if sc.DefaultMaxAttempts < 0 {
		return scheduler.Config{}, errors.New("scheduler.default_max_attempts must be >= 0")
	}
	if sc.HistorySize < 0 {
		return scheduler.Config{}, errors.New("scheduler.history_size must be >= 0")
	}
	if sc.RatePerSec < 0 || sc.RateBurst < 0 {
		return scheduler.Config{}, errors.New("scheduler.rate_per_sec and scheduler.rate_burst must be >= 0")
	}
	timeout, err := parseDurationField("scheduler.task_timeout", sc.TaskTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}

	every, enabled, err := parseInterval("scheduler.snapshot_every", sc.SnapshotEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	if !enabled {
		every = -1
	}

	retryPolicy, err := mapRetryPolicy(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		DefaultMaxAttempts: sc.DefaultMaxAttempts,
		SnapshotEvery:      every,
		Retry:              retryPolicy,
		Engine: engine.Config{
			Workers:     sc.Workers,
			TaskTimeout: timeout,
			RatePerSec:  sc.RatePerSec,
			RateBurst:   sc.RateBurst,
			HistorySize: sc.HistorySize,
		},
	}, nil
}

func mapExecutorConfig(cfg *Config) (executor.Config, error) {
	cc := cfg.Executors.Command
	hc := cfg.Executors.HTTP
	if cc.MaxOutput < 0 {
		return executor.Config{}, errors.New("executors.command.max_output must be >= 0")
	}
	if hc.MaxBody < 0 {
		return executor.Config{}, errors.New("executors.http.max_body must be >= 0")
	}
	grace, err := parseDurationField("executors.command.kill_grace", cc.KillGrace)
	if err != nil {
		return executor.Config{}, err
	}
	timeout, err := parseDurationField("executors.http.timeout", hc.Timeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Command: executor.CommandConfig{
			Enabled:   cc.Enabled,
			Shell:     strings.TrimSpace(cc.Shell),
			Dir:       strings.TrimSpace(cc.Dir),
			MaxOutput: cc.MaxOutput,
			KillGrace: grace,
		},
		HTTP: executor.HTTPConfig{
			Enabled:   hc.Enabled,
			Timeout:   timeout,
			MaxBody:   hc.MaxBody,
			UserAgent: strings.TrimSpace(hc.UserAgent),
		},
	}, nil
}

// mapTriggerSpecs converts and syntax-checks the trigger list. Names must
// be unique.
func mapTriggerSpecs(cfg *Config) ([]trigger.Spec, error) {
	out := make([]trigger.Spec, 0, len(cfg.Triggers))
	seen := make(map[string]struct{}, len(cfg.Triggers))
	for i, tc := range cfg.Triggers {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, fmt.Errorf("triggers[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("triggers[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if err := trigger.ValidateSchedule(tc.Schedule); err != nil {
			return nil, fmt.Errorf("triggers[%d] (%s): %w", i, name, err)
		}
		overlap, err := trigger.ParseOverlap(tc.Overlap)
		if err != nil {
			return nil, fmt.Errorf("triggers[%d] (%s): %w", i, name, err)
		}
		d := tc.Task.Clone()
		if strings.TrimSpace(d.Name) == "" {
			d.Name = name
		}
		out = append(out, trigger.Spec{Name: name, Schedule: tc.Schedule, Overlap: overlap, Descriptor: d})
	}
	return out, nil
}

func mapDebugConfig(cfg *Config) (debug.Config, error) {
	dc := cfg.Debug
	rt, err := parseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// profile and trace stream for up to 30s by default
	wt, err := parseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// validateConfig runs every mapping so a bad hot reload is rejected before
// it is committed.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	_, err := mapTriggerSpecs(cfg)
	return err
}
