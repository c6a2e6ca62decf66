package config

import "taskd/internal/task"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Executors ExecutorsConfig `json:"executors"`
	Triggers  []TriggerConfig `json:"triggers,omitempty"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	Workers            int     `json:"workers"`
	DefaultMaxAttempts int     `json:"default_max_attempts"`
	TaskTimeout        string  `json:"task_timeout"`
	RatePerSec         float64 `json:"rate_per_sec"`
	RateBurst          int     `json:"rate_burst"`
	HistorySize        int     `json:"history_size"`

	// SnapshotEvery is the checkpoint interval. "0" or "off" disables
	// periodic checkpoints; empty means the default.
	SnapshotEvery string `json:"snapshot_every"`

	Timezone string `json:"timezone"` // IANA TZ for triggers, e.g. "Asia/Jakarta"
}

type RetryConfig struct {
	Base     string  `json:"base"`      // e.g. "500ms"
	MaxDelay string  `json:"max_delay"` // e.g. "15s"
	Jitter   float64 `json:"jitter"`    // 0..1
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"` // sqlite only, e.g. "1s"
}

type ExecutorsConfig struct {
	Command CommandConfig `json:"command"`
	HTTP    HTTPConfig    `json:"http"`
}

type CommandConfig struct {
	Enabled   bool   `json:"enabled"`
	Shell     string `json:"shell"`
	Dir       string `json:"dir"`
	MaxOutput int    `json:"max_output"`
	KillGrace string `json:"kill_grace"`
}

type HTTPConfig struct {
	Enabled   bool   `json:"enabled"`
	Timeout   string `json:"timeout"`
	MaxBody   int64  `json:"max_body"`
	UserAgent string `json:"user_agent"`
}

// TriggerConfig submits Task on every tick of Schedule.
type TriggerConfig struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule"`
	Overlap  string          `json:"overlap,omitempty"` // skip|allow
	Task     task.Descriptor `json:"task"`
}

// DebugConfig controls the HTTP endpoint with scheduler state and pprof.
// A non-loopback addr requires a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
}
