package app

import (
	"time"

	"taskd/internal/config"
	"taskd/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(field, raw string) (time.Duration, error) {
	return config.Duration(field, raw)
}

func parseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	return config.DurationOr(field, raw, def)
}

func parseInterval(field, raw string) (time.Duration, bool, error) {
	return config.Interval(field, raw)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
