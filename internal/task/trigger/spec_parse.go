package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind is what a schedule string normalizes to.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
	ScheduleOnce
)

// Schedule is a parsed schedule string. Exactly one of Cron, Every and At is
// set, according to Kind.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 0 3 * * *" (with seconds), "@hourly", "@every 55m"
//   - duration interval: "55m", "2h30m"
//   - HH:MM interval: "00:50" is every 50 minutes, "02:30" every 2h30m
//   - "cron:", "interval:"/"every:" force a form; "at:"/"once:" run once at
//     an RFC 3339 time
type Schedule struct {
	Kind   ScheduleKind
	Cron   string
	Every  time.Duration
	At     time.Time
	Source string // cron, duration, hhmm or rfc3339
}

var prefixed = []struct {
	prefixes []string
	parse    func(string) (Schedule, error)
}{
	{[]string{"cron:"}, cronSchedule},
	{[]string{"interval:", "every:"}, intervalSchedule},
	{[]string{"at:", "once:"}, onceSchedule},
}

// ParseSchedule parses raw without checking cron field ranges. Use
// ValidateSchedule for that.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	for _, p := range prefixed {
		for _, prefix := range p.prefixes {
			if strings.HasPrefix(low, prefix) {
				return p.parse(strings.TrimSpace(s[len(prefix):]))
			}
		}
	}

	// Unprefixed: whitespace or a descriptor means cron, otherwise an
	// interval.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSchedule(s)
	}
	sch, err := intervalSchedule(s)
	if err == nil || isClock(s) {
		return sch, err
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or at:<RFC 3339>)",
		raw,
	)
}

// ValidateSchedule reports whether Add would accept raw, including cron
// field ranges.
func ValidateSchedule(raw string) error {
	sch, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if sch.Kind != ScheduleCron {
		return nil
	}
	if _, err := cronParser.Parse(sch.Cron); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", sch.Cron, err)
	}
	return nil
}

func cronSchedule(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, errors.New("cron expression required")
	}
	return Schedule{Kind: ScheduleCron, Cron: expr, Source: "cron"}, nil
}

func intervalSchedule(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, errors.New("interval required")
	}
	sch := Schedule{Kind: ScheduleInterval, Source: "duration"}
	if isClock(v) {
		h, m, err := splitClock(v)
		if err != nil {
			return Schedule{}, err
		}
		if m > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		sch.Every = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		sch.Source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
		sch.Every = d
	}
	if sch.Every <= 0 {
		return Schedule{}, errors.New("interval must be > 0")
	}
	return sch, nil
}

func onceSchedule(v string) (Schedule, error) {
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid one-shot time %q (use RFC 3339 like '2026-01-02T15:04:05Z')", v)
	}
	return Schedule{Kind: ScheduleOnce, At: at, Source: "rfc3339"}, nil
}

// isClock reports whether s looks like H:MM, HH:MM or HHH:MM.
func isClock(s string) bool {
	h, m, ok := strings.Cut(s, ":")
	return ok && len(h) >= 1 && len(h) <= 3 && len(m) == 2 && allDigits(h) && allDigits(m)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func splitClock(s string) (h, m int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if m, err = strconv.Atoi(ms); err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// parseTimeOfDay parses a daily wall-clock time.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	hour, minute, err = splitClock(s)
	if err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
