package trigger

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     ScheduleKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: ScheduleCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: ScheduleCron, source: "cron"},
		{name: "duration", raw: "10m", kind: ScheduleInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: ScheduleInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: ScheduleInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "descriptor", raw: "@every 2m", kind: ScheduleCron, source: "cron"},
		{name: "one shot", raw: "at:2026-07-01T09:00:00Z", kind: ScheduleOnce, source: "rfc3339"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == ScheduleInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "interval:-5m", "at:tomorrow", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseScheduleOnceTime(t *testing.T) {
	t.Parallel()
	got, err := ParseSchedule("once:2026-07-01T09:00:00+07:00")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	want := time.Date(2026, 7, 1, 2, 0, 0, 0, time.UTC)
	if !got.At.Equal(want) {
		t.Fatalf("At = %v, want %v", got.At, want)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	h, m, err := parseTimeOfDay(" 23:15 ")
	if err != nil || h != 23 || m != 15 {
		t.Fatalf("parseTimeOfDay = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", "1230"} {
		if _, _, err := parseTimeOfDay(bad); err == nil {
			t.Fatalf("parseTimeOfDay(%q) accepted", bad)
		}
	}
}

func TestIsClock(t *testing.T) {
	t.Parallel()
	for s, want := range map[string]bool{
		"0:05":   true,
		"02:30":  true,
		"100:00": true,
		"1000:0": false,
		"2:3":    false,
		"ab:cd":  false,
		"15m":    false,
	} {
		if got := isClock(s); got != want {
			t.Fatalf("isClock(%q) = %v", s, got)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"*/5 * * * *", "0 0 3 * * *", "@daily", "15m", "00:30", "at:2030-01-02T03:04:05Z"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "61 * * * *", "cron:* * *", "soon"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("ValidateSchedule(%q) accepted", bad)
		}
	}
}
