package trigger

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval schedule by a random
// offset so triggers registered together do not all fire on the same tick.
// After the first run it delegates to base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns an @every schedule whose first run is pushed
// back by up to min(every, 30s). The chosen offset is returned for logging.
func intervalSchedule(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	jitter := rand.N(spread)
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
