package trigger

import (
	"errors"
	"time"

	logx "taskd/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen during normal operation.
	if errors.Is(err, errOverlap) {
		s.log.Debug("trigger skipped", logx.String("trigger", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("trigger failed to submit task", logx.String("trigger", name), logx.Err(err))
}
