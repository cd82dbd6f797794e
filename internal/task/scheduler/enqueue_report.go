package scheduler

import (
	"errors"
	"time"

	"carebot/internal/task/engine"
	logx "carebot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a failed dispatch. Runs on the loop goroutine.
func (s *Service) reportEnqueueError(ruleID string, err error) {
	// A rule still running its previous firing is normal (coalescing).
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire coalesced: previous delivery still running", logx.Rule(ruleID))
		return
	}
	now := s.now()
	if last := s.lastEnqWarn[ruleID]; !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		return
	}
	s.lastEnqWarn[ruleID] = now
	s.log.Warn("fire dropped: enqueue failed", logx.Rule(ruleID), logx.Err(err))
}
