package engine

import (
	"time"

	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// retired reports whether a schedule with no next occurrence reached the
// normal end of its life rather than hitting a configuration defect.
func retired(sc *schedule.Schedule) bool {
	if sc.MaxExecutions > 0 && sc.ExecutionCount >= sc.MaxExecutions {
		return true
	}
	return sc.Kind == schedule.KindOneTime && sc.LastExecution != nil
}

// cancelTimerLocked stops the schedule's pending timer, if any, and bumps
// its version so a callback already in flight sees itself stale and aborts.
func (s *Service) cancelTimerLocked(id string) {
	s.timerVer[id]++
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// installAllLocked reinstalls timers for the full list. Returns true when any
// record was mutated as a side effect (consumed one-times, cleared pointers,
// expirations) and needs persisting.
func (s *Service) installAllLocked() bool {
	dirty := false
	for _, sc := range s.schedules {
		if s.installLocked(sc) {
			dirty = true
		}
	}
	return dirty
}

// installLocked computes the schedule's next occurrence and arms a timer for
// it. Inactive schedules get no timer and a cleared next-run pointer. A
// schedule whose next occurrence falls past its expiration is deactivated.
// Occurrences already due fire immediately.
//
// Returns true when the record changed and the caller must persist.
func (s *Service) installLocked(sc *schedule.Schedule) bool {
	s.cancelTimerLocked(sc.ID)

	changed := false
	if !sc.Active {
		if sc.NextExecution != nil {
			sc.NextExecution = nil
			changed = true
		}
		return changed
	}

	now := s.now()
	next, err := schedule.NextOccurrence(sc, now)
	if err != nil {
		// A consumed one-time or an exhausted execution cap is the normal
		// end of a schedule's life. Anything else is a configuration defect
		// (bad cron, impossible day-of-month) leaving the schedule dormant,
		// and the operator should hear about it.
		if retired(sc) {
			s.log.Debug("schedule retired",
				logx.String("schedule", sc.ID), logx.Err(err))
		} else {
			s.log.Warn("schedule yields no occurrence, going dormant",
				logx.String("schedule", sc.ID),
				logx.String("kind", string(sc.Kind)),
				logx.Err(err))
		}
		if sc.NextExecution != nil {
			sc.NextExecution = nil
			changed = true
		}
		// A one-time schedule with no remaining occurrence is consumed.
		if sc.Kind == schedule.KindOneTime {
			sc.Active = false
			changed = true
		}
		return changed
	}

	if sc.Expiration != nil && next.After(*sc.Expiration) {
		s.log.Info("schedule expired",
			logx.String("schedule", sc.ID), logx.Time("next", next))
		sc.Active = false
		sc.NextExecution = nil
		return true
	}

	if sc.NextExecution == nil || !sc.NextExecution.Equal(next) {
		t := next
		sc.NextExecution = &t
		changed = true
	}

	ver := s.timerVer[sc.ID]
	delay := next.Sub(now)
	if delay <= 0 {
		// Due already (catch-up or a past one-time): run it now instead of
		// arming a zero timer.
		go s.fire(sc.ID, ver)
		return changed
	}
	s.timers[sc.ID] = time.AfterFunc(delay, func() { s.fire(sc.ID, ver) })
	s.log.Debug("timer armed",
		logx.String("schedule", sc.ID),
		logx.Time("next", next),
		logx.Duration("in", delay),
	)
	return changed
}

// recheckLocked re-arms the schedule's timer at the wait-policy interval
// without touching its version, so a later edit still invalidates it.
func (s *Service) recheckLocked(id string, ver uint64) {
	s.timers[id] = time.AfterFunc(s.cfg.WaitRecheck, func() { s.fire(id, ver) })
}
