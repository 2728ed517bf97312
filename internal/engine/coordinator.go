package engine

import (
	"fmt"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/history"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// fire is the timer callback for one due occurrence. ver is the timer
// version the callback was armed with; a mismatch means the schedule was
// edited, toggled or deleted after arming and the callback must not act.
func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.timerVer[id] != ver {
		return
	}
	delete(s.timers, id)

	sc := s.findLocked(id)
	if sc == nil || !sc.Active {
		return
	}

	now := s.now()
	if sc.Expiration != nil && now.After(*sc.Expiration) {
		s.log.Info("schedule expired at fire time", logx.String("schedule", sc.ID))
		sc.Active = false
		sc.NextExecution = nil
		s.persistLocked()
		s.notifyChanged()
		return
	}

	if sc.RequireActivity && !s.activitySinceLocked(sc) {
		s.skipLocked(sc, now, "no activity since last run")
		return
	}

	if s.run.HasActiveTask() {
		switch sc.Interaction {
		case schedule.InteractSkip:
			s.skipLocked(sc, now, "runner busy")
			return
		case schedule.InteractInterrupt:
			if err := s.run.Interrupt(s.runCtx); err != nil {
				s.log.Warn("interrupt failed, proceeding",
					logx.String("schedule", sc.ID), logx.Err(err))
			}
		default: // wait
			if !s.idleLongEnoughLocked(sc, now) {
				s.log.Debug("runner busy, waiting",
					logx.String("schedule", sc.ID),
					logx.Duration("recheck", s.cfg.WaitRecheck))
				s.recheckLocked(id, ver)
				return
			}
			if err := s.run.Interrupt(s.runCtx); err != nil {
				s.log.Warn("interrupt after idle wait failed, proceeding",
					logx.String("schedule", sc.ID), logx.Err(err))
			}
		}
	}

	s.executeLocked(sc, now)
}

// idleLongEnoughLocked reports whether the active task has been idle for at
// least the schedule's inactivity delay. A task with no observed activity at
// all counts as idle.
func (s *Service) idleLongEnoughLocked(sc *schedule.Schedule, now time.Time) bool {
	last, ok := s.run.LastActivity()
	if !ok {
		return true
	}
	delay := time.Duration(sc.InactivityDelayMinutes) * time.Minute
	return now.Sub(last) >= delay
}

// activitySinceLocked reports whether the runner saw any activity after the
// schedule's previous execution. Never-executed schedules always pass the
// gate.
func (s *Service) activitySinceLocked(sc *schedule.Schedule) bool {
	if sc.LastExecution == nil {
		return true
	}
	at, ok := s.run.LastActivityFor(sc.LastTaskID)
	if !ok {
		at, ok = s.run.LastActivity()
	}
	return ok && at.After(*sc.LastExecution)
}

// executeLocked resolves the schedule's instructions, starts the task and
// records the bookkeeping of one execution cycle.
func (s *Service) executeLocked(sc *schedule.Schedule, now time.Time) {
	instr, err := s.instructions(sc)
	if err != nil {
		s.failLocked(sc, now, err)
		return
	}

	s.publishRun(eventbus.TypeRunStarted, sc.ID, "", "")
	taskID, err := s.run.Start(s.runCtx, sc.Mode, instr)
	if err != nil {
		s.failLocked(sc, now, err)
		return
	}

	sc.LastExecution = &now
	sc.LastTaskID = taskID
	sc.ExecutionCount++
	if sc.Kind == schedule.KindOneTime {
		sc.Active = false
		sc.NextExecution = nil
	} else {
		s.installLocked(sc)
	}
	s.persistLocked()

	s.log.Info("schedule executed",
		logx.String("schedule", sc.ID),
		logx.String("task", taskID),
		logx.Int("count", sc.ExecutionCount),
	)
	s.record(history.Entry{
		At:         now,
		ScheduleID: sc.ID,
		Mode:       sc.Mode,
		TaskID:     taskID,
		Outcome:    history.OutcomeCompleted,
		TookMS:     s.now().Sub(now).Milliseconds(),
	})
	s.publishRun(eventbus.TypeRunFinished, sc.ID, taskID, "")
	s.notifyChanged()
}

// failLocked handles a start failure. One-time schedules stay inactive;
// repeating schedules are rescheduled for their next slot so a transient
// failure does not strand them.
func (s *Service) failLocked(sc *schedule.Schedule, now time.Time, cause error) {
	s.log.Error("schedule execution failed",
		logx.String("schedule", sc.ID), logx.Err(cause))

	if sc.Kind == schedule.KindOneTime {
		sc.Active = false
		sc.NextExecution = nil
	} else {
		s.installLocked(sc)
	}
	s.persistLocked()

	s.record(history.Entry{
		At:         now,
		ScheduleID: sc.ID,
		Mode:       sc.Mode,
		Outcome:    history.OutcomeFailed,
		Error:      cause.Error(),
	})
	s.publishRun(eventbus.TypeRunFailed, sc.ID, "", cause.Error())
	s.notifyChanged()
}

// skipLocked records a skipped occurrence and advances the schedule past it.
func (s *Service) skipLocked(sc *schedule.Schedule, now time.Time, reason string) {
	s.log.Info("occurrence skipped",
		logx.String("schedule", sc.ID), logx.String("reason", reason))

	sc.LastSkipped = &now
	if sc.Kind == schedule.KindOneTime {
		sc.Active = false
		sc.NextExecution = nil
	} else {
		s.installLocked(sc)
	}
	s.persistLocked()

	s.record(history.Entry{
		At:         now,
		ScheduleID: sc.ID,
		Mode:       sc.Mode,
		Outcome:    history.OutcomeSkipped,
		Error:      reason,
	})
	s.publishRun(eventbus.TypeRunSkipped, sc.ID, "", reason)
	s.notifyChanged()
}

func (s *Service) instructions(sc *schedule.Schedule) (string, error) {
	if sc.PromptSelection != schedule.PromptSaved {
		return sc.Instructions, nil
	}
	if s.pr == nil {
		return "", fmt.Errorf("schedule %s uses saved prompt %s but no prompt source is configured", sc.ID, sc.SavedPromptID)
	}
	text, err := s.pr.Prompt(sc.SavedPromptID)
	if err != nil {
		return "", fmt.Errorf("resolve saved prompt %s: %w", sc.SavedPromptID, err)
	}
	return text, nil
}
