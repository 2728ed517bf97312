package engine

import (
	"errors"
	"fmt"

	"cadence/internal/eventbus"
	"cadence/internal/history"
	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

// ErrNotFound is returned by lookups for an unknown schedule id.
var ErrNotFound = errors.New("schedule not found")

// Create validates and stores a new schedule and, when it is active, arms
// its timer. Missing id and timestamps are filled in.
func (s *Service) Create(sc *schedule.Schedule) (*schedule.Schedule, error) {
	in := sc.Clone()
	in.Normalize()
	if in.ID == "" {
		in.ID = schedule.NewID()
	}
	now := s.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if err := in.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.findLocked(in.ID) != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule %s already exists", in.ID)
	}
	s.schedules = append(s.schedules, in)
	s.installLocked(in)
	s.persistLocked()
	out := in.Clone()
	s.mu.Unlock()

	s.log.Info("schedule created",
		logx.String("schedule", out.ID), logx.String("kind", string(out.Kind)))
	s.notifyChanged()
	return out, nil
}

// Update applies mutate to the schedule, revalidates it and reinstalls its
// timer. The id is immutable; mutate runs on a copy so a validation failure
// leaves the stored record untouched.
func (s *Service) Update(id string, mutate func(*schedule.Schedule)) (*schedule.Schedule, error) {
	s.mu.Lock()
	cur := s.findLocked(id)
	if cur == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	next := cur.Clone()
	mutate(next)
	next.ID = id
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	next.Normalize()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	*cur = *next
	s.installLocked(cur)
	s.persistLocked()
	out := cur.Clone()
	s.mu.Unlock()

	s.log.Info("schedule updated", logx.String("schedule", id))
	s.notifyChanged()
	return out, nil
}

// Delete removes the schedule and cancels its timer.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	idx := -1
	for i, sc := range s.schedules {
		if sc.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.cancelTimerLocked(id)
	s.schedules = append(s.schedules[:idx], s.schedules[idx+1:]...)
	s.persistLocked()
	s.mu.Unlock()

	s.log.Info("schedule deleted", logx.String("schedule", id))
	s.notifyChanged()
	return nil
}

// ToggleActive sets the schedule's active flag. Setting the flag to its
// current value is a no-op: no timer churn, no persist, no notification.
func (s *Service) ToggleActive(id string, active bool) (*schedule.Schedule, error) {
	s.mu.Lock()
	sc := s.findLocked(id)
	if sc == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if sc.Active == active {
		out := sc.Clone()
		s.mu.Unlock()
		return out, nil
	}
	sc.Active = active
	sc.UpdatedAt = s.now()
	s.installLocked(sc)
	s.persistLocked()
	out := sc.Clone()
	s.mu.Unlock()

	s.log.Info("schedule toggled",
		logx.String("schedule", id), logx.Bool("active", active))
	s.notifyChanged()
	return out, nil
}

// Duplicate copies a schedule's configuration into a fresh inactive record:
// new id, zeroed execution history, no timer until the copy is activated.
func (s *Service) Duplicate(id string) (*schedule.Schedule, error) {
	s.mu.Lock()
	src := s.findLocked(id)
	if src == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	cp := src.Clone()
	cp.ID = schedule.NewID()
	cp.Active = false
	cp.ExecutionCount = 0
	cp.LastExecution = nil
	cp.LastSkipped = nil
	cp.LastTaskID = ""
	cp.NextExecution = nil
	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.schedules = append(s.schedules, cp)
	s.persistLocked()
	out := cp.Clone()
	s.mu.Unlock()

	s.log.Info("schedule duplicated",
		logx.String("source", id), logx.String("schedule", out.ID))
	s.notifyChanged()
	return out, nil
}

// RunNow starts the schedule's task immediately, outside the timer cycle.
// It touches no bookkeeping: executionCount, lastExecutionTime and the
// pending timer are all left as they were.
func (s *Service) RunNow(id string) (string, error) {
	s.mu.Lock()
	sc := s.findLocked(id)
	if sc == nil {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	mode := sc.Mode
	instr, err := s.instructions(sc)
	ctx := s.runCtx
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if ctx == nil {
		return "", errors.New("engine not started")
	}

	taskID, err := s.run.Start(ctx, mode, instr)
	if err != nil {
		return "", err
	}
	s.log.Info("schedule run on demand",
		logx.String("schedule", id), logx.String("task", taskID))
	s.record(history.Entry{
		ScheduleID: id,
		Mode:       mode,
		TaskID:     taskID,
		Outcome:    history.OutcomeManual,
	})
	s.publishRun(eventbus.TypeRunStarted, id, taskID, "manual")
	return taskID, nil
}

// Get returns a copy of one schedule.
func (s *Service) Get(id string) (*schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.findLocked(id)
	if sc == nil {
		return nil, ErrNotFound
	}
	return sc.Clone(), nil
}

// List returns copies of all schedules in storage order.
func (s *Service) List() []schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, *sc.Clone())
	}
	return out
}
