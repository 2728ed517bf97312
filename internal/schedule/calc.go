package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoOccurrence is returned when a schedule has no future fire time. It
// covers both the legitimate cases (a consumed one-time schedule, an
// exhausted maxExecutions cap) and configuration defects; callers that want
// to distinguish can inspect the wrapped cause.
var ErrNoOccurrence = errors.New("no next occurrence")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextOccurrence computes the next instant strictly after now at which the
// schedule should fire. It is a pure function: no clocks, no side effects,
// no logging. A one-time result may lie in the past; whether "past due"
// means "fire immediately" is the dispatcher's call.
func NextOccurrence(s *Schedule, now time.Time) (time.Time, error) {
	if s.MaxExecutions > 0 && s.ExecutionCount >= s.MaxExecutions {
		return time.Time{}, fmt.Errorf("%w: execution cap reached (%d)", ErrNoOccurrence, s.MaxExecutions)
	}

	switch s.Kind {
	case KindOneTime:
		return nextOneTime(s, now)
	case KindInterval:
		return nextInterval(s, now)
	case KindCron:
		return nextCron(s, now)
	case KindRecurring:
		return nextRecurring(s, now)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown scheduleKind %q", ErrNoOccurrence, s.Kind)
	}
}

func nextOneTime(s *Schedule, now time.Time) (time.Time, error) {
	at, err := s.startInstant(now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoOccurrence, err)
	}
	// Already ran at (or after) its instant: consumed.
	if s.LastExecution != nil && !s.LastExecution.Before(at) {
		return time.Time{}, fmt.Errorf("%w: one-time schedule already executed", ErrNoOccurrence)
	}
	return at, nil
}

func nextInterval(s *Schedule, now time.Time) (time.Time, error) {
	if s.TimeInterval <= 0 {
		return time.Time{}, fmt.Errorf("%w: timeInterval must be > 0", ErrNoOccurrence)
	}
	var step time.Duration
	switch s.TimeUnit {
	case UnitMinute:
		step = time.Duration(s.TimeInterval) * time.Minute
	case UnitHour:
		step = time.Duration(s.TimeInterval) * time.Hour
	case UnitDay:
		// DST-naive on purpose: a "day" is a fixed 24h step.
		step = time.Duration(s.TimeInterval) * 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("%w: unknown timeUnit %q", ErrNoOccurrence, s.TimeUnit)
	}

	// Reference point, in priority order: explicit start, last execution,
	// last skip, now.
	ref := now
	hasStart := strings.TrimSpace(s.StartDate) != ""
	switch {
	case hasStart:
		at, err := s.startInstant(now.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrNoOccurrence, err)
		}
		ref = at
	case s.LastExecution != nil:
		ref = *s.LastExecution
	case s.LastSkipped != nil:
		ref = *s.LastSkipped
	}

	// Catch-up: jump to the first slot strictly after now. A dormant
	// process does not replay missed slots.
	cand := ref
	if !cand.After(now) {
		steps := now.Sub(cand)/step + 1
		cand = cand.Add(steps * step)
	}

	mask, any := s.allowedWeekdays()
	if !any || mask[cand.Weekday()] {
		return cand, nil
	}

	// Roll forward one calendar day at a time until an allowed weekday,
	// resetting the time-of-day to the configured start time. Bounded to a
	// week of search: an empty week means no occurrence.
	h, m := cand.Hour(), cand.Minute()
	if hasStart {
		h, m = s.StartHour, s.StartMinute
	}
	for i := 1; i <= 7; i++ {
		d := time.Date(cand.Year(), cand.Month(), cand.Day()+i, h, m, 0, 0, cand.Location())
		if mask[d.Weekday()] {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no allowed weekday within 7 days", ErrNoOccurrence)
}

func nextCron(s *Schedule, now time.Time) (time.Time, error) {
	expr := strings.TrimSpace(s.CronExpression)
	if expr == "" {
		return time.Time{}, fmt.Errorf("%w: cronExpression is empty", ErrNoOccurrence)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron parse: %v", ErrNoOccurrence, err)
	}
	// Seed at the later of now and the last execution so the slot that just
	// fired is never selected again. cron.Next is already strictly-after.
	seed := now
	if s.LastExecution != nil && s.LastExecution.After(seed) {
		seed = *s.LastExecution
	}
	next := sched.Next(seed)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron expression has no future occurrence", ErrNoOccurrence)
	}
	return next, nil
}

func nextRecurring(s *Schedule, now time.Time) (time.Time, error) {
	h, m := s.ExecutionHour, s.ExecutionMinute
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid execution time %02d:%02d", ErrNoOccurrence, h, m)
	}
	loc := now.Location()

	switch s.Recurrence {
	case RecurDaily:
		cand := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
		if !cand.After(now) || sameDay(s.LastExecution, cand) {
			cand = cand.AddDate(0, 0, 1)
		}
		if !cand.After(now) {
			return time.Time{}, fmt.Errorf("%w: daily occurrence already passed", ErrNoOccurrence)
		}
		return cand, nil

	case RecurWeekly:
		mask, any := s.allowedWeekdays()
		if !any {
			return time.Time{}, fmt.Errorf("%w: weekly recurrence with no selected days", ErrNoOccurrence)
		}
		for off := 0; off <= 7; off++ {
			cand := time.Date(now.Year(), now.Month(), now.Day()+off, h, m, 0, 0, loc)
			if !mask[cand.Weekday()] {
				continue
			}
			if !cand.After(now) {
				continue
			}
			if sameDay(s.LastExecution, cand) {
				continue
			}
			return cand, nil
		}
		return time.Time{}, fmt.Errorf("%w: no selected weekday found", ErrNoOccurrence)

	case RecurMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("%w: dayOfMonth must be 1-31", ErrNoOccurrence)
		}
		cand, ok := monthlyCandidate(now.Year(), now.Month(), s.DayOfMonth, h, m, loc)
		if ok && cand.After(now) && !sameMonth(s.LastExecution, cand) {
			return cand, nil
		}
		if !ok {
			// Day 31 in a 30-day month: a target day missing from the
			// candidate month yields no occurrence rather than rolling to
			// the next month that has it.
			return time.Time{}, fmt.Errorf("%w: day %d does not exist in %s", ErrNoOccurrence, s.DayOfMonth, now.Month())
		}
		ny, nm := now.Year(), now.Month()+1
		if nm > time.December {
			ny, nm = ny+1, time.January
		}
		cand, ok = monthlyCandidate(ny, nm, s.DayOfMonth, h, m, loc)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: day %d does not exist in %s", ErrNoOccurrence, s.DayOfMonth, nm)
		}
		if !cand.After(now) {
			return time.Time{}, fmt.Errorf("%w: monthly occurrence already passed", ErrNoOccurrence)
		}
		return cand, nil

	case RecurYearly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("%w: dayOfMonth must be 1-31", ErrNoOccurrence)
		}
		if s.MonthOfYear < 1 || s.MonthOfYear > 12 {
			return time.Time{}, fmt.Errorf("%w: monthOfYear must be 1-12", ErrNoOccurrence)
		}
		month := time.Month(s.MonthOfYear)
		cand, ok := monthlyCandidate(now.Year(), month, s.DayOfMonth, h, m, loc)
		if ok && cand.After(now) && !sameYear(s.LastExecution, cand) {
			return cand, nil
		}
		if !ok {
			// Same rule as monthly (e.g. Feb 30, or Feb 29 in a non-leap
			// year).
			return time.Time{}, fmt.Errorf("%w: day %d does not exist in %s %d", ErrNoOccurrence, s.DayOfMonth, month, now.Year())
		}
		cand, ok = monthlyCandidate(now.Year()+1, month, s.DayOfMonth, h, m, loc)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: day %d does not exist in %s %d", ErrNoOccurrence, s.DayOfMonth, month, now.Year()+1)
		}
		if !cand.After(now) {
			return time.Time{}, fmt.Errorf("%w: yearly occurrence already passed", ErrNoOccurrence)
		}
		return cand, nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown recurrenceType %q", ErrNoOccurrence, s.Recurrence)
	}
}

// monthlyCandidate builds year/month/day at h:m, reporting ok=false when the
// day does not exist in that month (time.Date would silently normalize it
// into the next month otherwise).
func monthlyCandidate(year int, month time.Month, day, h, m int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, month, day, h, m, 0, 0, loc)
	if t.Month() != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func sameDay(last *time.Time, cand time.Time) bool {
	if last == nil {
		return false
	}
	l := last.In(cand.Location())
	return l.Year() == cand.Year() && l.YearDay() == cand.YearDay()
}

func sameMonth(last *time.Time, cand time.Time) bool {
	if last == nil {
		return false
	}
	l := last.In(cand.Location())
	return l.Year() == cand.Year() && l.Month() == cand.Month()
}

func sameYear(last *time.Time, cand time.Time) bool {
	if last == nil {
		return false
	}
	return last.In(cand.Location()).Year() == cand.Year()
}
