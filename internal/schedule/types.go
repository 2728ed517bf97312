package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects which recurrence sub-shape of a Schedule is meaningful.
type Kind string

const (
	KindOneTime   Kind = "one-time"
	KindInterval  Kind = "interval"
	KindCron      Kind = "cron"
	KindRecurring Kind = "recurring"
)

// RecurrenceType refines KindRecurring.
type RecurrenceType string

const (
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurYearly  RecurrenceType = "yearly"
)

// TimeUnit is the step unit of KindInterval schedules.
type TimeUnit string

const (
	UnitMinute TimeUnit = "minute"
	UnitHour   TimeUnit = "hour"
	UnitDay    TimeUnit = "day"
)

// Interaction is the policy applied when a schedule fires while the runner
// is already busy.
type Interaction string

const (
	InteractWait      Interaction = "wait"
	InteractInterrupt Interaction = "interrupt"
	InteractSkip      Interaction = "skip"
)

// PromptSelection says where a schedule's instructions come from.
type PromptSelection string

const (
	PromptCustom PromptSelection = "custom"
	PromptSaved  PromptSelection = "saved"
)

// Schedule is the sole persistent entity of the engine. Fields not
// applicable to the active Kind are advisory and ignored; the calculator
// treats missing required fields for the active kind as "no occurrence".
type Schedule struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId,omitempty"`

	Mode            string          `json:"mode"`
	Instructions    string          `json:"instructions,omitempty"`
	PromptSelection PromptSelection `json:"promptSelectionType,omitempty"`
	SavedPromptID   string          `json:"savedPromptId,omitempty"`

	Kind Kind `json:"scheduleKind"`

	// Anchor instant for one-time schedules and the optional explicit start
	// of interval schedules. StartDate is a local calendar date (YYYY-MM-DD).
	StartDate   string `json:"startDate,omitempty"`
	StartHour   int    `json:"startHour,omitempty"`
	StartMinute int    `json:"startMinute,omitempty"`

	// Interval shape.
	TimeInterval int      `json:"timeInterval,omitempty"`
	TimeUnit     TimeUnit `json:"timeUnit,omitempty"`

	// Cron shape.
	CronExpression string `json:"cronExpression,omitempty"`

	// Recurring shape. SelectedDays doubles as the weekday filter of
	// interval schedules; keys are lowercase English weekday names.
	Recurrence      RecurrenceType  `json:"recurrenceType,omitempty"`
	ExecutionHour   int             `json:"executionHour,omitempty"`
	ExecutionMinute int             `json:"executionMinute,omitempty"`
	SelectedDays    map[string]bool `json:"selectedDays,omitempty"`
	DayOfMonth      int             `json:"dayOfMonth,omitempty"`
	MonthOfYear     int             `json:"monthOfYear,omitempty"`

	Interaction            Interaction `json:"taskInteraction,omitempty"`
	InactivityDelayMinutes int         `json:"inactivityDelayMinutes,omitempty"`
	RequireActivity        bool        `json:"requireActivity,omitempty"`

	Active         bool       `json:"active"`
	ExecutionCount int        `json:"executionCount,omitempty"`
	MaxExecutions  int        `json:"maxExecutions,omitempty"`
	LastExecution  *time.Time `json:"lastExecutionTime,omitempty"`
	LastSkipped    *time.Time `json:"lastSkippedTime,omitempty"`
	LastTaskID     string     `json:"lastTaskId,omitempty"`
	NextExecution  *time.Time `json:"nextExecutionTime,omitempty"`
	Expiration     *time.Time `json:"expirationDateTime,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// scheduleJSON mirrors Schedule with Active as a pointer so that records
// persisted before the field existed decode as active. This is the single
// place where the "active unless explicitly false" legacy rule lives.
type scheduleJSON struct {
	Active *bool `json:"active,omitempty"`
	scheduleAlias
}

type scheduleAlias Schedule

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var raw scheduleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Schedule(raw.scheduleAlias)
	out.Active = raw.Active == nil || *raw.Active
	*s = out
	return nil
}

// NewID returns a fresh schedule identifier.
func NewID() string { return uuid.NewString() }

// weekdayNames indexes lowercase names by time.Weekday (Sunday = 0).
var weekdayNames = [7]string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

// WeekdayKey returns the SelectedDays key for a weekday.
func WeekdayKey(d time.Weekday) string { return weekdayNames[d] }

// allowedWeekdays returns the per-weekday mask and whether any day is set.
func (s *Schedule) allowedWeekdays() (mask [7]bool, any bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.SelectedDays[weekdayNames[d]] {
			mask[d] = true
			any = true
		}
	}
	return mask, any
}

// startInstant builds the configured start instant in loc, or an error when
// no start date is configured / the date does not parse.
func (s *Schedule) startInstant(loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(s.StartDate)
	if raw == "" {
		return time.Time{}, errors.New("no start date configured")
	}
	d, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start date %q: %w", raw, err)
	}
	if s.StartHour < 0 || s.StartHour > 23 || s.StartMinute < 0 || s.StartMinute > 59 {
		return time.Time{}, fmt.Errorf("invalid start time %02d:%02d", s.StartHour, s.StartMinute)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), s.StartHour, s.StartMinute, 0, 0, loc), nil
}

// Normalize fills defaults that the data model documents: wait interaction,
// custom prompt selection. It does not validate.
func (s *Schedule) Normalize() {
	if s.Interaction == "" {
		s.Interaction = InteractWait
	}
	if s.PromptSelection == "" {
		s.PromptSelection = PromptCustom
	}
}

// Validate checks the fields required by the active kind. The calculator is
// tolerant (it degrades to "no occurrence"); Validate exists so the
// lifecycle API can reject obviously broken records at the boundary.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Mode) == "" {
		return errors.New("mode is required")
	}
	if s.PromptSelection == PromptSaved && strings.TrimSpace(s.SavedPromptID) == "" {
		return errors.New("savedPromptId is required for saved prompt selection")
	}
	if s.Interaction == InteractWait && s.InactivityDelayMinutes <= 0 {
		return errors.New("inactivityDelayMinutes must be > 0 for wait interaction")
	}

	switch s.Kind {
	case KindOneTime:
		if _, err := s.startInstant(time.UTC); err != nil {
			return err
		}
	case KindInterval:
		if s.TimeInterval <= 0 {
			return errors.New("timeInterval must be > 0")
		}
		switch s.TimeUnit {
		case UnitMinute, UnitHour, UnitDay:
		default:
			return fmt.Errorf("unknown timeUnit %q", s.TimeUnit)
		}
	case KindCron:
		if strings.TrimSpace(s.CronExpression) == "" {
			return errors.New("cronExpression is required")
		}
	case KindRecurring:
		if s.ExecutionHour < 0 || s.ExecutionHour > 23 || s.ExecutionMinute < 0 || s.ExecutionMinute > 59 {
			return fmt.Errorf("invalid execution time %02d:%02d", s.ExecutionHour, s.ExecutionMinute)
		}
		switch s.Recurrence {
		case RecurDaily:
		case RecurWeekly:
			if _, any := s.allowedWeekdays(); !any {
				return errors.New("weekly recurrence needs at least one selected day")
			}
		case RecurMonthly:
			if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
				return errors.New("dayOfMonth must be 1-31")
			}
		case RecurYearly:
			if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
				return errors.New("dayOfMonth must be 1-31")
			}
			if s.MonthOfYear < 1 || s.MonthOfYear > 12 {
				return errors.New("monthOfYear must be 1-12")
			}
		default:
			return fmt.Errorf("unknown recurrenceType %q", s.Recurrence)
		}
	default:
		return fmt.Errorf("unknown scheduleKind %q", s.Kind)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	if s.SelectedDays != nil {
		cp.SelectedDays = make(map[string]bool, len(s.SelectedDays))
		for k, v := range s.SelectedDays {
			cp.SelectedDays[k] = v
		}
	}
	cp.LastExecution = copyTime(s.LastExecution)
	cp.LastSkipped = copyTime(s.LastSkipped)
	cp.NextExecution = copyTime(s.NextExecution)
	cp.Expiration = copyTime(s.Expiration)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
