package engine

import (
	"context"
	"sync"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/history"
	"cadence/internal/runner"
	"cadence/internal/schedule"
	"cadence/internal/store"
	logx "cadence/pkg/logx"
)

// Config tunes the engine.
type Config struct {
	// WaitRecheck is the polling cadence of the wait interaction policy.
	// Defaults to one minute.
	WaitRecheck time.Duration

	// Location is the timezone occurrence math runs in. Defaults to local.
	Location *time.Location
}

// Deps are the engine's collaborators. Store and Runner are required; Bus,
// History and Prompts may be nil (events dropped, no history, saved prompts
// unresolvable).
type Deps struct {
	Log     logx.Logger
	Store   *store.Store
	Runner  runner.Runner
	Bus     eventbus.Bus
	History history.Store
	Prompts runner.PromptSource
}

// Service owns the in-memory schedule list and every live timer. All state
// transitions take the service mutex, which preserves the engine's
// single-writer model: no timer callback ever races a lifecycle mutation on
// the same record.
type Service struct {
	log  logx.Logger
	cfg  Config
	st   *store.Store
	run  runner.Runner
	bus  eventbus.Bus
	hist history.Store
	pr   runner.PromptSource

	mu        sync.Mutex
	schedules []*schedule.Schedule
	timers    map[string]*time.Timer
	timerVer  map[string]uint64
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
}

func New(cfg Config, deps Deps) *Service {
	if cfg.WaitRecheck <= 0 {
		cfg.WaitRecheck = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		st:       deps.Store,
		run:      deps.Runner,
		bus:      deps.Bus,
		hist:     deps.History,
		pr:       deps.Prompts,
		timers:   map[string]*time.Timer{},
		timerVer: map[string]uint64{},
	}
}

func (s *Service) now() time.Time { return time.Now().In(s.cfg.Location) }

// Start loads the store and installs a timer for every active schedule.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loaded := s.st.LoadAll()
	s.schedules = make([]*schedule.Schedule, 0, len(loaded))
	for i := range loaded {
		sc := loaded[i]
		s.schedules = append(s.schedules, &sc)
	}

	dirty := s.installAllLocked()
	if dirty {
		s.persistLocked()
	}
	s.log.Info("engine started",
		logx.Int("schedules", len(s.schedules)),
		logx.String("tz", s.cfg.Location.String()),
	)
}

// Stop cancels every outstanding timer. In-flight fire callbacks see the
// stopped flag (or a bumped timer version) and abort.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	s.log.Info("engine stopped")
}

// Reload re-reads the repository from durable storage and reinstalls all
// timers. Used when the store file was edited externally.
func (s *Service) Reload() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	loaded := s.st.LoadAll()
	s.schedules = make([]*schedule.Schedule, 0, len(loaded))
	for i := range loaded {
		sc := loaded[i]
		s.schedules = append(s.schedules, &sc)
	}
	if s.installAllLocked() {
		s.persistLocked()
	}
	n := len(s.schedules)
	s.mu.Unlock()

	s.log.Info("schedules reloaded", logx.Int("schedules", n))
	s.notifyChanged()
}

// WatchStore blocks watching the schedule file for external edits, feeding
// Reload. Run it in its own goroutine; it returns when ctx is done.
func (s *Service) WatchStore(ctx context.Context) error {
	return s.st.Watch(ctx, s.Reload)
}

func (s *Service) findLocked(id string) *schedule.Schedule {
	for _, sc := range s.schedules {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

// persistLocked flushes the in-memory list. Store failures degrade to a log
// line; the in-memory state stays authoritative until the next flush.
func (s *Service) persistLocked() {
	snap := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		snap = append(snap, *sc.Clone())
	}
	if err := s.st.SaveAll(snap); err != nil {
		s.log.Error("schedule store save failed", logx.Err(err))
	}
}

func (s *Service) notifyChanged() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulesChanged})
}

func (s *Service) publishRun(typ, scheduleID, taskID, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: RunEvent{
		ScheduleID: scheduleID,
		TaskID:     taskID,
		Detail:     detail,
	}})
}

// RunEvent is the payload of run.* bus events.
type RunEvent struct {
	ScheduleID string
	TaskID     string
	Detail     string
}

func (s *Service) record(e history.Entry) {
	if s.hist == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hist.Append(ctx, e); err != nil {
		s.log.Warn("history append failed", logx.Err(err), logx.String("schedule", e.ScheduleID))
	}
}
