package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/schedule"
	"cadence/internal/store"
	logx "cadence/pkg/logx"
)

type fakeRunner struct {
	mu         sync.Mutex
	busy       bool
	activityAt time.Time
	hasAct     bool
	startErr   error
	starts     []string
	interrupts int
	nextID     int
}

func (f *fakeRunner) HasActiveTask() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeRunner) LastActivity() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activityAt, f.hasAct
}

func (f *fakeRunner) LastActivityFor(string) (time.Time, bool) {
	return f.LastActivity()
}

func (f *fakeRunner) Interrupt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	f.busy = false
	return nil
}

func (f *fakeRunner) Start(_ context.Context, mode, instructions string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	f.starts = append(f.starts, mode+"|"+instructions)
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func newTestService(t *testing.T, run *fakeRunner) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	svc := New(Config{Location: time.UTC, WaitRecheck: time.Minute}, Deps{
		Log:    logx.Nop(),
		Store:  store.New(filepath.Join(t.TempDir(), "schedules.json"), logx.Nop()),
		Runner: run,
		Bus:    bus,
	})
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc, bus
}

// fireNow runs the schedule's pending occurrence synchronously, standing in
// for the armed timer.
func fireNow(t *testing.T, s *Service, id string) {
	t.Helper()
	s.mu.Lock()
	ver := s.timerVer[id]
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.fire(id, ver)
}

func futureInterval(interaction schedule.Interaction) *schedule.Schedule {
	start := time.Now().UTC().Add(48 * time.Hour)
	return &schedule.Schedule{
		Mode:                   "build",
		Instructions:           "run the nightly build",
		Kind:                   schedule.KindInterval,
		StartDate:              start.Format("2006-01-02"),
		StartHour:              12,
		TimeInterval:           30,
		TimeUnit:               schedule.UnitMinute,
		Interaction:            interaction,
		InactivityDelayMinutes: 5,
		Active:                 true,
	}
}

func TestCreateArmsTimer(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeRunner{})

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sc.ID == "" {
		t.Fatal("expected generated id")
	}
	if sc.NextExecution == nil {
		t.Fatal("expected next execution to be computed")
	}

	svc.mu.Lock()
	_, armed := svc.timers[sc.ID]
	svc.mu.Unlock()
	if !armed {
		t.Fatal("expected a timer for the active schedule")
	}
}

func TestBadCronLogsAndGoesDormant(t *testing.T) {
	t.Parallel()
	logSvc, logger := logx.New(logx.Config{
		Level:  "debug",
		Events: logx.EventsConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer logSvc.Close()

	var mu sync.Mutex
	var warned []string
	logSvc.SetEventSink(func(level, msg string, _ map[string]any) {
		mu.Lock()
		warned = append(warned, level+" "+msg)
		mu.Unlock()
	})

	svc := New(Config{Location: time.UTC}, Deps{
		Log:    logger,
		Store:  store.New(filepath.Join(t.TempDir(), "schedules.json"), logx.Nop()),
		Runner: &fakeRunner{},
	})
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)

	// Passes the boundary check (non-empty expression) but fails to parse,
	// so the schedule stays active with no timer.
	sc, err := svc.Create(&schedule.Schedule{
		Mode:           "build",
		Instructions:   "nightly",
		Kind:           schedule.KindCron,
		CronExpression: "61 * * * *",
		Interaction:    schedule.InteractSkip,
		Active:         true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sc.Active {
		t.Fatal("dormant schedule must stay active")
	}
	if sc.NextExecution != nil {
		t.Fatalf("next execution = %v, want none", sc.NextExecution)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(warned) == 0 {
		t.Fatal("no warning logged for the unparsable cron expression")
	}
}

func TestOneTimeFiresOnceThenInactive(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	svc, _ := newTestService(t, run)

	start := time.Now().UTC().Add(48 * time.Hour)
	sc, err := svc.Create(&schedule.Schedule{
		Mode:                   "deploy",
		Instructions:           "ship it",
		Kind:                   schedule.KindOneTime,
		StartDate:              start.Format("2006-01-02"),
		StartHour:              9,
		Interaction:            schedule.InteractWait,
		InactivityDelayMinutes: 5,
		Active:                 true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fireNow(t, svc, sc.ID)

	if got := run.startCount(); got != 1 {
		t.Fatalf("start count = %d, want 1", got)
	}
	after, err := svc.Get(sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Active {
		t.Error("one-time schedule still active after firing")
	}
	if after.NextExecution != nil {
		t.Error("next execution not cleared")
	}
	if after.ExecutionCount != 1 || after.LastExecution == nil || after.LastTaskID == "" {
		t.Errorf("bookkeeping incomplete: count=%d last=%v task=%q",
			after.ExecutionCount, after.LastExecution, after.LastTaskID)
	}
}

func TestSkipWhenBusy(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{busy: true}
	svc, bus := newTestService(t, run)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sc, err := svc.Create(futureInterval(schedule.InteractSkip))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	drain(events)

	fireNow(t, svc, sc.ID)

	if run.startCount() != 0 {
		t.Fatal("task started despite skip policy")
	}
	after, _ := svc.Get(sc.ID)
	if after.LastSkipped == nil {
		t.Error("lastSkippedTime not recorded")
	}
	if !after.Active {
		t.Error("repeating schedule deactivated by a skip")
	}
	if after.NextExecution == nil || !after.NextExecution.After(time.Now()) {
		t.Error("schedule not rescheduled after skip")
	}
	if !sawEvent(events, eventbus.TypeRunSkipped) {
		t.Error("no run.skipped event published")
	}
}

func TestInterruptWhenBusy(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{busy: true}
	svc, _ := newTestService(t, run)

	sc, err := svc.Create(futureInterval(schedule.InteractInterrupt))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fireNow(t, svc, sc.ID)

	run.mu.Lock()
	interrupts := run.interrupts
	run.mu.Unlock()
	if interrupts != 1 {
		t.Fatalf("interrupts = %d, want 1", interrupts)
	}
	if run.startCount() != 1 {
		t.Fatalf("start count = %d, want 1", run.startCount())
	}
}

func TestWaitRechecksWhileActive(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{busy: true, activityAt: time.Now(), hasAct: true}
	svc, _ := newTestService(t, run)

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fireNow(t, svc, sc.ID)

	if run.startCount() != 0 {
		t.Fatal("task started while runner was recently active")
	}
	svc.mu.Lock()
	_, rearmed := svc.timers[sc.ID]
	svc.mu.Unlock()
	if !rearmed {
		t.Fatal("expected a re-check timer under the wait policy")
	}

	// Once the task has been idle past the delay the next check interrupts
	// and proceeds.
	run.mu.Lock()
	run.activityAt = time.Now().Add(-10 * time.Minute)
	run.mu.Unlock()

	fireNow(t, svc, sc.ID)
	if run.startCount() != 1 {
		t.Fatalf("start count = %d, want 1 after idle wait", run.startCount())
	}
}

func TestRequireActivityGate(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{hasAct: true, activityAt: time.Now().Add(-time.Hour)}
	svc, _ := newTestService(t, run)

	sc := futureInterval(schedule.InteractWait)
	sc.RequireActivity = true
	created, err := svc.Create(sc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mark a previous execution newer than the runner's last activity.
	last := time.Now().Add(-time.Minute)
	svc.mu.Lock()
	svc.findLocked(created.ID).LastExecution = &last
	svc.mu.Unlock()

	fireNow(t, svc, created.ID)

	if run.startCount() != 0 {
		t.Fatal("task started with no activity since the previous run")
	}
	after, _ := svc.Get(created.ID)
	if after.LastSkipped == nil {
		t.Error("gated occurrence not recorded as a skip")
	}
}

func TestStartFailureReschedules(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{startErr: errors.New("spawn failed")}
	svc, bus := newTestService(t, run)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	drain(events)

	fireNow(t, svc, sc.ID)

	after, _ := svc.Get(sc.ID)
	if !after.Active {
		t.Error("repeating schedule deactivated by a start failure")
	}
	if after.NextExecution == nil {
		t.Error("schedule not rescheduled after failure")
	}
	if after.ExecutionCount != 0 || after.LastExecution != nil {
		t.Error("failed cycle must not count as an execution")
	}
	if !sawEvent(events, eventbus.TypeRunFailed) {
		t.Error("no run.failed event published")
	}
}

func TestToggleActiveIdempotent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeRunner{})

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc.mu.Lock()
	verBefore := svc.timerVer[sc.ID]
	svc.mu.Unlock()

	again, err := svc.ToggleActive(sc.ID, true)
	if err != nil {
		t.Fatalf("ToggleActive: %v", err)
	}
	if !again.UpdatedAt.Equal(sc.UpdatedAt) {
		t.Error("redundant toggle touched the record")
	}
	svc.mu.Lock()
	verAfter := svc.timerVer[sc.ID]
	svc.mu.Unlock()
	if verAfter != verBefore {
		t.Error("redundant toggle re-armed the timer")
	}

	off, err := svc.ToggleActive(sc.ID, false)
	if err != nil {
		t.Fatalf("ToggleActive off: %v", err)
	}
	if off.Active || off.NextExecution != nil {
		t.Error("deactivation must clear the next execution pointer")
	}
	svc.mu.Lock()
	_, armed := svc.timers[sc.ID]
	svc.mu.Unlock()
	if armed {
		t.Error("timer survived deactivation")
	}
}

func TestDeleteCancelsTimer(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeRunner{})

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Delete(sc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	svc.mu.Lock()
	_, armed := svc.timers[sc.ID]
	svc.mu.Unlock()
	if armed {
		t.Error("timer survived deletion")
	}
	if _, err := svc.Get(sc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(sc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDuplicateResetsHistory(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	svc, _ := newTestService(t, run)

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fireNow(t, svc, sc.ID)

	cp, err := svc.Duplicate(sc.ID)
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if cp.ID == sc.ID {
		t.Fatal("duplicate kept the source id")
	}
	if cp.Active {
		t.Error("duplicate must start inactive")
	}
	if cp.ExecutionCount != 0 || cp.LastExecution != nil || cp.LastTaskID != "" || cp.NextExecution != nil {
		t.Error("duplicate carried execution history")
	}
	if cp.Mode != sc.Mode || cp.TimeInterval != sc.TimeInterval {
		t.Error("duplicate lost configuration")
	}
}

func TestRunNowLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	svc, _ := newTestService(t, run)

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	taskID, err := svc.RunNow(sc.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected a task id")
	}
	if run.startCount() != 1 {
		t.Fatalf("start count = %d, want 1", run.startCount())
	}

	after, _ := svc.Get(sc.ID)
	if after.ExecutionCount != 0 || after.LastExecution != nil || after.LastTaskID != "" {
		t.Error("manual run touched schedule bookkeeping")
	}
	svc.mu.Lock()
	_, armed := svc.timers[sc.ID]
	svc.mu.Unlock()
	if !armed {
		t.Error("manual run disturbed the pending timer")
	}
}

func TestUpdateRevalidatesAndRearms(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, &fakeRunner{})

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Update(sc.ID, func(s *schedule.Schedule) {
		s.TimeInterval = 0
	}); err == nil {
		t.Fatal("expected validation error for zero interval")
	}
	unchanged, _ := svc.Get(sc.ID)
	if unchanged.TimeInterval != sc.TimeInterval {
		t.Fatal("failed update mutated the stored record")
	}

	upd, err := svc.Update(sc.ID, func(s *schedule.Schedule) {
		s.TimeInterval = 45
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if upd.TimeInterval != 45 {
		t.Fatalf("TimeInterval = %d, want 45", upd.TimeInterval)
	}
	if upd.ID != sc.ID || !upd.CreatedAt.Equal(sc.CreatedAt) {
		t.Error("update changed identity fields")
	}
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	t.Parallel()
	run := &fakeRunner{}
	svc, _ := newTestService(t, run)

	sc, err := svc.Create(futureInterval(schedule.InteractWait))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc.mu.Lock()
	stale := svc.timerVer[sc.ID]
	svc.mu.Unlock()

	// Editing the schedule bumps the version; the old callback must abort.
	if _, err := svc.Update(sc.ID, func(s *schedule.Schedule) {
		s.TimeInterval = 60
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	svc.fire(sc.ID, stale)
	if run.startCount() != 0 {
		t.Fatal("stale timer callback executed the schedule")
	}
}

func drain(ch <-chan eventbus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func sawEvent(ch <-chan eventbus.Event, typ string) bool {
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return true
			}
		default:
			return false
		}
	}
}
