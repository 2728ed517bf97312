package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "cadence/pkg/logx"
)

func waitIdle(t *testing.T, r *ExecRunner, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !r.HasActiveTask() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("runner still busy")
}

func TestExecRunnerLifecycle(t *testing.T) {
	t.Parallel()
	r := NewExec(ExecConfig{Modes: map[string]string{"echo": "cat >/dev/null"}}, logx.Nop())

	id, err := r.Start(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("empty task id")
	}
	waitIdle(t, r, 5*time.Second)

	if _, ok := r.LastActivityFor(id); !ok {
		t.Fatal("finished task lost its activity record")
	}
}

func TestExecRunnerUnknownMode(t *testing.T) {
	t.Parallel()
	r := NewExec(ExecConfig{}, logx.Nop())
	if _, err := r.Start(context.Background(), "nope", ""); err == nil {
		t.Fatal("expected error for unconfigured mode")
	}
}

func TestExecRunnerRefusesOverlapAndInterrupts(t *testing.T) {
	t.Parallel()
	r := NewExec(ExecConfig{
		Modes:     map[string]string{"sleep": "sleep 30"},
		KillGrace: 500 * time.Millisecond,
	}, logx.Nop())

	if _, err := r.Start(context.Background(), "sleep", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.HasActiveTask() {
		t.Fatal("expected active task")
	}
	if _, err := r.Start(context.Background(), "sleep", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if err := r.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitIdle(t, r, 5*time.Second)

	// Interrupting with nothing active is a no-op.
	if err := r.Interrupt(context.Background()); err != nil {
		t.Fatalf("idle Interrupt: %v", err)
	}
}
