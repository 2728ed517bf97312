package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	logx "cadence/pkg/logx"
)

// ExecConfig maps work modes to shell command lines.
type ExecConfig struct {
	// Modes maps a schedule's mode tag to the command executed for it.
	// The command runs under "sh -c" with instructions on stdin and
	// CADENCE_MODE in the environment.
	Modes map[string]string

	// KillGrace is how long Interrupt waits after SIGTERM before SIGKILL.
	KillGrace time.Duration
}

// ExecRunner is a reference Runner that shells out per mode. Activity is
// whatever the child writes to stdout or stderr: every output line bumps
// the task's last-activity instant, which is exactly the signal the wait
// interaction policy polls.
type ExecRunner struct {
	cfg ExecConfig
	log logx.Logger

	mu       sync.Mutex
	active   *execTask
	finished map[string]time.Time // task id -> last activity at exit
}

type execTask struct {
	id           string
	cmd          *exec.Cmd
	lastActivity time.Time
}

func NewExec(cfg ExecConfig, log logx.Logger) *ExecRunner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecRunner{cfg: cfg, log: log, finished: map[string]time.Time{}}
}

func (r *ExecRunner) HasActiveTask() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *ExecRunner) LastActivity() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.lastActivity.IsZero() {
		return time.Time{}, false
	}
	return r.active.lastActivity, true
}

func (r *ExecRunner) LastActivityFor(taskID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.id == taskID {
		if r.active.lastActivity.IsZero() {
			return time.Time{}, false
		}
		return r.active.lastActivity, true
	}
	at, ok := r.finished[taskID]
	return at, ok
}

func (r *ExecRunner) Interrupt(ctx context.Context) error {
	r.mu.Lock()
	t := r.active
	r.mu.Unlock()
	if t == nil || t.cmd.Process == nil {
		return nil
	}

	r.log.Info("interrupting active task", logx.String("task", t.id))
	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("interrupt task %s: %w", t.id, err)
	}

	// Escalate to SIGKILL if the child ignores SIGTERM.
	grace := r.cfg.KillGrace
	proc := t.cmd.Process
	id := t.id
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.mu.Lock()
			stillActive := r.active != nil && r.active.id == id
			r.mu.Unlock()
			if stillActive {
				r.log.Warn("task ignored SIGTERM; killing", logx.String("task", id))
				_ = proc.Kill()
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func (r *ExecRunner) Start(ctx context.Context, mode, instructions string) (string, error) {
	command, ok := r.cfg.Modes[mode]
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("no command configured for mode %q", mode)
	}

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return "", ErrBusy
	}

	id := uuid.NewString()
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(cmd.Environ(), "CADENCE_MODE="+mode, "CADENCE_TASK_ID="+id)
	cmd.Stdin = strings.NewReader(instructions)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("start mode %q: %w", mode, err)
	}

	t := &execTask{id: id, cmd: cmd, lastActivity: time.Now()}
	r.active = t
	r.mu.Unlock()

	r.log.Info("task started", logx.String("task", id), logx.String("mode", mode))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.pump(t, stdout) }()
	go func() { defer wg.Done(); r.pump(t, stderr) }()

	go func() {
		wg.Wait()
		err := cmd.Wait()

		r.mu.Lock()
		last := t.lastActivity
		if r.active != nil && r.active.id == id {
			r.active = nil
		}
		r.finished[id] = last
		// Keep the finished map from growing without bound.
		if len(r.finished) > 256 {
			for k := range r.finished {
				if k != id {
					delete(r.finished, k)
					break
				}
			}
		}
		r.mu.Unlock()

		if err != nil {
			r.log.Warn("task exited with error", logx.String("task", id), logx.Err(err))
		} else {
			r.log.Info("task finished", logx.String("task", id))
		}
	}()

	return id, nil
}

// pump marks activity on every output line.
func (r *ExecRunner) pump(t *execTask, rd io.Reader) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		r.mu.Lock()
		t.lastActivity = time.Now()
		r.mu.Unlock()
	}
}
