package runner

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned by Start when the runner already has an active task.
// The engine decides the policy; the runner only refuses to overlap.
var ErrBusy = errors.New("runner busy")

// Runner is the engine's contract with the external task executor. The
// engine polls, never locks: between HasActiveTask and Start another caller
// may have started work, and the runner (not the engine) serializes actual
// execution starts.
type Runner interface {
	// HasActiveTask reports whether a task is currently running.
	HasActiveTask() bool

	// LastActivity returns the last observed activity instant of the
	// active task. ok is false when no task is active or nothing has been
	// observed yet.
	LastActivity() (at time.Time, ok bool)

	// LastActivityFor returns the last activity instant for a specific
	// task handle, whether or not it is still active.
	LastActivityFor(taskID string) (at time.Time, ok bool)

	// Interrupt stops the active task. Interrupting when nothing is
	// running is a no-op, not an error.
	Interrupt(ctx context.Context) error

	// Start launches a new unit of work and returns its handle.
	Start(ctx context.Context, mode, instructions string) (taskID string, err error)
}

// PromptSource resolves saved-prompt references to instruction text. The
// prompt store itself is an external collaborator; the engine only ever
// reads through this interface.
type PromptSource interface {
	Prompt(id string) (string, error)
}
