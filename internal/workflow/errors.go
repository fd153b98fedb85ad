package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrBusy means another turn holds the session mutex and the acquisition
// wait timed out. The caller should queue or reject the message, never
// silently drop it; the inbound message stays buffered in the accumulator.
var ErrBusy = errors.New("workflow: session busy, another turn in flight")

// ErrLeaseLost means the session lease could not be renewed mid-turn and
// the configured policy gave up. The turn fails; the failure handler still
// attempts release.
var ErrLeaseLost = errors.New("workflow: session lease lost")

// ReasoningFailure wraps an error from the reasoning component. The turn
// fails without partial commit: only commit_and_respond persists results.
type ReasoningFailure struct {
	TurnID string
	Err    error
}

func (e *ReasoningFailure) Error() string {
	return fmt.Sprintf("reasoning component failed for turn %s: %v", e.TurnID, e.Err)
}

func (e *ReasoningFailure) Unwrap() error { return e.Err }

// ActionError reports a failed or timed-out side-effect execution,
// surfaced by the external action layer through the turn context. Timeouts
// are always retried (the ACTION idempotency layer makes retries safe);
// other failures are retried only when the action is marked safe to retry.
type ActionError struct {
	Action  string
	Timeout bool
	Retry   bool
	Err     error
}

func (e *ActionError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("action %s %s: %v", e.Action, kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// retryable classifies whether a step retry may fix the error.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrLeaseLost) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var reasoning *ReasoningFailure
	if errors.As(err, &reasoning) {
		return false
	}
	var action *ActionError
	if errors.As(err, &action) {
		return action.Timeout || action.Retry
	}
	return true
}
