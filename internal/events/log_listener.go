package events

import (
	"context"

	"acf/internal/logging"
	"acf/internal/types"
)

// LogListener writes every routed event to the events log category. Wired
// on "*" by the CLI so an operator can tail the full lifecycle stream.
type LogListener struct{}

func (LogListener) Name() string { return "log" }

func (LogListener) Handle(_ context.Context, ev types.Event) error {
	logging.Events("%s session=%s turn=%s payload=%v", ev.Type, ev.SessionKey, ev.LogicalTurnID, ev.Payload)
	return nil
}
