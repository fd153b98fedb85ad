package types

import (
	"context"
	"time"
)

// TurnContext is the live context handed to the reasoning component for one
// turn invocation. It is rebuilt, never deserialized, at the start of each
// durable step: only the LogicalTurn data crosses the persistence boundary,
// while the callbacks close over live service handles held by the worker
// process.
type TurnContext struct {
	// Turn is a read-only snapshot of the turn being processed.
	Turn LogicalTurn

	SessionKey string
	Channel    string

	// HasPendingMessages reports whether new messages arrived for this
	// session after the turn's window closed. Monotonic within a turn.
	HasPendingMessages func(ctx context.Context) bool

	// EmitEvent publishes a lifecycle or side-effect event.
	EmitEvent func(ev Event)

	// MarkCommitPoint records that an irreversible action completed.
	MarkCommitPoint func()

	// RecordSideEffect appends a completed side effect to the turn,
	// advancing the commit point when its class requires it.
	RecordSideEffect func(effect SideEffect)

	// Actions carries the identifiers the external action layer needs to
	// build ACTION-layer idempotency keys.
	Actions ActionExecutionContext
}

// ActionExecutionContext is the bridge handed to the external tool/action
// layer. Keys deliberately embed the turn group, not the turn id, so a
// supersede chain converges on one execution per business action.
type ActionExecutionContext struct {
	TurnGroupID string
}

// IdempotencyKey builds the ACTION-layer key for one business action.
func (a ActionExecutionContext) IdempotencyKey(action, businessKey string) string {
	return action + ":" + businessKey + ":turn_group:" + a.TurnGroupID
}

// TurnResult is what the reasoning component returns for a processed turn.
// FollowUpHint, when positive, tells the accumulator how soon a follow-up
// message is expected on this session; it is blended into the next turn's
// accumulation window.
type TurnResult struct {
	TurnID       string        `json:"turn_id"`
	Response     string        `json:"response,omitempty"`
	FollowUpHint time.Duration `json:"follow_up_hint,omitempty"`
}

// Brain is the external reasoning component. Implementations are
// interchangeable; optional capabilities are modeled as separate interfaces
// detected by type assertion rather than inheritance.
type Brain interface {
	Process(ctx context.Context, tc *TurnContext) (*TurnResult, error)
}

// SupersedeDecider is an optional Brain capability: a brain that can decide
// what to do about messages that arrived mid-turn. Returning ok=false
// declines the decision, falling back to the conservative default policy.
type SupersedeDecider interface {
	DecideSupersede(ctx context.Context, turn LogicalTurn, pending []RawMessage) (SupersedeDecision, bool)
}
