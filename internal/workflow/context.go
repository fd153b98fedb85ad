package workflow

import (
	"context"

	"acf/internal/turn"
	"acf/internal/types"
)

// buildTurnContext constructs the live context handed to the reasoning
// component. It is rebuilt at the start of every run_turn invocation
// (including step retries and crash resumes): the callbacks close over live
// service handles held by this worker process and must never cross a
// persistence boundary.
func (o *Orchestrator) buildTurnContext(t *types.LogicalTurn, tracker *turn.CommitPointTracker) *types.TurnContext {
	key := t.Key
	turnID := t.ID

	return &types.TurnContext{
		Turn:       t.Snapshot(),
		SessionKey: key.String(),
		Channel:    key.Channel,
		HasPendingMessages: func(ctx context.Context) bool {
			return o.coord.HasPendingMessages(ctx, key, turnID)
		},
		EmitEvent: func(ev types.Event) {
			o.fillAndEmit(ev, t)
		},
		MarkCommitPoint:  tracker.Mark,
		RecordSideEffect: tracker.Record,
		Actions: types.ActionExecutionContext{
			TurnGroupID: t.TurnGroupID,
		},
	}
}

// fillAndEmit stamps session identity onto an event and routes it.
func (o *Orchestrator) fillAndEmit(ev types.Event, t *types.LogicalTurn) {
	if ev.LogicalTurnID == "" {
		ev.LogicalTurnID = t.ID
	}
	if ev.SessionKey == "" {
		ev.SessionKey = t.Key.String()
	}
	if ev.Tenant == "" {
		ev.Tenant = t.Key.Tenant
	}
	if ev.Agent == "" {
		ev.Agent = t.Key.Agent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock()
	}
	o.router.Emit(context.Background(), ev)
}
