// Package supersede answers "did anything new arrive?" as a fact and
// executes supersede decisions against in-flight turns. The decision itself
// belongs to the reasoning component; when it declines, the conservative
// default policy here applies.
package supersede

import (
	"context"
	"fmt"
	"sync"
	"time"

	"acf/internal/logging"
	"acf/internal/turn"
	"acf/internal/types"
)

// Coordinator owns the pending-message fact and the decision state machine.
type Coordinator struct {
	acc  *turn.Accumulator
	emit func(ev types.Event)

	mu   sync.Mutex
	seen map[string]bool // turn id -> pending observed (monotonic per turn)
}

// NewCoordinator creates a coordinator over the shared accumulator. The
// emitter may be nil.
func NewCoordinator(acc *turn.Accumulator, emit func(ev types.Event)) *Coordinator {
	return &Coordinator{
		acc:  acc,
		emit: emit,
		seen: make(map[string]bool),
	}
}

// HasPendingMessages reports whether messages arrived for the session after
// the turn's window closed. Monotonic within a turn: once observed true it
// stays true until the turn resolves, even if the pending buffer is drained
// meanwhile.
func (c *Coordinator) HasPendingMessages(_ context.Context, key types.SessionKey, turnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[turnID] {
		return true
	}
	if c.acc.HasPending(key) {
		c.seen[turnID] = true
		return true
	}
	return false
}

// Resolve forgets the pending fact for a finished turn.
func (c *Coordinator) Resolve(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, turnID)
}

// DefaultPolicy is the conservative fallback used when the reasoning
// component declines to decide. It never risks double-executing a side
// effect; it only forfeits work that can be safely redone.
func DefaultPolicy(t types.LogicalTurn) types.SupersedeDecision {
	if t.CommitPointReached || len(t.SideEffects) > 0 {
		return types.SupersedeDecision{
			Action: types.ActionQueue,
			Reason: "default policy: side effects present, queueing is the only safe action",
		}
	}
	return types.SupersedeDecision{
		Action: types.ActionSupersede,
		Reason: "default policy: no side effects, work is safely redoable",
	}
}

// Outcome is the result of applying one decision.
type Outcome struct {
	// Decision echoes what was applied.
	Decision types.SupersedeDecision
	// Next is the replacement turn to process under the same mutex hold.
	// Set for SUPERSEDE and ABSORB(RESTART_WITH_MERGED).
	Next *types.LogicalTurn
	// Absorbed is true when pending messages were appended to the current
	// turn (ABSORB with CONTINUE_WITH_APPENDED).
	Absorbed bool
	// PendingQueued is true when pending messages were deliberately left
	// buffered for the next turn (QUEUE, FORCE_COMPLETE).
	PendingQueued bool
}

// Apply executes a decision against the current turn.
//
// Turn-group rules: SUPERSEDE and ABSORB(RESTART_WITH_MERGED) successors
// inherit cur's turn group, so a chain of restarts shares ACTION-layer
// idempotency scope. QUEUE leaves the pending messages buffered; the turn
// later built from them mints a fresh group, permitting re-execution in a
// genuinely new conversational context.
func (c *Coordinator) Apply(ctx context.Context, decision types.SupersedeDecision, cur *types.LogicalTurn) (*Outcome, error) {
	out := &Outcome{Decision: decision}

	switch decision.Action {
	case types.ActionSupersede:
		c.supersede(ctx, cur, out)

	case types.ActionAbsorb:
		switch decision.Strategy {
		case types.AbsorbRestartWithMerged:
			c.supersede(ctx, cur, out)
		case types.AbsorbContinueWithAppended:
			c.absorbContinue(ctx, cur, out)
		default:
			return nil, fmt.Errorf("absorb decision requires a strategy, got %q", decision.Strategy)
		}

	case types.ActionQueue, types.ActionForceComplete:
		// Current turn proceeds to completion untouched. Pending messages
		// stay buffered and form the next turn after release.
		out.PendingQueued = c.acc.HasPending(cur.Key)
		logging.Supersede("turn %s continues (%s); pending queued=%v", cur.ID, decision.Action, out.PendingQueued)

	default:
		return nil, fmt.Errorf("unknown supersede action %q", decision.Action)
	}

	return out, nil
}

// supersede closes cur as SUPERSEDED and folds its messages plus everything
// pending into a replacement turn in the same group.
func (c *Coordinator) supersede(ctx context.Context, cur *types.LogicalTurn, out *Outcome) {
	cur.Status = types.TurnSuperseded
	cur.CompletedAt = time.Now().UTC()
	c.Resolve(cur.ID)

	next := turn.NewLogicalTurn(cur.Key, cur.TurnGroupID)
	next.Messages = append(next.Messages, cur.Messages...)
	next.Messages = append(next.Messages, c.acc.TakePending(cur.Key)...)
	next.AggregationReason = types.AggregationForceClosed
	next.WindowClosedAt = next.WindowOpenedAt

	out.Next = next
	logging.Supersede("turn %s superseded by %s (group %s, %d messages)", cur.ID, next.ID, next.TurnGroupID, len(next.Messages))

	if c.emit != nil {
		c.emit(types.Event{
			Type:          types.EventTurnSuperseded,
			LogicalTurnID: cur.ID,
			SessionKey:    cur.Key.String(),
			Tenant:        cur.Key.Tenant,
			Agent:         cur.Key.Agent,
			Timestamp:     time.Now().UTC(),
			Payload: map[string]any{
				"successor_turn_id": next.ID,
				"turn_group_id":     next.TurnGroupID,
			},
		})
	}
}

// absorbContinue appends pending messages to the in-progress turn without
// restarting already-completed work.
func (c *Coordinator) absorbContinue(ctx context.Context, cur *types.LogicalTurn, out *Outcome) {
	pending := c.acc.TakePending(cur.Key)
	if len(pending) == 0 {
		return
	}
	cur.Messages = append(cur.Messages, pending...)
	out.Absorbed = true
	logging.Supersede("turn %s absorbed %d pending message(s)", cur.ID, len(pending))

	if c.emit == nil {
		return
	}
	for _, msg := range pending {
		c.emit(types.Event{
			Type:          types.EventTurnMessageAbsorbed,
			LogicalTurnID: cur.ID,
			SessionKey:    cur.Key.String(),
			Tenant:        cur.Key.Tenant,
			Agent:         cur.Key.Agent,
			Timestamp:     time.Now().UTC(),
			Payload:       map[string]any{"message_id": msg.ID},
		})
	}
}
