package turn

import (
	"sync"
	"time"

	"acf/internal/logging"
	"acf/internal/types"
)

// CommitPointTracker tracks whether a turn has executed an action that can
// no longer be safely discarded. The flag is monotonic: once set it never
// reverts for that turn. It is the sole input the default supersede policy
// uses to decide whether cancellation is still safe.
type CommitPointTracker struct {
	mu   sync.Mutex
	turn *types.LogicalTurn

	// treatCompensatable also sets the commit point for expensive-to-undo
	// compensatable effects, per workflow config.
	treatCompensatable bool

	emit func(ev types.Event)
}

// NewCommitPointTracker binds a tracker to one turn. The emitter may be nil.
func NewCommitPointTracker(t *types.LogicalTurn, treatCompensatable bool, emit func(ev types.Event)) *CommitPointTracker {
	return &CommitPointTracker{
		turn:               t,
		treatCompensatable: treatCompensatable,
		emit:               emit,
	}
}

// Mark sets the commit point. Idempotent; emits commit.reached once.
func (c *CommitPointTracker) Mark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked()
}

func (c *CommitPointTracker) markLocked() {
	if c.turn.CommitPointReached {
		return
	}
	c.turn.CommitPointReached = true
	logging.Commit("commit point reached for turn %s", c.turn.ID)
	if c.emit != nil {
		c.emit(types.Event{
			Type:          types.EventCommitReached,
			LogicalTurnID: c.turn.ID,
			SessionKey:    c.turn.Key.String(),
			Tenant:        c.turn.Key.Tenant,
			Agent:         c.turn.Key.Agent,
			Timestamp:     time.Now().UTC(),
		})
	}
}

// Reached reports whether the commit point has been set.
func (c *CommitPointTracker) Reached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn.CommitPointReached
}

// Record appends a completed side effect to the turn and advances the
// commit point when the effect's class requires it. Called by the external
// action layer immediately after the effect succeeds.
func (c *CommitPointTracker) Record(effect types.SideEffect) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if effect.ExecutedAt.IsZero() {
		effect.ExecutedAt = time.Now().UTC()
	}
	c.turn.SideEffects = append(c.turn.SideEffects, effect)

	switch effect.Class {
	case types.EffectIrreversible:
		c.markLocked()
	case types.EffectCompensatable:
		if c.treatCompensatable {
			c.markLocked()
		}
	}

	if c.emit != nil {
		c.emit(types.Event{
			Type:          types.EventActionExecuted,
			LogicalTurnID: c.turn.ID,
			SessionKey:    c.turn.Key.String(),
			Tenant:        c.turn.Key.Tenant,
			Agent:         c.turn.Key.Agent,
			Timestamp:     time.Now().UTC(),
			Payload: map[string]any{
				"action":       effect.Action,
				"business_key": effect.BusinessKey,
				"class":        string(effect.Class),
			},
		})
	}
}
