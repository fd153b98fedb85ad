// Package types provides shared type definitions used across acf packages.
// This package exists to break import cycles between the accumulator,
// supersede coordinator, store, and workflow packages. Types in this package
// should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SESSION IDENTITY
// =============================================================================

// SessionKey is the stable identity tuple for one ongoing conversation.
// It is the sole concurrency boundary: every mutex, accumulation, and
// idempotency operation is scoped by it. Never mutated after creation.
type SessionKey struct {
	Tenant       string
	Agent        string
	Interlocutor string
	Channel      string
}

// String serializes the key in its canonical "tenant:agent:interlocutor:channel"
// form. This string is what the mutex and idempotency layers key on.
func (k SessionKey) String() string {
	return k.Tenant + ":" + k.Agent + ":" + k.Interlocutor + ":" + k.Channel
}

// ParseSessionKey parses the canonical serialized form back into a SessionKey.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return SessionKey{}, fmt.Errorf("invalid session key %q: want 4 segments, got %d", s, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return SessionKey{}, fmt.Errorf("invalid session key %q: empty segment %d", s, i)
		}
	}
	return SessionKey{
		Tenant:       parts[0],
		Agent:        parts[1],
		Interlocutor: parts[2],
		Channel:      parts[3],
	}, nil
}

// =============================================================================
// MESSAGES AND TURNS
// =============================================================================

// RawMessage is one inbound event. Immutable once received.
type RawMessage struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Channel    string            `json:"channel"`
	Sender     string            `json:"sender"`
	Tenant     string            `json:"tenant"`
	Agent      string            `json:"agent"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TurnStatus is the lifecycle state of a LogicalTurn.
type TurnStatus string

const (
	TurnAccumulating TurnStatus = "ACCUMULATING"
	TurnProcessing   TurnStatus = "PROCESSING"
	TurnCommitting   TurnStatus = "COMMITTING"
	TurnComplete     TurnStatus = "COMPLETE"
	TurnSuperseded   TurnStatus = "SUPERSEDED"
)

// Active reports whether the status counts against the one-active-turn-per-
// session invariant.
func (s TurnStatus) Active() bool {
	switch s {
	case TurnAccumulating, TurnProcessing, TurnCommitting:
		return true
	}
	return false
}

// AggregationReason records why an accumulation window closed.
type AggregationReason string

const (
	AggregationWindowElapsed AggregationReason = "window_elapsed"
	AggregationHintExtended  AggregationReason = "hint_extended"
	AggregationForceClosed   AggregationReason = "force_closed"
)

// SideEffectClass classifies a recorded side effect by how hard it is to
// undo. IRREVERSIBLE effects set the commit point; COMPENSATABLE effects do
// so only when the runtime is configured to treat compensation as expensive.
type SideEffectClass string

const (
	EffectIrreversible  SideEffectClass = "IRREVERSIBLE"
	EffectCompensatable SideEffectClass = "COMPENSATABLE"
	EffectReadOnly      SideEffectClass = "READ_ONLY"
)

// SideEffect is one recorded external action taken during a turn.
// Compensation itself happens in the external action layer; this core only
// records that it occurred.
type SideEffect struct {
	Action      string          `json:"action"`
	BusinessKey string          `json:"business_key"`
	Class       SideEffectClass `json:"class"`
	Result      string          `json:"result,omitempty"`
	Compensated bool            `json:"compensated,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// LogicalTurn is the atomic unit of processing: one or more accumulated
// RawMessages bound to a session, processed under the session mutex by
// exactly one worker.
//
// TurnGroupID groups a chain of superseding turns so they share ACTION-layer
// idempotency scope: SUPERSEDE and ABSORB(RESTART_WITH_MERGED) successors
// inherit it, while a turn created after QUEUE receives a fresh one.
type LogicalTurn struct {
	ID                 string            `json:"id"`
	Key                SessionKey        `json:"key"`
	TurnGroupID        string            `json:"turn_group_id"`
	Messages           []RawMessage      `json:"messages"`
	Status             TurnStatus        `json:"status"`
	WindowOpenedAt     time.Time         `json:"window_opened_at"`
	WindowClosedAt     time.Time         `json:"window_closed_at,omitempty"`
	AggregationReason  AggregationReason `json:"aggregation_reason,omitempty"`
	SideEffects        []SideEffect      `json:"side_effects,omitempty"`
	CommitPointReached bool              `json:"commit_point_reached"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        time.Time         `json:"completed_at,omitempty"`
}

// MessageIDs returns the ids of all accumulated messages, in arrival order.
func (t *LogicalTurn) MessageIDs() []string {
	ids := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

// Snapshot returns a shallow-copied read-only view of the turn for handing
// to the reasoning component. Slices are copied so the brain cannot mutate
// the orchestrator's working state.
func (t *LogicalTurn) Snapshot() LogicalTurn {
	cp := *t
	cp.Messages = append([]RawMessage(nil), t.Messages...)
	cp.SideEffects = append([]SideEffect(nil), t.SideEffects...)
	return cp
}

// =============================================================================
// SUPERSEDE DECISIONS
// =============================================================================

// SupersedeAction is what to do with an in-flight turn when new messages
// arrive for its session.
type SupersedeAction string

const (
	ActionSupersede     SupersedeAction = "SUPERSEDE"
	ActionAbsorb        SupersedeAction = "ABSORB"
	ActionQueue         SupersedeAction = "QUEUE"
	ActionForceComplete SupersedeAction = "FORCE_COMPLETE"
)

// AbsorbStrategy refines ABSORB.
type AbsorbStrategy string

const (
	AbsorbRestartWithMerged    AbsorbStrategy = "RESTART_WITH_MERGED"
	AbsorbContinueWithAppended AbsorbStrategy = "CONTINUE_WITH_APPENDED"
)

// SupersedeDecision is produced by the reasoning component, or by the
// conservative default policy when the reasoning component declines.
type SupersedeDecision struct {
	Action   SupersedeAction `json:"action"`
	Strategy AbsorbStrategy  `json:"strategy,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// =============================================================================
// LIFECYCLE EVENTS
// =============================================================================

// Event is a structured lifecycle or side-effect event. Type is a
// category-prefixed string such as "turn.started"; the category is the part
// before the first dot and drives wildcard subscription matching.
type Event struct {
	Type          string         `json:"type"`
	LogicalTurnID string         `json:"logical_turn_id,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	Agent         string         `json:"agent,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Category returns the part of the event type before the first dot, or the
// whole type when it carries no category prefix.
func (e Event) Category() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// Event taxonomy emitted by this core and by the external side-effect layer.
const (
	EventTurnStarted         = "turn.started"
	EventTurnCompleted       = "turn.completed"
	EventTurnSuperseded      = "turn.superseded"
	EventTurnMessageAbsorbed = "turn.message_absorbed"
	EventCommitReached       = "commit.reached"
	EventActionExecuted      = "action.executed"
	EventActionFailed        = "action.failed"
	EventSessionCreated      = "session.created"
	EventMutexAcquired       = "mutex.acquired"
	EventMutexReleased       = "mutex.released"
	EventMutexExtended       = "mutex.extended"
)
