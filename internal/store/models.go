package store

import (
	"encoding/json"
	"fmt"
	"time"

	"acf/internal/types"
)

type sessionRow struct {
	SessionKey   string    `gorm:"primaryKey;size:191"`
	Tenant       string    `gorm:"size:191;not null;index"`
	Agent        string    `gorm:"size:191;not null"`
	Interlocutor string    `gorm:"size:191;not null"`
	Channel      string    `gorm:"size:64;not null"`
	LastTurnAt   time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string { return "sessions" }

type turnRow struct {
	TurnID             string `gorm:"primaryKey;size:64"`
	SessionKey         string `gorm:"size:191;not null;index:idx_turns_session"`
	Tenant             string `gorm:"size:191;not null"`
	Agent              string `gorm:"size:191;not null"`
	TurnGroupID        string `gorm:"size:64;not null;index"`
	Status             string `gorm:"size:32;not null;index"`
	MessagesJSON       string `gorm:"type:text;not null"`
	SideEffectsJSON    string `gorm:"type:text"`
	AggregationReason  string `gorm:"size:32"`
	CommitPointReached bool   `gorm:"not null"`
	WindowOpenedAt     time.Time
	WindowClosedAt     *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	CompletedAt        *time.Time
	UpdatedAt          time.Time `gorm:"not null"`
}

func (turnRow) TableName() string { return "logical_turns" }

// checkpointRow records the last completed durable step for an in-flight
// turn, plus the serialized turn data needed to resume. One row per turn;
// deleted when the turn completes.
type checkpointRow struct {
	TurnID     string    `gorm:"primaryKey;size:64"`
	SessionKey string    `gorm:"size:191;not null;index"`
	Step       string    `gorm:"size:32;not null"`
	TurnJSON   string    `gorm:"type:text;not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string { return "step_checkpoints" }

func turnRowFromLogical(t *types.LogicalTurn) (turnRow, error) {
	msgs, err := json.Marshal(t.Messages)
	if err != nil {
		return turnRow{}, fmt.Errorf("marshal messages: %w", err)
	}
	effects, err := json.Marshal(t.SideEffects)
	if err != nil {
		return turnRow{}, fmt.Errorf("marshal side effects: %w", err)
	}

	row := turnRow{
		TurnID:             t.ID,
		SessionKey:         t.Key.String(),
		Tenant:             t.Key.Tenant,
		Agent:              t.Key.Agent,
		TurnGroupID:        t.TurnGroupID,
		Status:             string(t.Status),
		MessagesJSON:       string(msgs),
		SideEffectsJSON:    string(effects),
		AggregationReason:  string(t.AggregationReason),
		CommitPointReached: t.CommitPointReached,
		WindowOpenedAt:     t.WindowOpenedAt,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          time.Now().UTC(),
	}
	if !t.WindowClosedAt.IsZero() {
		closed := t.WindowClosedAt
		row.WindowClosedAt = &closed
	}
	if !t.CompletedAt.IsZero() {
		done := t.CompletedAt
		row.CompletedAt = &done
	}
	return row, nil
}

func (r turnRow) toLogical() (*types.LogicalTurn, error) {
	key, err := types.ParseSessionKey(r.SessionKey)
	if err != nil {
		return nil, err
	}

	t := &types.LogicalTurn{
		ID:                 r.TurnID,
		Key:                key,
		TurnGroupID:        r.TurnGroupID,
		Status:             types.TurnStatus(r.Status),
		AggregationReason:  types.AggregationReason(r.AggregationReason),
		CommitPointReached: r.CommitPointReached,
		WindowOpenedAt:     r.WindowOpenedAt,
		CreatedAt:          r.CreatedAt,
	}
	if r.WindowClosedAt != nil {
		t.WindowClosedAt = *r.WindowClosedAt
	}
	if r.CompletedAt != nil {
		t.CompletedAt = *r.CompletedAt
	}
	if err := json.Unmarshal([]byte(r.MessagesJSON), &t.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages for %s: %w", r.TurnID, err)
	}
	if r.SideEffectsJSON != "" {
		if err := json.Unmarshal([]byte(r.SideEffectsJSON), &t.SideEffects); err != nil {
			return nil, fmt.Errorf("unmarshal side effects for %s: %w", r.TurnID, err)
		}
	}
	return t, nil
}
