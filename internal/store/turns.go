package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"acf/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// EnsureSession creates the session row on first contact and bumps its
// last-turn timestamp afterwards. created=true on first contact so the
// caller can emit session.created.
func (s *Store) EnsureSession(ctx context.Context, key types.SessionKey) (created bool, err error) {
	now := time.Now().UTC()
	row := sessionRow{
		SessionKey:   key.String(),
		Tenant:       key.Tenant,
		Agent:        key.Agent,
		Interlocutor: key.Interlocutor,
		Channel:      key.Channel,
		LastTurnAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("ensure session: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	err = s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_key = ?", key.String()).
		Updates(map[string]any{"last_turn_at": now, "updated_at": now}).Error
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return false, nil
}

// SaveTurn upserts the full turn record.
func (s *Store) SaveTurn(ctx context.Context, t *types.LogicalTurn) error {
	row, err := turnRowFromLogical(t)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "turn_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save turn %s: %w", t.ID, err)
	}
	return nil
}

// GetTurn loads one turn by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*types.LogicalTurn, error) {
	var row turnRow
	err := s.db.WithContext(ctx).Take(&row, "turn_id = ?", turnID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get turn %s: %w", turnID, err)
	}
	return row.toLogical()
}

// ActiveTurn returns the session's turn in an active status, or ErrNotFound.
// At most one may exist; more than one indicates a broken invariant and is
// reported as an error.
func (s *Store) ActiveTurn(ctx context.Context, key types.SessionKey) (*types.LogicalTurn, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND status IN ?", key.String(), []string{
			string(types.TurnAccumulating),
			string(types.TurnProcessing),
			string(types.TurnCommitting),
		}).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("active turn for %s: %w", key, err)
	}
	switch len(rows) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return rows[0].toLogical()
	default:
		return nil, fmt.Errorf("active turn for %s: %d active turns, invariant violated", key, len(rows))
	}
}

// ListTurns returns all turns for a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, key types.SessionKey) ([]*types.LogicalTurn, error) {
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("session_key = ?", key.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list turns for %s: %w", key, err)
	}

	turns := make([]*types.LogicalTurn, 0, len(rows))
	for _, row := range rows {
		t, err := row.toLogical()
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// SaveCheckpoint records the last completed durable step for a turn along
// with the serialized turn state needed to resume.
func (s *Store) SaveCheckpoint(ctx context.Context, t *types.LogicalTurn, step string) error {
	turnJSON, err := marshalTurn(t)
	if err != nil {
		return err
	}
	row := checkpointRow{
		TurnID:     t.ID,
		SessionKey: t.Key.String(),
		Step:       step,
		TurnJSON:   turnJSON,
		UpdatedAt:  time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "turn_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", t.ID, err)
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for a session's in-flight
// turn, or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, key types.SessionKey) (*types.LogicalTurn, string, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("session_key = ?", key.String()).
		Order("updated_at DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("load checkpoint for %s: %w", key, err)
	}

	t, err := unmarshalTurn(row.TurnJSON)
	if err != nil {
		return nil, "", err
	}
	return t, row.Step, nil
}

// DeleteCheckpoint removes a turn's checkpoint once it reaches a terminal
// status.
func (s *Store) DeleteCheckpoint(ctx context.Context, turnID string) error {
	err := s.db.WithContext(ctx).Delete(&checkpointRow{}, "turn_id = ?", turnID).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint for %s: %w", turnID, err)
	}
	return nil
}
