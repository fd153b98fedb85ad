package turn

import (
	"time"

	"github.com/google/uuid"

	"acf/internal/types"
)

// NewLogicalTurn mints a turn for a session. groupID ties the turn into an
// existing supersede chain; pass "" to start a fresh chain (first turn of a
// session, or a turn created after QUEUE).
func NewLogicalTurn(key types.SessionKey, groupID string) *types.LogicalTurn {
	if groupID == "" {
		groupID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &types.LogicalTurn{
		ID:             uuid.NewString(),
		Key:            key,
		TurnGroupID:    groupID,
		Status:         types.TurnAccumulating,
		WindowOpenedAt: now,
		CreatedAt:      now,
	}
}
