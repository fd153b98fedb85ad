package store

import (
	"encoding/json"
	"fmt"

	"acf/internal/types"
)

func marshalTurn(t *types.LogicalTurn) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal turn %s: %w", t.ID, err)
	}
	return string(data), nil
}

func unmarshalTurn(data string) (*types.LogicalTurn, error) {
	var t types.LogicalTurn
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal turn: %w", err)
	}
	return &t, nil
}
