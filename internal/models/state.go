package models

import (
	"time"

	"github.com/mpataki/smithers/internal/jsonval"
)

type StateEntry struct {
	Key       string        `json:"key"`
	Value     jsonval.Value `json:"value"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transition is one audited change of a state key. OldValue and NewValue
// are null when the key did not exist before or was deleted.
type Transition struct {
	ID          int64         `json:"id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Key         string        `json:"key"`
	OldValue    jsonval.Value `json:"old_value"`
	NewValue    jsonval.Value `json:"new_value"`
	Trigger     string        `json:"trigger,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
