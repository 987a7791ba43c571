package models

import "time"

type BuildStatus string

const (
	BuildStatusPassing BuildStatus = "passing"
	BuildStatusBroken  BuildStatus = "broken"
	BuildStatusFixing  BuildStatus = "fixing"
)

// BuildState is the singleton build-fix lease row. FixerAgentID is set
// exactly when Status is fixing.
type BuildState struct {
	Status       BuildStatus `json:"status"`
	FixerAgentID string      `json:"fixer_agent_id,omitempty"`
	BrokenAt     *time.Time  `json:"broken_at,omitempty"`
	FixingSince  *time.Time  `json:"fixing_since,omitempty"`
	LastCheckAt  *time.Time  `json:"last_check_at,omitempty"`
}
