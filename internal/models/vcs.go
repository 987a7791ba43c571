package models

import (
	"time"

	"github.com/mpataki/smithers/internal/jsonval"
)

type VCSStatus string

const (
	VCSStatusPending    VCSStatus = "pending"
	VCSStatusProcessing VCSStatus = "processing"
	VCSStatusDone       VCSStatus = "done"
	VCSStatusFailed     VCSStatus = "failed"
)

type VCSItem struct {
	ID          int64         `json:"id"`
	Operation   string        `json:"operation"`
	Payload     jsonval.Value `json:"payload"`
	Status      VCSStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}
