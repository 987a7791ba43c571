package models

import "time"

type TicketStatus string

const (
	TicketStatusTodo       TicketStatus = "todo"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusBlocked    TicketStatus = "blocked"
	TicketStatusDone       TicketStatus = "done"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusTodo, TicketStatusInProgress, TicketStatusBlocked, TicketStatusDone:
		return true
	}
	return false
}

// DefaultTicketPriority is given to backlog entries that omit a priority.
// Lower priorities are more urgent; 0 is the most urgent.
const DefaultTicketPriority = 100

type TicketSource string

const (
	TicketSourceSeed   TicketSource = "seed"
	TicketSourceTriage TicketSource = "triage"
)

// Budget caps the work spent on a ticket. Zero means unbounded.
type Budget struct {
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations"`
	MaxTokens     int `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MaxMinutes    int `json:"max_minutes,omitempty" yaml:"max_minutes"`
}

type Ticket struct {
	ID                 string       `json:"id" yaml:"id"`
	Priority           int          `json:"priority" yaml:"priority"`
	Title              string       `json:"title" yaml:"title"`
	Description        string       `json:"description,omitempty" yaml:"description"`
	Dependencies       []string     `json:"dependencies" yaml:"dependencies"`
	AcceptanceCriteria []string     `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	Status             TicketStatus `json:"status" yaml:"status"`
	ProgressNotes      []string     `json:"progress_notes" yaml:"-"`
	BlockedReason      string       `json:"blocked_reason,omitempty" yaml:"-"`
	Budget             *Budget      `json:"budget,omitempty" yaml:"budget"`
	LastRunAt          *time.Time   `json:"last_run_at,omitempty" yaml:"-"`
	LastReportPath     string       `json:"last_report_path,omitempty" yaml:"-"`
	LastReviewDir      string       `json:"last_review_dir,omitempty" yaml:"-"`
	LastTicketGoal     string       `json:"last_ticket_goal,omitempty" yaml:"-"`
	Source             TicketSource `json:"source" yaml:"-"`
	SourceReportID     string       `json:"source_report_id,omitempty" yaml:"-"`
	CreatedAt          time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt          time.Time    `json:"updated_at" yaml:"-"`
}
