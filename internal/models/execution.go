package models

import (
	"time"

	"github.com/mpataki/smithers/internal/jsonval"
)

type ExecStatus string

const (
	ExecStatusPending   ExecStatus = "pending"
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusCompleted ExecStatus = "completed"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusCancelled ExecStatus = "cancelled"
)

// Incomplete reports whether an execution in this status may still be resumed.
func (s ExecStatus) Incomplete() bool {
	return s == ExecStatusPending || s == ExecStatusRunning
}

type Execution struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	SourceFile      string        `json:"source_file"`
	Status          ExecStatus    `json:"status"`
	Config          jsonval.Value `json:"config"`
	Result          jsonval.Value `json:"result"`
	Error           string        `json:"error,omitempty"`
	Owner           string        `json:"owner,omitempty"`
	ResumeCount     int           `json:"resume_count"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	TotalIterations int           `json:"total_iterations"`
	TotalAgents     int           `json:"total_agents"`
	TotalToolCalls  int           `json:"total_tool_calls"`
	TotalTokensUsed int64         `json:"total_tokens_used"`
}

// NodeStatus is the lifecycle of every entity beneath an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

type Phase struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Iteration   int        `json:"iteration"`
	Status      NodeStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Step struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	PhaseID     string     `json:"phase_id,omitempty"`
	Name        string     `json:"name"`
	Status      NodeStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Agent struct {
	ID             string        `json:"id"`
	ExecutionID    string        `json:"execution_id"`
	PhaseID        string        `json:"phase_id,omitempty"`
	Model          string        `json:"model"`
	Prompt         string        `json:"prompt"`
	Status         NodeStatus    `json:"status"`
	Result         jsonval.Value `json:"result"`
	Error          string        `json:"error,omitempty"`
	TokensInput    int64         `json:"tokens_input"`
	TokensOutput   int64         `json:"tokens_output"`
	ToolCallsCount int           `json:"tool_calls_count"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	DurationMs     *int64        `json:"duration_ms,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type Task struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	ComponentType string     `json:"component_type"`
	ComponentName string     `json:"component_name"`
	Iteration     int        `json:"iteration"`
	Status        NodeStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ToolCall struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	AgentID     string        `json:"agent_id,omitempty"`
	ToolName    string        `json:"tool_name"`
	Input       jsonval.Value `json:"input"`
	Output      jsonval.Value `json:"output"`
	Error       string        `json:"error,omitempty"`
	Status      NodeStatus    `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	DurationMs  *int64        `json:"duration_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
