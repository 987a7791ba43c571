package execution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mpataki/smithers/internal/idgen"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/storage"
)

// durationExpr computes milliseconds between started_at and the bound completion time.
const durationExpr = `CAST(ROUND((julianday(?) - julianday(started_at)) * 86400000.0) AS INTEGER)`

// currentIteration reads the state key "iteration" inside q. Missing or
// non-integer values count as 0.
func currentIteration(ctx context.Context, q storage.Querier) (int64, error) {
	var raw string
	found, err := q.QueryOneRow(ctx, `SELECT value FROM state WHERE key = 'iteration'`, nil, &raw)
	if err != nil || !found {
		return 0, err
	}
	n, _ := jsonval.ParseOr(raw, jsonval.IntValue(0)).AsInt64()
	return n, nil
}

// finishNode moves a pending or running row of table to status and clears
// the scope pointer of kind if it still names id.
func (t *Tracker) finishNode(ctx context.Context, sc *scope.Scope, kind scope.Kind, table, id string, status models.NodeStatus, errText *string) error {
	now := storage.Now()
	_, err := t.db.Execute(ctx,
		`UPDATE `+table+` SET status = ?, error = ?, completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), errText, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	sc.ClearIf(kind, id)
	return nil
}

// StartPhase records a running phase under sc's current execution.
func (t *Tracker) StartPhase(ctx context.Context, sc *scope.Scope, name string) (string, error) {
	execID := sc.ExecutionID()
	if execID == "" {
		return "", noActiveExecution("start phase")
	}

	id := idgen.New()
	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		iteration, err := currentIteration(ctx, q)
		if err != nil {
			return err
		}
		_, err = q.Execute(ctx,
			`INSERT INTO phases (id, execution_id, name, iteration, status, started_at, created_at)
			 VALUES (?, ?, ?, ?, 'running', ?, ?)`,
			id, execID, name, iteration, now, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start phase: %w", err)
	}
	sc.Set(scope.Phase, id)
	return id, nil
}

func (t *Tracker) CompletePhase(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finishNode(ctx, sc, scope.Phase, "phases", id, models.NodeStatusCompleted, nil)
}

func (t *Tracker) FailPhase(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finishNode(ctx, sc, scope.Phase, "phases", id, models.NodeStatusFailed, &errText)
}

func (t *Tracker) SkipPhase(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finishNode(ctx, sc, scope.Phase, "phases", id, models.NodeStatusSkipped, nil)
}

// StartStep records a running step under the current execution and phase.
func (t *Tracker) StartStep(ctx context.Context, sc *scope.Scope, name string) (string, error) {
	execID := sc.ExecutionID()
	if execID == "" {
		return "", noActiveExecution("start step")
	}

	id := idgen.New()
	now := storage.Now()
	_, err := t.db.Execute(ctx,
		`INSERT INTO steps (id, execution_id, phase_id, name, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, 'running', ?, ?)`,
		id, execID, nullIfEmpty(sc.Current(scope.Phase)), name, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start step: %w", err)
	}
	sc.Set(scope.Step, id)
	return id, nil
}

func (t *Tracker) CompleteStep(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finishNode(ctx, sc, scope.Step, "steps", id, models.NodeStatusCompleted, nil)
}

func (t *Tracker) FailStep(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finishNode(ctx, sc, scope.Step, "steps", id, models.NodeStatusFailed, &errText)
}

func (t *Tracker) SkipStep(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finishNode(ctx, sc, scope.Step, "steps", id, models.NodeStatusSkipped, nil)
}

type AgentOptions struct {
	Model  string
	Prompt string
}

// TokenUsage is the token accounting reported when an agent completes.
type TokenUsage struct {
	Input  int64
	Output int64
}

// StartAgent records a running agent and counts it against the execution.
func (t *Tracker) StartAgent(ctx context.Context, sc *scope.Scope, opts AgentOptions) (string, error) {
	execID := sc.ExecutionID()
	if execID == "" {
		return "", noActiveExecution("start agent")
	}

	id := idgen.New()
	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		if _, err := q.Execute(ctx,
			`INSERT INTO agents (id, execution_id, phase_id, model, prompt, status, started_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
			id, execID, nullIfEmpty(sc.Current(scope.Phase)), opts.Model, opts.Prompt, now, now,
		); err != nil {
			return err
		}
		_, err := q.Execute(ctx,
			`UPDATE executions SET total_agents = total_agents + 1 WHERE id = ?`, execID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start agent: %w", err)
	}
	sc.Set(scope.Agent, id)
	return id, nil
}

// CompleteAgent records the agent's result and adds its tokens to the
// execution total. Agents that already finished are left unchanged.
func (t *Tracker) CompleteAgent(ctx context.Context, sc *scope.Scope, id string, result any, usage TokenUsage) error {
	var resultText *string
	if result != nil {
		s, err := jsonval.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to serialize agent result: %w", err)
		}
		resultText = &s
	}

	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		res, err := q.Execute(ctx,
			`UPDATE agents SET status = 'completed', result = ?, tokens_input = ?, tokens_output = ?,
				completed_at = ?, duration_ms = `+durationExpr+`
			 WHERE id = ? AND status IN ('pending', 'running')`,
			resultText, usage.Input, usage.Output, now, now, id,
		)
		if err != nil || res.RowsAffected == 0 {
			return err
		}
		_, err = q.Execute(ctx,
			`UPDATE executions SET total_tokens_used = total_tokens_used + ?
			 WHERE id = (SELECT execution_id FROM agents WHERE id = ?)`,
			usage.Input+usage.Output, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to complete agent: %w", err)
	}
	sc.ClearIf(scope.Agent, id)
	return nil
}

func (t *Tracker) FailAgent(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finishNode(ctx, sc, scope.Agent, "agents", id, models.NodeStatusFailed, &errText)
}

// StartTask records a running task. Its iteration is copied from the
// state key "iteration" at creation time.
func (t *Tracker) StartTask(ctx context.Context, sc *scope.Scope, componentType, componentName string) (string, error) {
	execID := sc.ExecutionID()
	if execID == "" {
		return "", noActiveExecution("start task")
	}

	id := idgen.New()
	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		iteration, err := currentIteration(ctx, q)
		if err != nil {
			return err
		}
		_, err = q.Execute(ctx,
			`INSERT INTO tasks (id, execution_id, component_type, component_name, iteration, status, started_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
			id, execID, componentType, componentName, iteration, now, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}
	sc.Set(scope.Task, id)
	return id, nil
}

func (t *Tracker) CompleteTask(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finishNode(ctx, sc, scope.Task, "tasks", id, models.NodeStatusCompleted, nil)
}

func (t *Tracker) FailTask(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finishNode(ctx, sc, scope.Task, "tasks", id, models.NodeStatusFailed, &errText)
}

// StartToolCall records a running tool call for the current agent and
// increments the agent and execution tool-call counters.
func (t *Tracker) StartToolCall(ctx context.Context, sc *scope.Scope, toolName string, input any) (string, error) {
	execID := sc.ExecutionID()
	if execID == "" {
		return "", noActiveExecution("start tool call")
	}

	var inputText *string
	if input != nil {
		s, err := jsonval.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("failed to serialize tool input: %w", err)
		}
		inputText = &s
	}

	id := idgen.New()
	agentID := sc.Current(scope.Agent)
	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		if _, err := q.Execute(ctx,
			`INSERT INTO tool_calls (id, execution_id, agent_id, tool_name, input, status, started_at, created_at)
			 VALUES (?, ?, ?, ?, ?, 'running', ?, ?)`,
			id, execID, nullIfEmpty(agentID), toolName, inputText, now, now,
		); err != nil {
			return err
		}
		if agentID != "" {
			if _, err := q.Execute(ctx,
				`UPDATE agents SET tool_calls_count = tool_calls_count + 1 WHERE id = ?`, agentID); err != nil {
				return err
			}
		}
		_, err := q.Execute(ctx,
			`UPDATE executions SET total_tool_calls = total_tool_calls + 1 WHERE id = ?`, execID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start tool call: %w", err)
	}
	sc.Set(scope.ToolCall, id)
	return id, nil
}

func (t *Tracker) CompleteToolCall(ctx context.Context, sc *scope.Scope, id string, output any) error {
	var outputText *string
	if output != nil {
		s, err := jsonval.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to serialize tool output: %w", err)
		}
		outputText = &s
	}

	now := storage.Now()
	_, err := t.db.Execute(ctx,
		`UPDATE tool_calls SET status = 'completed', output = ?, completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE id = ? AND status IN ('pending', 'running')`,
		outputText, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete tool call: %w", err)
	}
	sc.ClearIf(scope.ToolCall, id)
	return nil
}

func (t *Tracker) FailToolCall(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finishNode(ctx, sc, scope.ToolCall, "tool_calls", id, models.NodeStatusFailed, &errText)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Phases lists the phases of an execution in creation order.
func (t *Tracker) Phases(ctx context.Context, executionID string) ([]*models.Phase, error) {
	var out []*models.Phase
	err := t.db.QueryRows(ctx,
		`SELECT id, execution_id, name, iteration, status, error, started_at, completed_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ? ORDER BY created_at, rowid`, []any{executionID},
		func(sc storage.Scanner) error {
			var p models.Phase
			var ts timestamps
			if err := sc.Scan(&p.ID, &p.ExecutionID, &p.Name, &p.Iteration, &p.Status,
				&ts.errText, &ts.startedAt, &ts.completedAt, &ts.duration, &ts.createdAt); err != nil {
				return err
			}
			p.Error, p.StartedAt, p.CompletedAt, p.DurationMs, p.CreatedAt = ts.unpack()
			out = append(out, &p)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	return out, nil
}

func (t *Tracker) Steps(ctx context.Context, executionID string) ([]*models.Step, error) {
	var out []*models.Step
	err := t.db.QueryRows(ctx,
		`SELECT id, execution_id, phase_id, name, status, error, started_at, completed_at, duration_ms, created_at
		 FROM steps WHERE execution_id = ? ORDER BY created_at, rowid`, []any{executionID},
		func(sc storage.Scanner) error {
			var s models.Step
			var phaseID sql.NullString
			var ts timestamps
			if err := sc.Scan(&s.ID, &s.ExecutionID, &phaseID, &s.Name, &s.Status,
				&ts.errText, &ts.startedAt, &ts.completedAt, &ts.duration, &ts.createdAt); err != nil {
				return err
			}
			s.PhaseID = phaseID.String
			s.Error, s.StartedAt, s.CompletedAt, s.DurationMs, s.CreatedAt = ts.unpack()
			out = append(out, &s)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return out, nil
}

func (t *Tracker) Agents(ctx context.Context, executionID string) ([]*models.Agent, error) {
	var out []*models.Agent
	err := t.db.QueryRows(ctx,
		`SELECT id, execution_id, phase_id, model, prompt, status, result, tokens_input, tokens_output,
			tool_calls_count, error, started_at, completed_at, duration_ms, created_at
		 FROM agents WHERE execution_id = ? ORDER BY created_at, rowid`, []any{executionID},
		func(sc storage.Scanner) error {
			var a models.Agent
			var phaseID, result sql.NullString
			var ts timestamps
			if err := sc.Scan(&a.ID, &a.ExecutionID, &phaseID, &a.Model, &a.Prompt, &a.Status, &result,
				&a.TokensInput, &a.TokensOutput, &a.ToolCallsCount,
				&ts.errText, &ts.startedAt, &ts.completedAt, &ts.duration, &ts.createdAt); err != nil {
				return err
			}
			a.PhaseID = phaseID.String
			a.Result = jsonval.ParseOr(result.String, jsonval.NullValue())
			a.Error, a.StartedAt, a.CompletedAt, a.DurationMs, a.CreatedAt = ts.unpack()
			out = append(out, &a)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return out, nil
}

func (t *Tracker) Tasks(ctx context.Context, executionID string) ([]*models.Task, error) {
	var out []*models.Task
	err := t.db.QueryRows(ctx,
		`SELECT id, execution_id, component_type, component_name, iteration, status,
			error, started_at, completed_at, duration_ms, created_at
		 FROM tasks WHERE execution_id = ? ORDER BY created_at, rowid`, []any{executionID},
		func(sc storage.Scanner) error {
			var tk models.Task
			var ts timestamps
			if err := sc.Scan(&tk.ID, &tk.ExecutionID, &tk.ComponentType, &tk.ComponentName, &tk.Iteration, &tk.Status,
				&ts.errText, &ts.startedAt, &ts.completedAt, &ts.duration, &ts.createdAt); err != nil {
				return err
			}
			tk.Error, tk.StartedAt, tk.CompletedAt, tk.DurationMs, tk.CreatedAt = ts.unpack()
			out = append(out, &tk)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return out, nil
}

func (t *Tracker) ToolCalls(ctx context.Context, executionID string) ([]*models.ToolCall, error) {
	var out []*models.ToolCall
	err := t.db.QueryRows(ctx,
		`SELECT id, execution_id, agent_id, tool_name, input, output, status,
			error, started_at, completed_at, duration_ms, created_at
		 FROM tool_calls WHERE execution_id = ? ORDER BY created_at, rowid`, []any{executionID},
		func(sc storage.Scanner) error {
			var tc models.ToolCall
			var agentID, input, output sql.NullString
			var ts timestamps
			if err := sc.Scan(&tc.ID, &tc.ExecutionID, &agentID, &tc.ToolName, &input, &output, &tc.Status,
				&ts.errText, &ts.startedAt, &ts.completedAt, &ts.duration, &ts.createdAt); err != nil {
				return err
			}
			tc.AgentID = agentID.String
			tc.Input = jsonval.ParseOr(input.String, jsonval.NullValue())
			tc.Output = jsonval.ParseOr(output.String, jsonval.NullValue())
			tc.Error, tc.StartedAt, tc.CompletedAt, tc.DurationMs, tc.CreatedAt = ts.unpack()
			out = append(out, &tc)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	return out, nil
}

// timestamps collects the lifecycle columns every node table shares.
type timestamps struct {
	errText     sql.NullString
	startedAt   sql.NullString
	completedAt sql.NullString
	duration    sql.NullInt64
	createdAt   string
}

func (ts timestamps) unpack() (string, *time.Time, *time.Time, *int64, time.Time) {
	var duration *int64
	if ts.duration.Valid {
		d := ts.duration.Int64
		duration = &d
	}
	return ts.errText.String, storage.ParseNullTime(ts.startedAt), storage.ParseNullTime(ts.completedAt),
		duration, storage.ParseTime(ts.createdAt)
}
