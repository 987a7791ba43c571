// Package execution records the execution hierarchy (executions and their
// phases, steps, agents, tasks and tool calls) and lets a restarted runner
// re-attach to an interrupted execution under the same id.
package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/smithers/internal/idgen"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
)

const DefaultListLimit = 20

type Tracker struct {
	db       storage.DB
	logger   *slog.Logger
	tracer   trace.Tracer
	resumed  metric.Int64Counter
	takeover metric.Int64Counter
}

func NewTracker(db storage.DB, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:       db,
		logger:   telemetry.Component(logger, "execution"),
		tracer:   telemetry.Tracer(),
		resumed:  telemetry.Counter("smithers.execution.resumed", "Executions resumed in place"),
		takeover: telemetry.Counter("smithers.execution.takeover", "Running executions taken over from another owner"),
	}
}

type StartOptions struct {
	// ID resumes the execution with this id, or creates it under this id.
	ID string
	// Config is serialized as the execution's configuration payload.
	Config any
}

// Started describes the outcome of Start.
type Started struct {
	ID          string
	Resumed     bool
	PriorStatus models.ExecStatus
	PriorOwner  string
}

// TookOver reports whether Start re-attached to an execution another runner
// still had marked as running.
func (s *Started) TookOver(owner string) bool {
	return s.Resumed && s.PriorStatus == models.ExecStatusRunning && s.PriorOwner != owner
}

// Start begins a new execution, or resumes opts.ID in place, and makes it the
// current execution of sc.
func (t *Tracker) Start(ctx context.Context, sc *scope.Scope, name, sourceFile string, opts StartOptions) (*Started, error) {
	ctx, span := t.tracer.Start(ctx, "execution.start")
	defer span.End()

	var configText *string
	if opts.Config != nil {
		s, err := jsonval.Marshal(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize execution config: %w", err)
		}
		configText = &s
	}

	id := opts.ID
	if id == "" {
		id = idgen.New()
	}
	started := &Started{ID: id}
	if t.db.Closed() {
		return started, nil
	}

	now := storage.Now()
	err := t.db.RunInTx(ctx, func(q storage.Querier) error {
		var priorStatus, priorOwner sql.NullString
		found, err := q.QueryOneRow(ctx,
			`SELECT status, owner FROM executions WHERE id = ?`, []any{id},
			&priorStatus, &priorOwner,
		)
		if err != nil {
			return fmt.Errorf("failed to read execution: %w", err)
		}
		if found {
			started.Resumed = true
			started.PriorStatus = models.ExecStatus(priorStatus.String)
			started.PriorOwner = priorOwner.String
		}

		_, err = q.Execute(ctx,
			`INSERT INTO executions (id, name, source_file, status, config, owner, started_at, created_at)
			 VALUES (?, ?, ?, 'running', ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = 'running',
				error = NULL,
				completed_at = NULL,
				config = COALESCE(excluded.config, executions.config),
				owner = excluded.owner,
				started_at = COALESCE(executions.started_at, excluded.started_at),
				resume_count = executions.resume_count + 1`,
			id, name, sourceFile, configText, sc.Owner(), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert execution: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sc.Enter(id)
	span.SetAttributes(attribute.String("execution.id", id), attribute.Bool("execution.resumed", started.Resumed))

	switch {
	case started.TookOver(sc.Owner()):
		t.takeover.Add(ctx, 1)
		t.logger.Warn("taking over running execution",
			"execution_id", id, "previous_owner", started.PriorOwner, "owner", sc.Owner())
	case started.Resumed:
		t.resumed.Add(ctx, 1)
		t.logger.Info("resumed execution",
			"execution_id", id, "previous_status", started.PriorStatus)
	default:
		t.logger.Debug("started execution", "execution_id", id, "name", name)
	}
	return started, nil
}

// Complete marks id completed with result. Terminal executions are left unchanged.
func (t *Tracker) Complete(ctx context.Context, sc *scope.Scope, id string, result any) error {
	var resultText *string
	if result != nil {
		s, err := jsonval.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to serialize execution result: %w", err)
		}
		resultText = &s
	}
	return t.finish(ctx, sc, id, models.ExecStatusCompleted, resultText, nil)
}

func (t *Tracker) Fail(ctx context.Context, sc *scope.Scope, id, errText string) error {
	return t.finish(ctx, sc, id, models.ExecStatusFailed, nil, &errText)
}

func (t *Tracker) Cancel(ctx context.Context, sc *scope.Scope, id string) error {
	return t.finish(ctx, sc, id, models.ExecStatusCancelled, nil, nil)
}

func (t *Tracker) finish(ctx context.Context, sc *scope.Scope, id string, status models.ExecStatus, result, errText *string) error {
	res, err := t.db.Execute(ctx,
		`UPDATE executions SET status = ?, result = COALESCE(?, result), error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), result, errText, storage.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if res.RowsAffected == 0 {
		t.logger.Debug("finish ignored", "execution_id", id, "status", status)
	}
	sc.ClearIf(scope.Execution, id)
	return nil
}

// IncrementIterations bumps the control-loop pass counter of id.
func (t *Tracker) IncrementIterations(ctx context.Context, id string) error {
	_, err := t.db.Execute(ctx,
		`UPDATE executions SET total_iterations = total_iterations + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment iterations: %w", err)
	}
	return nil
}

// Current returns the id of sc's current execution, or "".
func (t *Tracker) Current(sc *scope.Scope) string {
	return sc.ExecutionID()
}

// CurrentExecution loads the row for sc's current execution.
func (t *Tracker) CurrentExecution(ctx context.Context, sc *scope.Scope) (*models.Execution, error) {
	id := sc.ExecutionID()
	if id == "" {
		return nil, nil
	}
	return t.Get(ctx, id)
}

// Get returns the execution, or nil when it does not exist.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Execution, error) {
	var e *models.Execution
	err := t.db.QueryRows(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, []any{id},
		func(sc storage.Scanner) error {
			var err error
			e, err = scanExecution(sc)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// List returns executions newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]*models.Execution, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return t.query(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// FindIncomplete returns the most recently created pending or running
// execution, or nil. It does not change any pointer.
func (t *Tracker) FindIncomplete(ctx context.Context) (*models.Execution, error) {
	list, err := t.query(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE status IN ('pending', 'running')
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (t *Tracker) query(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	var out []*models.Execution
	err := t.db.QueryRows(ctx, query, args, func(sc storage.Scanner) error {
		e, err := scanExecution(sc)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}

const executionColumns = `id, name, source_file, status, config, result, error, owner, resume_count,
	started_at, completed_at, created_at, total_iterations, total_agents, total_tool_calls, total_tokens_used`

func scanExecution(sc storage.Scanner) (*models.Execution, error) {
	var e models.Execution
	var config, result, errText, owner, startedAt, completedAt sql.NullString
	var createdAt string

	err := sc.Scan(
		&e.ID, &e.Name, &e.SourceFile, &e.Status, &config, &result, &errText, &owner, &e.ResumeCount,
		&startedAt, &completedAt, &createdAt,
		&e.TotalIterations, &e.TotalAgents, &e.TotalToolCalls, &e.TotalTokensUsed,
	)
	if err != nil {
		return nil, err
	}

	e.Config = jsonval.ParseOr(config.String, jsonval.NullValue())
	e.Result = jsonval.ParseOr(result.String, jsonval.NullValue())
	e.Error = errText.String
	e.Owner = owner.String
	e.StartedAt = storage.ParseNullTime(startedAt)
	e.CompletedAt = storage.ParseNullTime(completedAt)
	e.CreatedAt = storage.ParseTime(createdAt)
	return &e, nil
}
