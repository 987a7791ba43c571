// Package tickets schedules backlog work across idle workers. Tickets are
// ordered by priority, then creation time, then id; a ticket is eligible
// only when every dependency names a ticket that is done.
package tickets

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/smithers/internal/idgen"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
)

// DefaultPriority is the priority backlog entries and triage tickets get
// when none is given.
const DefaultPriority = models.DefaultTicketPriority

type Scheduler struct {
	db     storage.DB
	logger *slog.Logger
	tracer trace.Tracer
}

func New(db storage.DB, logger *slog.Logger) *Scheduler {
	return &Scheduler{db: db, logger: telemetry.Component(logger, "tickets"), tracer: telemetry.Tracer()}
}

// Seed inserts tickets whose ids are not yet present and returns how many
// were added. Existing tickets are never modified.
func (s *Scheduler) Seed(ctx context.Context, list []models.Ticket) (int, error) {
	base := time.Now()
	inserted := 0
	err := s.db.RunInTx(ctx, func(q storage.Querier) error {
		inserted = 0
		for i, t := range list {
			if t.ID == "" {
				return fmt.Errorf("ticket %d has no id", i)
			}
			// Offset creation times so tickets of equal priority keep their seed order.
			created := storage.FormatTime(base.Add(time.Duration(i) * time.Microsecond))
			n, err := insertTicket(ctx, q, t, models.TicketSourceSeed, "", created, true)
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to seed tickets: %w", err)
	}
	if inserted > 0 {
		s.logger.Info("seeded tickets", "inserted", inserted, "total", len(list))
	}
	return inserted, nil
}

// CreateFromTriage adds a ticket discovered while triaging a report. An
// empty id is generated.
func (s *Scheduler) CreateFromTriage(ctx context.Context, t models.Ticket, sourceReportID string) (string, error) {
	if t.ID == "" {
		t.ID = "T-" + idgen.ULID()
	}
	_, err := insertTicket(ctx, s.db, t, models.TicketSourceTriage, sourceReportID, storage.Now(), false)
	if err != nil {
		return "", fmt.Errorf("failed to create triage ticket: %w", err)
	}
	s.logger.Info("created triage ticket", "ticket_id", t.ID, "source_report_id", sourceReportID)
	return t.ID, nil
}

func insertTicket(ctx context.Context, q storage.Querier, t models.Ticket, source models.TicketSource, reportID, created string, ignoreExisting bool) (int, error) {
	if t.Title == "" {
		return 0, fmt.Errorf("ticket %s has no title", t.ID)
	}
	status := t.Status
	if status == "" {
		status = models.TicketStatusTodo
	}
	if !status.Valid() {
		return 0, fmt.Errorf("ticket %s has invalid status %q", t.ID, status)
	}
	if t.Priority < 0 {
		return 0, fmt.Errorf("ticket %s has negative priority %d", t.ID, t.Priority)
	}

	deps, err := jsonval.Marshal(nonNil(t.Dependencies))
	if err != nil {
		return 0, err
	}
	criteria, err := jsonval.Marshal(nonNil(t.AcceptanceCriteria))
	if err != nil {
		return 0, err
	}
	var budget *string
	if t.Budget != nil {
		b, err := jsonval.Marshal(t.Budget)
		if err != nil {
			return 0, err
		}
		budget = &b
	}
	var report *string
	if reportID != "" {
		report = &reportID
	}

	verb := "INSERT"
	if ignoreExisting {
		verb = "INSERT OR IGNORE"
	}
	res, err := q.Execute(ctx,
		verb+` INTO tickets (id, priority, title, description, dependencies, acceptance_criteria, status,
			budget, source, source_report_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Priority, t.Title, t.Description, deps, criteria, string(status),
		budget, string(source), report, created, created,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ticket %s: %w", t.ID, err)
	}
	return int(res.RowsAffected), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SelectNext picks the ticket an idle worker should take: an eligible
// in_progress ticket first (resuming work), then an eligible todo ticket.
// excludeID is never returned. It returns nil when nothing is eligible.
func (s *Scheduler) SelectNext(ctx context.Context, excludeID string) (*models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "tickets.select_next")
	defer span.End()

	all, err := s.list(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool)
	for _, t := range all {
		if t.Status == models.TicketStatusDone {
			done[t.ID] = true
		}
	}

	for _, want := range []models.TicketStatus{models.TicketStatusInProgress, models.TicketStatusTodo} {
		for _, t := range all {
			if t.Status != want || t.ID == excludeID {
				continue
			}
			if depsDone(t.Dependencies, done) {
				span.SetAttributes(attribute.String("ticket.id", t.ID))
				return t, nil
			}
		}
	}
	return nil, nil
}

func depsDone(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// AreDepsComplete reports whether every dependency of id is done. A
// dependency naming a ticket that does not exist is never complete.
func (s *Scheduler) AreDepsComplete(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("ticket %s not found", id)
	}
	if len(t.Dependencies) == 0 {
		return true, nil
	}

	done := make(map[string]bool)
	for _, dep := range t.Dependencies {
		var status string
		found, err := s.db.QueryOneRow(ctx, `SELECT status FROM tickets WHERE id = ?`, []any{dep}, &status)
		if err != nil {
			return false, fmt.Errorf("failed to read dependency %s: %w", dep, err)
		}
		done[dep] = found && models.TicketStatus(status) == models.TicketStatusDone
	}
	return depsDone(t.Dependencies, done), nil
}

// UpdateStatus moves id to status. blockedReason is stored for blocked
// tickets and cleared otherwise.
func (s *Scheduler) UpdateStatus(ctx context.Context, id string, status models.TicketStatus, blockedReason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid ticket status %q", status)
	}
	var reason *string
	if status == models.TicketStatusBlocked && blockedReason != "" {
		reason = &blockedReason
	}
	_, err := s.db.Execute(ctx,
		`UPDATE tickets SET status = ?, blocked_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, storage.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	return nil
}

// AddProgressNote appends note to the ticket's notes in a single statement.
func (s *Scheduler) AddProgressNote(ctx context.Context, id, note string) error {
	_, err := s.db.Execute(ctx,
		`UPDATE tickets SET
			progress_notes = json_insert(
				CASE WHEN json_valid(progress_notes) THEN progress_notes ELSE '[]' END, '$[#]', ?),
			updated_at = ?
		 WHERE id = ?`,
		note, storage.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to add note to ticket %s: %w", id, err)
	}
	return nil
}

// LastRun describes the most recent attempt at a ticket. Nil fields keep
// their stored value.
type LastRun struct {
	RunAt      time.Time
	ReportPath *string
	ReviewDir  *string
	TicketGoal *string
}

func (s *Scheduler) SetLastRun(ctx context.Context, id string, run LastRun) error {
	runAt := run.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	_, err := s.db.Execute(ctx,
		`UPDATE tickets SET
			last_run_at = ?,
			last_report_path = COALESCE(?, last_report_path),
			last_review_dir = COALESCE(?, last_review_dir),
			last_ticket_goal = COALESCE(?, last_ticket_goal),
			updated_at = ?
		 WHERE id = ?`,
		storage.FormatTime(runAt), run.ReportPath, run.ReviewDir, run.TicketGoal, storage.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record last run of ticket %s: %w", id, err)
	}
	return nil
}

// Get returns the ticket, or nil when it does not exist.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.Ticket, error) {
	list, err := s.list(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// List returns tickets in scheduling order, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	if status == "" {
		return s.list(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY priority, created_at, id`)
	}
	return s.list(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = ? ORDER BY priority, created_at, id`, string(status))
}

// Counts returns the number of tickets per status.
func (s *Scheduler) Counts(ctx context.Context) (map[models.TicketStatus]int, error) {
	out := make(map[models.TicketStatus]int)
	err := s.db.QueryRows(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`, nil,
		func(sc storage.Scanner) error {
			var status string
			var n int
			if err := sc.Scan(&status, &n); err != nil {
				return err
			}
			out[models.TicketStatus(status)] = n
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	return out, nil
}

const ticketColumns = `id, priority, title, description, dependencies, acceptance_criteria, status,
	progress_notes, blocked_reason, budget, last_run_at, last_report_path, last_review_dir,
	last_ticket_goal, source, source_report_id, created_at, updated_at`

func (s *Scheduler) list(ctx context.Context, query string, args ...any) ([]*models.Ticket, error) {
	var out []*models.Ticket
	err := s.db.QueryRows(ctx, query, args, func(sc storage.Scanner) error {
		t, err := scanTicket(sc)
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return out, nil
}

func scanTicket(sc storage.Scanner) (*models.Ticket, error) {
	var t models.Ticket
	var deps, criteria, notes, status, source, createdAt, updatedAt string
	var blocked, budget, lastRun, reportPath, reviewDir, goal, reportID sql.NullString

	err := sc.Scan(&t.ID, &t.Priority, &t.Title, &t.Description, &deps, &criteria, &status,
		&notes, &blocked, &budget, &lastRun, &reportPath, &reviewDir,
		&goal, &source, &reportID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Dependencies = stringList(deps)
	t.AcceptanceCriteria = stringList(criteria)
	t.ProgressNotes = stringList(notes)
	t.Status = models.TicketStatus(status)
	t.BlockedReason = blocked.String
	if budget.Valid {
		var b models.Budget
		if json.Unmarshal([]byte(budget.String), &b) == nil {
			t.Budget = &b
		}
	}
	t.LastRunAt = storage.ParseNullTime(lastRun)
	t.LastReportPath = reportPath.String
	t.LastReviewDir = reviewDir.String
	t.LastTicketGoal = goal.String
	t.Source = models.TicketSource(source)
	t.SourceReportID = reportID.String
	t.CreatedAt = storage.ParseTime(createdAt)
	t.UpdatedAt = storage.ParseTime(updatedAt)
	return &t, nil
}

// stringList decodes a stored JSON array of strings. Malformed input and
// non-string members are dropped.
func stringList(raw string) []string {
	out := []string{}
	for _, it := range jsonval.ParseOr(raw, jsonval.ArrayValue()).Items() {
		if s, ok := it.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}
