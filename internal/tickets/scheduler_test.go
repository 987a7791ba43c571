package tickets

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/testutil"
)

func newScheduler(t *testing.T, seed ...models.Ticket) *Scheduler {
	t.Helper()
	s := New(testutil.OpenTestStore(t), nil)
	if len(seed) > 0 {
		if _, err := s.Seed(context.Background(), seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func nextID(t *testing.T, s *Scheduler, exclude string) string {
	t.Helper()
	tk, err := s.SelectNext(context.Background(), exclude)
	if err != nil {
		t.Fatalf("select next: %v", err)
	}
	if tk == nil {
		return ""
	}
	return tk.ID
}

func TestSelectNext_RespectsDependencies(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "A", Priority: 1, Title: "needs B", Dependencies: []string{"B"}},
		models.Ticket{ID: "B", Priority: 2, Title: "foundation"},
	)
	ctx := context.Background()

	if got := nextID(t, s, ""); got != "B" {
		t.Fatalf("expected B while A is blocked by it, got %q", got)
	}
	if err := s.UpdateStatus(ctx, "B", models.TicketStatusDone, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := nextID(t, s, ""); got != "A" {
		t.Fatalf("expected A once B is done, got %q", got)
	}
}

func TestSelectNext_PrefersInProgress(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "C", Priority: 1, Title: "urgent todo"},
		models.Ticket{ID: "D", Priority: 5, Title: "started", Status: models.TicketStatusInProgress},
	)

	if got := nextID(t, s, ""); got != "D" {
		t.Fatalf("expected in-progress D, got %q", got)
	}
	if got := nextID(t, s, "D"); got != "C" {
		t.Fatalf("expected C when D is excluded, got %q", got)
	}
}

func TestSelectNext_PriorityZeroIsMostUrgent(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "low", Priority: 5, Title: "later"},
		models.Ticket{ID: "urgent", Priority: 0, Title: "now"},
	)
	if got := nextID(t, s, ""); got != "urgent" {
		t.Fatalf("priority 0 ticket should be most urgent, got %q", got)
	}
	tk, _ := s.Get(context.Background(), "urgent")
	if tk.Priority != 0 {
		t.Fatalf("priority 0 must be stored as 0, got %d", tk.Priority)
	}

	if _, err := s.Seed(context.Background(), []models.Ticket{{ID: "neg", Priority: -1, Title: "bad"}}); err == nil {
		t.Fatal("negative priority must be rejected")
	}
}

func TestSelectNext_TieOrder(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "Z", Priority: 3, Title: "seeded first"},
		models.Ticket{ID: "A", Priority: 3, Title: "seeded second"},
	)
	if got := nextID(t, s, ""); got != "Z" {
		t.Fatalf("equal priority should follow creation order, got %q", got)
	}
}

func TestSelectNext_MissingDependencyNeverEligible(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "E", Priority: 1, Title: "orphan", Dependencies: []string{"ghost"}},
	)
	ctx := context.Background()

	if got := nextID(t, s, ""); got != "" {
		t.Fatalf("expected nothing eligible, got %q", got)
	}
	ok, err := s.AreDepsComplete(ctx, "E")
	if err != nil || ok {
		t.Fatalf("missing dependency must be incomplete: %v %v", ok, err)
	}
}

func TestSelectNext_SkipsBlockedAndDone(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "X", Priority: 1, Title: "blocked"},
		models.Ticket{ID: "Y", Priority: 2, Title: "done", Status: models.TicketStatusDone},
	)
	ctx := context.Background()
	if err := s.UpdateStatus(ctx, "X", models.TicketStatusBlocked, "waiting on API key"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := nextID(t, s, ""); got != "" {
		t.Fatalf("expected nothing, got %q", got)
	}
	x, _ := s.Get(ctx, "X")
	if x.BlockedReason != "waiting on API key" {
		t.Fatalf("unexpected blocked reason %q", x.BlockedReason)
	}

	if err := s.UpdateStatus(ctx, "X", models.TicketStatusTodo, "ignored"); err != nil {
		t.Fatalf("update: %v", err)
	}
	x, _ = s.Get(ctx, "X")
	if x.BlockedReason != "" {
		t.Fatal("unblocking clears the reason")
	}
	if err := s.UpdateStatus(ctx, "X", "archived", ""); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestAreDepsComplete(t *testing.T) {
	s := newScheduler(t,
		models.Ticket{ID: "root", Title: "no deps"},
		models.Ticket{ID: "leaf", Title: "depends", Dependencies: []string{"root"}},
	)
	ctx := context.Background()

	if ok, _ := s.AreDepsComplete(ctx, "root"); !ok {
		t.Fatal("empty dependency list is complete")
	}
	if ok, _ := s.AreDepsComplete(ctx, "leaf"); ok {
		t.Fatal("todo dependency is incomplete")
	}
	_ = s.UpdateStatus(ctx, "root", models.TicketStatusDone, "")
	if ok, _ := s.AreDepsComplete(ctx, "leaf"); !ok {
		t.Fatal("done dependency is complete")
	}
	if _, err := s.AreDepsComplete(ctx, "nope"); err == nil {
		t.Fatal("unknown ticket must error")
	}
}

func TestSeed_Idempotent(t *testing.T) {
	backlog := []models.Ticket{
		{ID: "T1", Priority: 1, Title: "one", AcceptanceCriteria: []string{"tests pass"}, Budget: &models.Budget{MaxIterations: 3}},
		{ID: "T2", Priority: 2, Title: "two"},
	}
	s := newScheduler(t, backlog...)
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, "T1", models.TicketStatusInProgress, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	backlog = append(backlog, models.Ticket{ID: "T3", Title: "three"})
	n, err := s.Seed(ctx, backlog)
	if err != nil || n != 1 {
		t.Fatalf("expected only T3 inserted, got %d %v", n, err)
	}

	t1, _ := s.Get(ctx, "T1")
	if t1.Status != models.TicketStatusInProgress {
		t.Fatal("reseeding must not reset existing tickets")
	}
	if len(t1.AcceptanceCriteria) != 1 || t1.Budget == nil || t1.Budget.MaxIterations != 3 {
		t.Fatalf("unexpected stored ticket %+v", t1)
	}
	if t1.Source != models.TicketSourceSeed {
		t.Fatalf("expected seed source, got %s", t1.Source)
	}
	t3, _ := s.Get(ctx, "T3")
	if t3.Priority != 0 || t3.Status != models.TicketStatusTodo {
		t.Fatalf("unexpected defaults %+v", t3)
	}
}

func TestAddProgressNote_Appends(t *testing.T) {
	s := newScheduler(t, models.Ticket{ID: "N", Title: "notes"})
	ctx := context.Background()

	for _, note := range []string{"started", "tests green", "ünïcode ok"} {
		if err := s.AddProgressNote(ctx, "N", note); err != nil {
			t.Fatalf("note: %v", err)
		}
	}
	tk, _ := s.Get(ctx, "N")
	if strings.Join(tk.ProgressNotes, "|") != "started|tests green|ünïcode ok" {
		t.Fatalf("unexpected notes %v", tk.ProgressNotes)
	}
}

func TestAddProgressNote_Concurrent(t *testing.T) {
	path := testutil.OpenTestStore(t).Path()
	ctx := context.Background()
	if _, err := New(testutil.OpenStoreAt(t, path), nil).Seed(ctx, []models.Ticket{{ID: "N", Title: "notes"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		s := New(testutil.OpenStoreAt(t, path), nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AddProgressNote(ctx, "N", "note"); err != nil {
				t.Errorf("note: %v", err)
			}
		}()
	}
	wg.Wait()

	tk, _ := New(testutil.OpenStoreAt(t, path), nil).Get(ctx, "N")
	if len(tk.ProgressNotes) != writers {
		t.Fatalf("expected %d notes, got %d", writers, len(tk.ProgressNotes))
	}
}

func TestSetLastRun_PreservesUnsetFields(t *testing.T) {
	s := newScheduler(t, models.Ticket{ID: "L", Title: "last run"})
	ctx := context.Background()

	report := "reports/1.md"
	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetLastRun(ctx, "L", LastRun{RunAt: first, ReportPath: &report}); err != nil {
		t.Fatalf("set last run: %v", err)
	}
	goal := "make tests pass"
	if err := s.SetLastRun(ctx, "L", LastRun{RunAt: first.Add(time.Hour), TicketGoal: &goal}); err != nil {
		t.Fatalf("set last run: %v", err)
	}

	tk, _ := s.Get(ctx, "L")
	if tk.LastReportPath != report || tk.LastTicketGoal != goal || tk.LastReviewDir != "" {
		t.Fatalf("unexpected last run fields %+v", tk)
	}
	if tk.LastRunAt == nil || !tk.LastRunAt.Equal(first.Add(time.Hour)) {
		t.Fatalf("unexpected last_run_at %v", tk.LastRunAt)
	}
}

func TestCreateFromTriage(t *testing.T) {
	s := newScheduler(t)
	ctx := context.Background()

	id, err := s.CreateFromTriage(ctx, models.Ticket{Title: "flaky test", Priority: 2}, "report-42")
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if !strings.HasPrefix(id, "T-") {
		t.Fatalf("expected generated id, got %q", id)
	}
	tk, _ := s.Get(ctx, id)
	if tk.Source != models.TicketSourceTriage || tk.SourceReportID != "report-42" || tk.Status != models.TicketStatusTodo {
		t.Fatalf("unexpected triage ticket %+v", tk)
	}
	if _, err := s.CreateFromTriage(ctx, models.Ticket{ID: id, Title: "dup"}, ""); err == nil {
		t.Fatal("duplicate triage id must fail")
	}

	counts, err := s.Counts(ctx)
	if err != nil || counts[models.TicketStatusTodo] != 1 {
		t.Fatalf("unexpected counts %v %v", counts, err)
	}
}
