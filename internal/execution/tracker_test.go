package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/testutil"
)

func newTracker(t *testing.T) (*Tracker, *storage.Store) {
	t.Helper()
	store := testutil.OpenTestStore(t)
	return NewTracker(store, nil), store
}

func countRows(t *testing.T, db storage.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if _, err := db.QueryOneRow(context.Background(), query, args, &n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestStart_NewExecutionBecomesCurrent(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner-a")

	started, err := tr.Start(ctx, sc, "build", "workflow.lua", StartOptions{Config: map[string]any{"max": 3}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Resumed {
		t.Fatal("new execution reported as resumed")
	}
	if tr.Current(sc) != started.ID {
		t.Fatalf("expected current %s, got %s", started.ID, tr.Current(sc))
	}

	e, err := tr.Get(ctx, started.ID)
	if err != nil || e == nil {
		t.Fatalf("get: %v %v", e, err)
	}
	if e.Status != models.ExecStatusRunning || e.Owner != "runner-a" || e.StartedAt == nil {
		t.Fatalf("unexpected execution %+v", e)
	}
	if got := e.Config.String(); got != `{"max":3}` {
		t.Fatalf("unexpected config %s", got)
	}
}

func TestStart_ResumesInPlace(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner-a")

	first, err := tr.Start(ctx, sc, "build", "wf.lua", StartOptions{ID: "ext-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Fail(ctx, sc, first.ID, "crashed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	before, _ := tr.Get(ctx, "ext-1")

	second, err := tr.Start(ctx, sc, "build-renamed", "wf.lua", StartOptions{ID: "ext-1"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.ID != "ext-1" || !second.Resumed || second.PriorStatus != models.ExecStatusFailed {
		t.Fatalf("unexpected resume outcome %+v", second)
	}
	if n := countRows(t, store, `SELECT COUNT(*) FROM executions WHERE id = ?`, "ext-1"); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}

	e, _ := tr.Get(ctx, "ext-1")
	if e.Status != models.ExecStatusRunning || e.Name != "build-renamed" {
		t.Fatalf("unexpected resumed row %+v", e)
	}
	if e.Error != "" || e.CompletedAt != nil {
		t.Fatalf("resume must clear error and completed_at: %+v", e)
	}
	if e.ResumeCount != 1 {
		t.Fatalf("expected resume_count 1, got %d", e.ResumeCount)
	}
	if !e.StartedAt.Equal(*before.StartedAt) {
		t.Fatalf("resume must keep the original started_at")
	}
}

func TestStart_ReportsTakeover(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	if _, err := tr.Start(ctx, scope.New("runner-a"), "build", "", StartOptions{ID: "shared"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sc := scope.New("runner-b")
	started, err := tr.Start(ctx, sc, "build", "", StartOptions{ID: "shared"})
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !started.TookOver("runner-b") || started.PriorOwner != "runner-a" {
		t.Fatalf("expected takeover from runner-a, got %+v", started)
	}
	e, _ := tr.Get(ctx, "shared")
	if e.Owner != "runner-b" {
		t.Fatalf("expected owner runner-b, got %s", e.Owner)
	}
}

func TestStart_ConcurrentResumeKeepsOneRow(t *testing.T) {
	path := testutil.OpenTestStore(t).Path()
	ctx := context.Background()

	const runners = 6
	var wg sync.WaitGroup
	errs := make(chan error, runners)
	for i := 0; i < runners; i++ {
		store := testutil.OpenStoreAt(t, path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := NewTracker(store, nil)
			_, err := tr.Start(ctx, scope.New("runner"), "build", "", StartOptions{ID: "ext-race"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	check := testutil.OpenStoreAt(t, path)
	if n := countRows(t, check, `SELECT COUNT(*) FROM executions WHERE id = 'ext-race'`); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
	if n := countRows(t, check, `SELECT resume_count FROM executions WHERE id = 'ext-race'`); n != runners-1 {
		t.Fatalf("expected resume_count %d, got %d", runners-1, n)
	}
}

func TestComplete_ClearsPointerOnlyWhenCurrent(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")

	e1, _ := tr.Start(ctx, sc, "one", "", StartOptions{})
	e2, _ := tr.Start(ctx, sc, "two", "", StartOptions{})

	if err := tr.Complete(ctx, sc, e1.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Current(sc) != e2.ID {
		t.Fatal("completing a non-current execution must not clear the pointer")
	}

	if err := tr.Cancel(ctx, sc, e2.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.Current(sc) != "" {
		t.Fatal("cancelling the current execution clears the pointer")
	}

	got, _ := tr.Get(ctx, e1.ID)
	if got.Status != models.ExecStatusCompleted || got.Result.String() != `{"ok":true}` || got.CompletedAt == nil {
		t.Fatalf("unexpected completed row %+v", got)
	}

	// Terminal rows are not rewritten.
	if err := tr.Fail(ctx, sc, e1.ID, "late"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = tr.Get(ctx, e1.ID)
	if got.Status != models.ExecStatusCompleted || got.Error != "" {
		t.Fatalf("terminal execution changed: %+v", got)
	}
}

func TestComplete_UnserializableResult(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")
	e, _ := tr.Start(ctx, sc, "one", "", StartOptions{})

	if err := tr.Complete(ctx, sc, e.ID, make(chan int)); err == nil {
		t.Fatal("expected serialization error")
	}
	got, _ := tr.Get(ctx, e.ID)
	if got.Status != models.ExecStatusRunning {
		t.Fatalf("failed serialization must not write: %s", got.Status)
	}
}

func TestStartChild_RequiresActiveExecution(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")

	starts := map[string]func() (string, error){
		"phase":     func() (string, error) { return tr.StartPhase(ctx, sc, "plan") },
		"step":      func() (string, error) { return tr.StartStep(ctx, sc, "lint") },
		"agent":     func() (string, error) { return tr.StartAgent(ctx, sc, AgentOptions{Model: "m"}) },
		"task":      func() (string, error) { return tr.StartTask(ctx, sc, "claude", "fixer") },
		"tool call": func() (string, error) { return tr.StartToolCall(ctx, sc, "bash", nil) },
	}
	for name, start := range starts {
		_, err := start()
		if !errors.Is(err, ErrNoActiveExecution) {
			t.Fatalf("%s: expected ErrNoActiveExecution, got %v", name, err)
		}
		var pe *PreconditionError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: expected PreconditionError, got %T", name, err)
		}
	}
}

func TestStart_NilScopeIsDetached(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	started, err := tr.Start(ctx, nil, "detached", "", StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tr.StartPhase(ctx, nil, "plan"); !errors.Is(err, ErrNoActiveExecution) {
		t.Fatalf("expected ErrNoActiveExecution, got %v", err)
	}
	if err := tr.Complete(ctx, nil, started.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e, _ := tr.Get(ctx, started.ID)
	if e.Status != models.ExecStatusCompleted {
		t.Fatalf("expected completed, got %s", e.Status)
	}
}

func TestStartTask_CopiesIteration(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")
	e, _ := tr.Start(ctx, sc, "loop", "", StartOptions{})

	if _, err := store.Execute(ctx, `UPDATE state SET value = '3' WHERE key = 'iteration'`); err != nil {
		t.Fatalf("set iteration: %v", err)
	}
	taskID, err := tr.StartTask(ctx, sc, "claude", "implementer")
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := tr.CompleteTask(ctx, sc, taskID); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	tasks, err := tr.Tasks(ctx, e.ID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks: %v %v", tasks, err)
	}
	if tasks[0].Iteration != 3 || tasks[0].Status != models.NodeStatusCompleted || tasks[0].DurationMs == nil {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
	if sc.Current(scope.Task) != "" {
		t.Fatal("completing the current task clears its pointer")
	}
}

func TestCounters(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")
	e, _ := tr.Start(ctx, sc, "count", "", StartOptions{})

	agentID, err := tr.StartAgent(ctx, sc, AgentOptions{Model: "sonnet", Prompt: "fix it"})
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	for i := 0; i < 2; i++ {
		callID, err := tr.StartToolCall(ctx, sc, "bash", map[string]any{"cmd": "go test"})
		if err != nil {
			t.Fatalf("start tool call: %v", err)
		}
		if err := tr.CompleteToolCall(ctx, sc, callID, "ok"); err != nil {
			t.Fatalf("complete tool call: %v", err)
		}
	}
	if err := tr.CompleteAgent(ctx, sc, agentID, "done", TokenUsage{Input: 10, Output: 5}); err != nil {
		t.Fatalf("complete agent: %v", err)
	}
	// A second completion must not double count tokens.
	if err := tr.CompleteAgent(ctx, sc, agentID, "done", TokenUsage{Input: 10, Output: 5}); err != nil {
		t.Fatalf("complete agent again: %v", err)
	}
	if err := tr.IncrementIterations(ctx, e.ID); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, _ := tr.Get(ctx, e.ID)
	if got.TotalAgents != 1 || got.TotalToolCalls != 2 || got.TotalTokensUsed != 15 || got.TotalIterations != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}

	agents, _ := tr.Agents(ctx, e.ID)
	if len(agents) != 1 || agents[0].ToolCallsCount != 2 || agents[0].Status != models.NodeStatusCompleted {
		t.Fatalf("unexpected agent %+v", agents)
	}

	calls, _ := tr.ToolCalls(ctx, e.ID)
	if len(calls) != 2 || calls[0].AgentID != agentID || calls[0].Input.String() != `{"cmd":"go test"}` {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
}

func TestFinishNode_StaleIDIsNoop(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")
	e, _ := tr.Start(ctx, sc, "phases", "", StartOptions{})

	p1, _ := tr.StartPhase(ctx, sc, "plan")
	p2, _ := tr.StartPhase(ctx, sc, "build")

	if err := tr.CompletePhase(ctx, sc, p1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if sc.Current(scope.Phase) != p2 {
		t.Fatal("finishing a stale phase must keep the current pointer")
	}
	if err := tr.FailPhase(ctx, sc, p1, "late failure"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := tr.SkipPhase(ctx, sc, p2); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if err := tr.CompletePhase(ctx, sc, "does-not-exist"); err != nil {
		t.Fatalf("complete unknown: %v", err)
	}

	phases, _ := tr.Phases(ctx, e.ID)
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Status != models.NodeStatusCompleted || phases[0].Error != "" {
		t.Fatalf("completed phase changed: %+v", phases[0])
	}
	if phases[1].Status != models.NodeStatusSkipped {
		t.Fatalf("expected skipped, got %s", phases[1].Status)
	}
}

func TestStep_RecordsPhase(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")
	e, _ := tr.Start(ctx, sc, "steps", "", StartOptions{})

	phaseID, _ := tr.StartPhase(ctx, sc, "build")
	stepID, err := tr.StartStep(ctx, sc, "compile")
	if err != nil {
		t.Fatalf("start step: %v", err)
	}
	if err := tr.FailStep(ctx, sc, stepID, "exit 1"); err != nil {
		t.Fatalf("fail step: %v", err)
	}

	steps, _ := tr.Steps(ctx, e.ID)
	if len(steps) != 1 || steps[0].PhaseID != phaseID || steps[0].Status != models.NodeStatusFailed || steps[0].Error != "exit 1" {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestListAndFindIncomplete(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	sc := scope.New("runner")

	if e, err := tr.FindIncomplete(ctx); err != nil || e != nil {
		t.Fatalf("expected nothing incomplete, got %v %v", e, err)
	}

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		s, err := tr.Start(ctx, sc, name, "", StartOptions{})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		ids = append(ids, s.ID)
	}
	if err := tr.Complete(ctx, sc, ids[2], nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	list, err := tr.List(ctx, 0)
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("expected newest first, got %s..%s", list[0].ID, list[2].ID)
	}

	inc, err := tr.FindIncomplete(ctx)
	if err != nil || inc == nil || inc.ID != ids[1] {
		t.Fatalf("expected %s incomplete, got %+v %v", ids[1], inc, err)
	}
	if tr.Current(sc) != "" {
		t.Fatal("find incomplete must not move pointers")
	}

	if e, err := tr.Get(ctx, "missing"); err != nil || e != nil {
		t.Fatalf("expected nil for missing id, got %v %v", e, err)
	}
}

func TestClosedStore(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()
	store.Close()

	sc := scope.New("runner")
	started, err := tr.Start(ctx, sc, "late", "", StartOptions{})
	if err != nil || started.ID == "" {
		t.Fatalf("start on closed store: %+v %v", started, err)
	}
	list, err := tr.List(ctx, 10)
	if err != nil || len(list) != 0 {
		t.Fatalf("list on closed store: %v %v", list, err)
	}
}
