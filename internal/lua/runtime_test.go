package lua

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/smithers/internal/execution"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/lease"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/state"
	"github.com/mpataki/smithers/internal/testutil"
	"github.com/mpataki/smithers/internal/tickets"
	"github.com/mpataki/smithers/internal/vcsqueue"
)

func newRuntime(t *testing.T) (*Runtime, Deps) {
	t.Helper()
	db := testutil.OpenTestStore(t)
	deps := Deps{
		Tracker: execution.NewTracker(db, nil),
		State:   state.New(db, nil),
		Tickets: tickets.New(db, nil),
		Queue:   vcsqueue.New(db, nil),
		Lease:   lease.New(db, nil),
		Scope:   scope.New("runner-test"),
	}
	return NewRuntime(deps), deps
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecute_CompletesWorkflow(t *testing.T) {
	rt, deps := newRuntime(t)
	ctx := context.Background()
	if _, err := deps.Tickets.Seed(ctx, []models.Ticket{{ID: "T1", Priority: 1, Title: "first"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	path := writeScript(t, `
function workflow(ctx)
  log("starting " .. ctx.input)
  local picked
  phase("plan", function()
    local t = tickets.next()
    picked = t.id
    tickets.status(t.id, "in_progress")
    tickets.note(t.id, "picked up")
    state.set("ticket", {id = t.id, tries = 1})
  end)
  local n = next_iteration()
  local id = step("commit", function()
    return vcs.enqueue("commit", {message = "wip", all = true})
  end)
  return {ticket = picked, iteration = n, vcs_id = id}
end
`)

	out, err := rt.Execute(ctx, path, RunOptions{Input: "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != models.ExecStatusCompleted || out.Stuck {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Logs) != 1 || out.Logs[0] != "starting go" {
		t.Fatalf("unexpected logs %v", out.Logs)
	}

	exec, err := deps.Tracker.Get(ctx, out.ExecutionID)
	if err != nil || exec == nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != models.ExecStatusCompleted || exec.Name != "flow" || exec.TotalIterations != 1 {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if got := exec.Result.String(); got != `{"iteration":1,"ticket":"T1","vcs_id":1}` {
		t.Fatalf("unexpected result %s", got)
	}
	if deps.Scope.Active() {
		t.Fatal("completed execution should leave scope")
	}

	phases, _ := deps.Tracker.Phases(ctx, out.ExecutionID)
	if len(phases) != 1 || phases[0].Status != models.NodeStatusCompleted {
		t.Fatalf("unexpected phases %+v", phases)
	}
	tk, _ := deps.Tickets.Get(ctx, "T1")
	if tk.Status != models.TicketStatusInProgress || len(tk.ProgressNotes) != 1 {
		t.Fatalf("unexpected ticket %+v", tk)
	}
	v, _ := deps.State.Get(ctx, "ticket")
	if v.String() != `{"id":"T1","tries":1}` {
		t.Fatalf("unexpected state %s", v)
	}
	item, _ := deps.Queue.Get(ctx, 1)
	if item == nil || item.Operation != "commit" || item.Payload.String() != `{"all":true,"message":"wip"}` {
		t.Fatalf("unexpected vcs item %+v", item)
	}
}

func TestExecute_StuckFailsExecutionAndPhase(t *testing.T) {
	rt, deps := newRuntime(t)
	ctx := context.Background()
	path := writeScript(t, `
function workflow(ctx)
  phase("fix", function()
    stuck("tests keep failing")
  end)
  log("unreachable")
end
`)

	out, err := rt.Execute(ctx, path, RunOptions{ExecutionID: "exec-stuck"})
	if err != nil {
		t.Fatalf("stuck is not an error: %v", err)
	}
	if !out.Stuck || out.Reason != "tests keep failing" || out.ExecutionID != "exec-stuck" || len(out.Logs) != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	exec, _ := deps.Tracker.Get(ctx, "exec-stuck")
	if exec.Status != models.ExecStatusFailed || exec.Error != "stuck: tests keep failing" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	phases, _ := deps.Tracker.Phases(ctx, "exec-stuck")
	if len(phases) != 1 || phases[0].Status != models.NodeStatusFailed {
		t.Fatalf("unexpected phases %+v", phases)
	}
}

func TestExecute_RuntimeErrorFails(t *testing.T) {
	rt, deps := newRuntime(t)
	ctx := context.Background()
	path := writeScript(t, `function workflow(ctx) error("boom") end`)

	out, err := rt.Execute(ctx, path, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected boom error, got %v", err)
	}
	exec, _ := deps.Tracker.Get(ctx, out.ExecutionID)
	if exec.Status != models.ExecStatusFailed || !strings.Contains(exec.Error, "boom") {
		t.Fatalf("unexpected execution %+v", exec)
	}
}

func TestExecute_RequiresWorkflow(t *testing.T) {
	rt, _ := newRuntime(t)
	path := writeScript(t, `x = 1`)
	if _, err := rt.Execute(context.Background(), path, RunOptions{}); err == nil {
		t.Fatal("expected missing workflow error")
	}
}

func TestExecute_Sandbox(t *testing.T) {
	rt, _ := newRuntime(t)
	path := writeScript(t, `
function workflow(ctx)
  return {os = os == nil, io = io == nil, random = math.random == nil, load = load == nil, print = print == nil}
end
`)
	out, err := rt.Execute(context.Background(), path, RunOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	exec, _ := rt.deps.Tracker.Get(context.Background(), out.ExecutionID)
	if got := exec.Result.String(); got != `{"io":true,"load":true,"os":true,"print":true,"random":true}` {
		t.Fatalf("sandbox leaked: %s", got)
	}
}

func TestExecute_LeaseBindings(t *testing.T) {
	rt, deps := newRuntime(t)
	ctx := context.Background()
	path := writeScript(t, `
function workflow(ctx)
  local won, fixer = lease.broken("agent-7")
  local again = lease.broken("agent-8")
  lease.fixed()
  return {won = won, fixer = fixer, again = again}
end
`)
	out, err := rt.Execute(ctx, path, RunOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	exec, _ := deps.Tracker.Get(ctx, out.ExecutionID)
	if got := exec.Result.String(); got != `{"again":false,"fixer":"agent-7","won":true}` {
		t.Fatalf("unexpected result %s", got)
	}
	st, _ := deps.Lease.Get(ctx)
	if st.Status != models.BuildStatusPassing {
		t.Fatalf("expected passing after lease.fixed, got %s", st.Status)
	}
}

func TestValueConversions(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	src, err := jsonval.Parse([]byte(`{"b":[1,2.5,"x"],"a":{"ok":true},"n":null}`))
	if err != nil {
		t.Fatal(err)
	}
	back, err := luaToValue(valueToLua(L, src))
	if err != nil {
		t.Fatal(err)
	}
	// Lua tables are unordered and null members vanish.
	if got := back.String(); got != `{"a":{"ok":true},"b":[1,2.5,"x"]}` {
		t.Fatalf("unexpected round trip %s", got)
	}
	if v, _ := luaToValue(L.NewTable()); !v.Equal(jsonval.ObjectValue()) {
		t.Fatal("empty table should become an empty object")
	}
	if v, _ := luaToValue(lua.LNil); !v.IsNull() {
		t.Fatal("nil should become null")
	}

	shared := L.NewTable()
	shared.RawSetString("k", lua.LString("v"))
	outer := L.NewTable()
	outer.RawSetString("a", shared)
	outer.RawSetString("b", shared)
	if v, err := luaToValue(outer); err != nil || v.String() != `{"a":{"k":"v"},"b":{"k":"v"}}` {
		t.Fatalf("shared table should convert twice: %s %v", v, err)
	}
}

func TestExecute_SelfReferencingTableFails(t *testing.T) {
	rt, deps := newRuntime(t)
	ctx := context.Background()
	path := writeScript(t, `
function workflow(ctx)
  local t = {name = "loop"}
  t.self = t
  state.set("loop", t)
  return "unreachable"
end
`)

	out, err := rt.Execute(ctx, path, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "itself") {
		t.Fatalf("expected self-reference error, got %v", err)
	}
	exec, _ := deps.Tracker.Get(ctx, out.ExecutionID)
	if exec.Status != models.ExecStatusFailed {
		t.Fatalf("expected failed execution, got %s", exec.Status)
	}
	if v, _ := deps.State.Get(ctx, "loop"); !v.IsNull() {
		t.Fatalf("nothing should be written, got %s", v)
	}
}
