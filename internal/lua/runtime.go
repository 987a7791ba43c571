package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/smithers/internal/execution"
	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/lease"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/state"
	"github.com/mpataki/smithers/internal/telemetry"
	"github.com/mpataki/smithers/internal/tickets"
	"github.com/mpataki/smithers/internal/vcsqueue"
)

// Deps are the components a workflow script can reach.
type Deps struct {
	Tracker *execution.Tracker
	State   *state.Store
	Tickets *tickets.Scheduler
	Queue   *vcsqueue.Queue
	Lease   *lease.Lease
	Scope   *scope.Scope
	Logger  *slog.Logger
}

type RunOptions struct {
	// ExecutionID resumes or creates the execution under this id.
	ExecutionID string
	// Input is passed to workflow() as ctx.input.
	Input  string
	Config any
}

// Outcome describes how a workflow run ended.
type Outcome struct {
	ExecutionID string
	Resumed     bool
	Status      models.ExecStatus
	Stuck       bool
	Reason      string
	Logs        []string
}

// Runtime executes Lua workflow scripts in a sandboxed environment
type Runtime struct {
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	logs   []string

	stuckReason string
	isStuck     bool
}

func NewRuntime(deps Deps) *Runtime {
	return &Runtime{deps: deps, logger: telemetry.Component(deps.Logger, "lua")}
}

// Execute starts (or resumes) an execution for scriptPath, runs its
// workflow(ctx) function and records the outcome on the execution.
func (r *Runtime) Execute(ctx context.Context, scriptPath string, opts RunOptions) (*Outcome, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	started, err := r.deps.Tracker.Start(ctx, r.deps.Scope, name, scriptPath,
		execution.StartOptions{ID: opts.ExecutionID, Config: opts.Config})
	if err != nil {
		return nil, err
	}
	out := &Outcome{ExecutionID: started.ID, Resumed: started.Resumed}

	r.ctx = ctx
	r.logs = nil
	r.isStuck, r.stuckReason = false, ""

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	r.openSafeLibs(L)
	r.registerAPI(L)

	runErr := func() error {
		if err := L.DoString(string(script)); err != nil {
			return fmt.Errorf("failed to load script: %w", err)
		}
		workflow := L.GetGlobal("workflow")
		if workflow.Type() != lua.LTFunction {
			return errors.New("script must define a 'workflow' function")
		}

		wctx := L.NewTable()
		L.SetField(wctx, "execution_id", lua.LString(started.ID))
		L.SetField(wctx, "resumed", lua.LBool(started.Resumed))
		L.SetField(wctx, "script", lua.LString(scriptPath))
		L.SetField(wctx, "input", lua.LString(opts.Input))

		L.Push(workflow)
		L.Push(wctx)
		if err := L.PCall(1, 1, nil); err != nil {
			return fmt.Errorf("workflow execution failed: %w", err)
		}
		return nil
	}()
	out.Logs = r.logs

	switch {
	case r.isStuck:
		out.Status, out.Stuck, out.Reason = models.ExecStatusFailed, true, r.stuckReason
		if err := r.deps.Tracker.Fail(ctx, r.deps.Scope, started.ID, "stuck: "+r.stuckReason); err != nil {
			return out, err
		}
		r.logger.Warn("workflow stuck", "execution_id", started.ID, "reason", r.stuckReason)
		return out, nil

	case runErr != nil:
		out.Status, out.Reason = models.ExecStatusFailed, runErr.Error()
		// ctx may already be cancelled; the failure must still be recorded.
		if err := r.deps.Tracker.Fail(context.WithoutCancel(ctx), r.deps.Scope, started.ID, runErr.Error()); err != nil {
			return out, errors.Join(runErr, err)
		}
		return out, runErr
	}

	result, err := luaToValue(L.Get(-1))
	L.Pop(1)
	if err != nil {
		err = fmt.Errorf("workflow result: %w", err)
		out.Status, out.Reason = models.ExecStatusFailed, err.Error()
		if ferr := r.deps.Tracker.Fail(ctx, r.deps.Scope, started.ID, err.Error()); ferr != nil {
			return out, errors.Join(err, ferr)
		}
		return out, err
	}
	var resultArg any
	if !result.IsNull() {
		resultArg = result
	}
	if err := r.deps.Tracker.Complete(ctx, r.deps.Scope, started.ID, resultArg); err != nil {
		return out, err
	}
	out.Status = models.ExecStatusCompleted
	return out, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("print", lua.LNil) // log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Workflows replay on resume, so they must be deterministic.
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("phase", L.NewFunction(r.luaPhase))
	L.SetGlobal("step", L.NewFunction(r.luaStep))
	L.SetGlobal("iteration", L.NewFunction(r.luaIteration))
	L.SetGlobal("next_iteration", L.NewFunction(r.luaNextIteration))

	L.SetGlobal("state", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": r.luaStateGet,
		"set": r.luaStateSet,
	}))
	L.SetGlobal("tickets", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"next":   r.luaTicketNext,
		"status": r.luaTicketStatus,
		"note":   r.luaTicketNote,
	}))
	L.SetGlobal("vcs", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"enqueue": r.luaVCSEnqueue,
	}))
	L.SetGlobal("lease", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"broken": r.luaLeaseBroken,
		"fixed":  r.luaLeaseFixed,
	}))
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Info(message, "execution_id", r.deps.Scope.ExecutionID())
	return 0
}

// luaStuck implements stuck(reason?); it aborts the workflow.
func (r *Runtime) luaStuck(L *lua.LState) int {
	r.stuckReason = L.OptString(1, "workflow stuck")
	r.isStuck = true
	L.RaiseError("stuck: %s", r.stuckReason)
	return 0
}

type nodeHooks struct {
	start    func(ctx context.Context, sc *scope.Scope, name string) (string, error)
	complete func(ctx context.Context, sc *scope.Scope, id string) error
	fail     func(ctx context.Context, sc *scope.Scope, id, errText string) error
}

// luaPhase implements phase(name, fn)
func (r *Runtime) luaPhase(L *lua.LState) int {
	t := r.deps.Tracker
	return r.runNode(L, nodeHooks{t.StartPhase, t.CompletePhase, t.FailPhase})
}

// luaStep implements step(name, fn)
func (r *Runtime) luaStep(L *lua.LState) int {
	t := r.deps.Tracker
	return r.runNode(L, nodeHooks{t.StartStep, t.CompleteStep, t.FailStep})
}

// runNode brackets fn with start and complete/fail records and returns
// fn's first result.
func (r *Runtime) runNode(L *lua.LState, h nodeHooks) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	id, err := h.start(r.ctx, r.deps.Scope, name)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		_ = h.fail(r.ctx, r.deps.Scope, id, err.Error())
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			L.Error(apiErr.Object, 0)
		} else {
			L.RaiseError("%v", err)
		}
		return 0
	}
	if err := h.complete(r.ctx, r.deps.Scope, id); err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	return 1
}

func (r *Runtime) currentIteration() (int64, error) {
	v, err := r.deps.State.Get(r.ctx, "iteration")
	if err != nil {
		return 0, err
	}
	n, _ := v.AsInt64()
	return n, nil
}

// luaIteration implements iteration()
func (r *Runtime) luaIteration(L *lua.LState) int {
	n, err := r.currentIteration()
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

// luaNextIteration implements next_iteration(): it advances the iteration
// state key and the execution's iteration counter.
func (r *Runtime) luaNextIteration(L *lua.LState) int {
	n, err := r.currentIteration()
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	n++
	if err := r.deps.State.Set(r.ctx, r.deps.Scope, "iteration", n, "next_iteration"); err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	if id := r.deps.Scope.ExecutionID(); id != "" {
		if err := r.deps.Tracker.IncrementIterations(r.ctx, id); err != nil {
			L.RaiseError("%v", err)
			return 0
		}
	}
	L.Push(lua.LNumber(n))
	return 1
}

// luaStateGet implements state.get(key)
func (r *Runtime) luaStateGet(L *lua.LState) int {
	v, err := r.deps.State.Get(r.ctx, L.CheckString(1))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(valueToLua(L, v))
	return 1
}

// luaStateSet implements state.set(key, value, trigger?)
func (r *Runtime) luaStateSet(L *lua.LState) int {
	key := L.CheckString(1)
	value, err := luaToValue(L.Get(2))
	if err != nil {
		L.RaiseError("state.set %s: %v", key, err)
		return 0
	}
	trigger := L.OptString(3, "lua")
	if err := r.deps.State.Set(r.ctx, r.deps.Scope, key, value, trigger); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// luaTicketNext implements tickets.next(exclude?)
func (r *Runtime) luaTicketNext(L *lua.LState) int {
	t, err := r.deps.Tickets.SelectNext(r.ctx, L.OptString(1, ""))
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	if t == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, err := jsonval.From(t)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(valueToLua(L, v))
	return 1
}

// luaTicketStatus implements tickets.status(id, status, reason?)
func (r *Runtime) luaTicketStatus(L *lua.LState) int {
	id := L.CheckString(1)
	status := models.TicketStatus(L.CheckString(2))
	if err := r.deps.Tickets.UpdateStatus(r.ctx, id, status, L.OptString(3, "")); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// luaTicketNote implements tickets.note(id, note)
func (r *Runtime) luaTicketNote(L *lua.LState) int {
	if err := r.deps.Tickets.AddProgressNote(r.ctx, L.CheckString(1), L.CheckString(2)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// luaVCSEnqueue implements vcs.enqueue(operation, payload?)
func (r *Runtime) luaVCSEnqueue(L *lua.LState) int {
	op := L.CheckString(1)
	payload, err := luaToValue(L.Get(2))
	if err != nil {
		L.RaiseError("vcs.enqueue %s: %v", op, err)
		return 0
	}
	id, err := r.deps.Queue.Enqueue(r.ctx, op, payload)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(id))
	return 1
}

// luaLeaseBroken implements lease.broken(agent_id?) -> should_fix, fixer
func (r *Runtime) luaLeaseBroken(L *lua.LState) int {
	agentID := L.OptString(1, r.deps.Scope.Owner())
	res, err := r.deps.Lease.HandleBrokenBuild(r.ctx, agentID, lease.Options{})
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(res.ShouldFix))
	L.Push(lua.LString(res.State.FixerAgentID))
	return 2
}

// luaLeaseFixed implements lease.fixed()
func (r *Runtime) luaLeaseFixed(L *lua.LState) int {
	if err := r.deps.Lease.MarkFixed(r.ctx); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// valueToLua converts a JSON value to a Lua value
func valueToLua(L *lua.LState, v jsonval.Value) lua.LValue {
	switch v.Kind() {
	case jsonval.Bool:
		b, _ := v.AsBool()
		return lua.LBool(b)
	case jsonval.Number:
		f, _ := v.AsFloat64()
		return lua.LNumber(f)
	case jsonval.String:
		s, _ := v.AsString()
		return lua.LString(s)
	case jsonval.Array:
		tbl := L.NewTable()
		for i, item := range v.Items() {
			L.RawSetInt(tbl, i+1, valueToLua(L, item))
		}
		return tbl
	case jsonval.Object:
		tbl := L.NewTable()
		for _, m := range v.Members() {
			L.SetField(tbl, m.Key, valueToLua(L, m.Value))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaToValue converts a Lua value to JSON. Tables with keys 1..n are
// arrays; any other table becomes an object with keys in sorted order.
// Functions and userdata become null.
func luaToValue(lv lua.LValue) (jsonval.Value, error) {
	return tableToValue(lv, map[*lua.LTable]bool{})
}

func tableToValue(lv lua.LValue, open map[*lua.LTable]bool) (jsonval.Value, error) {
	switch val := lv.(type) {
	case lua.LBool:
		return jsonval.BoolValue(bool(val)), nil
	case lua.LString:
		return jsonval.StringValue(string(val)), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return jsonval.IntValue(int64(f)), nil
		}
		v, err := jsonval.FloatValue(f)
		if err != nil {
			return jsonval.NullValue(), nil
		}
		return v, nil
	case *lua.LTable:
		if open[val] {
			return jsonval.Value{}, errors.New("table contains a reference to itself")
		}
		open[val] = true
		defer delete(open, val)

		n := val.Len()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			items := make([]jsonval.Value, 0, n)
			for i := 1; i <= n; i++ {
				item, err := tableToValue(val.RawGetInt(i), open)
				if err != nil {
					return jsonval.Value{}, err
				}
				items = append(items, item)
			}
			return jsonval.ArrayValue(items...), nil
		}
		var members []jsonval.Member
		var convErr error
		val.ForEach(func(k, v lua.LValue) {
			if convErr != nil {
				return
			}
			mv, err := tableToValue(v, open)
			if err != nil {
				convErr = err
				return
			}
			members = append(members, jsonval.Member{Key: k.String(), Value: mv})
		})
		if convErr != nil {
			return jsonval.Value{}, convErr
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		return jsonval.ObjectValue(members...), nil
	default:
		return jsonval.NullValue(), nil
	}
}

// IsScript reports whether path looks like a Lua workflow script.
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
