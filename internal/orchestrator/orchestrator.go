// Package orchestrator wires the coordination components around one store
// and one process scope.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mpataki/smithers/internal/checker"
	"github.com/mpataki/smithers/internal/config"
	"github.com/mpataki/smithers/internal/execution"
	"github.com/mpataki/smithers/internal/idgen"
	"github.com/mpataki/smithers/internal/lease"
	"github.com/mpataki/smithers/internal/lua"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/state"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
	"github.com/mpataki/smithers/internal/tickets"
	"github.com/mpataki/smithers/internal/vcsqueue"
	"github.com/mpataki/smithers/internal/workspace"
)

type Orchestrator struct {
	cfg    *config.Config
	store  *storage.Store
	base   *slog.Logger
	logger *slog.Logger

	Scope      *scope.Scope
	Executions *execution.Tracker
	State      *state.Store
	Lease      *lease.Lease
	VCS        *vcsqueue.Queue
	Tickets    *tickets.Scheduler
}

// Open creates the data directory, opens the store at cfg.DBPath and
// wires every component to it.
func Open(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return New(store, cfg, logger), nil
}

// New wires components to an already open store. The orchestrator takes
// ownership of store.
func New(store *storage.Store, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		base:       logger,
		logger:     telemetry.Component(logger, "orchestrator"),
		Scope:      scope.New(idgen.ProcessID()),
		Executions: execution.NewTracker(store, logger),
		State:      state.New(store, logger),
		Lease:      lease.New(store, logger),
		VCS:        vcsqueue.New(store, logger),
		Tickets:    tickets.New(store, logger),
	}
}

func (o *Orchestrator) Config() *config.Config {
	return o.cfg
}

func (o *Orchestrator) Store() *storage.Store {
	return o.store
}

// StartExecution starts a new execution, or resumes the one named by the
// configured execution id.
func (o *Orchestrator) StartExecution(ctx context.Context, name, sourceFile string, cfg any) (*execution.Started, error) {
	started, err := o.Executions.Start(ctx, o.Scope, name, sourceFile,
		execution.StartOptions{ID: o.cfg.ExecutionID, Config: cfg})
	if err != nil {
		return nil, err
	}
	if started.TookOver(o.Scope.Owner()) {
		o.logger.Warn("took over running execution",
			"execution_id", started.ID, "prior_owner", started.PriorOwner)
	}
	return started, nil
}

// ResumeIncomplete resumes the most recent pending or running execution.
// It returns nil when there is nothing to resume.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) (*execution.Started, error) {
	incomplete, err := o.Executions.FindIncomplete(ctx)
	if err != nil || incomplete == nil {
		return nil, err
	}
	started, err := o.Executions.Start(ctx, o.Scope, incomplete.Name, incomplete.SourceFile,
		execution.StartOptions{ID: incomplete.ID})
	if err != nil {
		return nil, err
	}
	o.logger.Info("resumed incomplete execution",
		"execution_id", started.ID, "prior_status", started.PriorStatus)
	return started, nil
}

// Query runs raw SQL and returns each row as a column map.
func (o *Orchestrator) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return o.store.QueryMaps(ctx, query, args...)
}

// LeaseOptions carries the configured retry hint for losing claimants.
func (o *Orchestrator) LeaseOptions() lease.Options {
	return lease.Options{Wait: o.cfg.Lease.Wait}
}

// Runner returns a queue runner applying operations to the configured
// repository.
func (o *Orchestrator) Runner() (*vcsqueue.Runner, error) {
	git, err := workspace.Open(o.cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	return vcsqueue.NewRunner(o.VCS, git, o.base), nil
}

// Checker builds the periodic sweeper. When withRunner is set each sweep
// also drains the VCS queue into the configured repository.
func (o *Orchestrator) Checker(withRunner bool) (*checker.Checker, error) {
	cfg := checker.Config{
		Lease:           o.Lease,
		Queue:           o.VCS,
		Tickets:         o.Tickets,
		LeaseStaleAfter: o.cfg.Lease.StaleAfter,
		VCSStaleAfter:   o.cfg.VCS.StaleAfter,
		Schedule:        o.cfg.Checker.Schedule,
		BacklogPath:     o.cfg.BacklogPath,
		Logger:          o.base,
	}
	if withRunner {
		runner, err := o.Runner()
		if err != nil {
			return nil, err
		}
		cfg.Runner = runner
	}
	return checker.New(cfg)
}

// Scripts returns a Lua runtime bound to this orchestrator's components.
func (o *Orchestrator) Scripts() *lua.Runtime {
	return lua.NewRuntime(lua.Deps{
		Tracker: o.Executions,
		State:   o.State,
		Tickets: o.Tickets,
		Queue:   o.VCS,
		Lease:   o.Lease,
		Scope:   o.Scope,
		Logger:  o.base,
	})
}

// RunScript runs a workflow script under the configured execution id.
func (o *Orchestrator) RunScript(ctx context.Context, path, input string) (*lua.Outcome, error) {
	return o.Scripts().Execute(ctx, path, lua.RunOptions{ExecutionID: o.cfg.ExecutionID, Input: input})
}

func (o *Orchestrator) Close() error {
	return o.store.Close()
}
