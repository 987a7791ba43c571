package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/orchestrator"
)

type View int

const (
	ViewExecutions View = iota
	ViewBuild
	ViewVCS
	ViewTickets
	ViewExecutionDetail
)

var tabs = []struct {
	view  View
	label string
}{
	{ViewExecutions, "Executions"},
	{ViewBuild, "Build"},
	{ViewVCS, "VCS queue"},
	{ViewTickets, "Tickets"},
}

const refreshInterval = 2 * time.Second

type App struct {
	orchestrator *orchestrator.Orchestrator

	view       View
	executions []*models.Execution
	build      *models.BuildState
	vcs        []*models.VCSItem
	tickets    []*models.Ticket
	counts     map[models.TicketStatus]int
	detail     *executionDetail

	execTable   table.Model
	ticketTable table.Model

	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	return &App{
		orchestrator: orch,
		view:         ViewExecutions,
		execTable: newTable([]table.Column{
			{Title: "ID", Width: 12},
			{Title: "Name", Width: 18},
			{Title: "Status", Width: 10},
			{Title: "Iter", Width: 5},
			{Title: "Agents", Width: 6},
			{Title: "Tokens", Width: 8},
			{Title: "Age", Width: 5},
		}),
		ticketTable: newTable([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Pri", Width: 4},
			{Title: "Status", Width: 12},
			{Title: "Title", Width: 36},
			{Title: "Deps", Width: 14},
		}),
	}
}

func newTable(cols []table.Column) table.Model {
	t := table.New(table.WithColumns(cols), table.WithFocused(true), table.WithHeight(12))
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	s.Selected = selectedStyle
	t.SetStyles(s)
	return t
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSnapshot, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if h := msg.Height - 8; h > 3 {
			a.execTable.SetHeight(h)
			a.ticketTable.SetHeight(h)
		}
		return a, nil

	case snapshotMsg:
		a.err = msg.err
		if msg.err == nil {
			a.applySnapshot(msg)
		}
		return a, nil

	case detailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.detail
			a.view = ViewExecutionDetail
		}
		return a, nil

	case tickMsg:
		if a.view == ViewExecutionDetail && a.detail != nil {
			return a, tea.Batch(a.loadDetail(a.detail.execution.ID), a.tickCmd())
		}
		return a, tea.Batch(a.loadSnapshot, a.tickCmd())
	}
	return a, nil
}

func (a *App) applySnapshot(msg snapshotMsg) {
	a.executions = msg.executions
	a.build = msg.build
	a.vcs = msg.vcs
	a.tickets = msg.tickets
	a.counts = msg.counts

	rows := make([]table.Row, 0, len(a.executions))
	for _, e := range a.executions {
		rows = append(rows, table.Row{
			shortID(e.ID), truncate(e.Name, 18), string(e.Status),
			fmt.Sprint(e.TotalIterations), fmt.Sprint(e.TotalAgents),
			fmt.Sprint(e.TotalTokensUsed), formatAge(e.CreatedAt),
		})
	}
	a.execTable.SetRows(rows)

	rows = make([]table.Row, 0, len(a.tickets))
	for _, t := range a.tickets {
		rows = append(rows, table.Row{
			t.ID, fmt.Sprint(t.Priority), string(t.Status), truncate(t.Title, 36),
			truncate(strings.Join(t.Dependencies, ","), 14),
		})
	}
	a.ticketTable.SetRows(rows)
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "r":
		if a.view == ViewExecutionDetail && a.detail != nil {
			return a, a.loadDetail(a.detail.execution.ID)
		}
		return a, a.loadSnapshot
	case "tab":
		a.view = nextTab(a.view, 1)
		return a, nil
	case "shift+tab":
		a.view = nextTab(a.view, -1)
		return a, nil
	}

	var cmd tea.Cmd
	switch a.view {
	case ViewExecutions:
		if msg.String() == "enter" {
			if i := a.execTable.Cursor(); i >= 0 && i < len(a.executions) {
				return a, a.loadDetail(a.executions[i].ID)
			}
			return a, nil
		}
		a.execTable, cmd = a.execTable.Update(msg)
	case ViewTickets:
		a.ticketTable, cmd = a.ticketTable.Update(msg)
	case ViewExecutionDetail:
		if msg.String() == "esc" {
			a.view = ViewExecutions
			a.detail = nil
		}
	}
	return a, cmd
}

func nextTab(v View, step int) View {
	if v == ViewExecutionDetail {
		v = ViewExecutions
	}
	n := len(tabs)
	for i, t := range tabs {
		if t.view == v {
			return tabs[((i+step)%n+n)%n].view
		}
	}
	return ViewExecutions
}

func (a *App) View() string {
	s := titleStyle.Render("Smithers") + "  " + a.renderTabs() + "\n\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	switch a.view {
	case ViewExecutions:
		s += a.viewExecutions()
	case ViewBuild:
		s += a.viewBuild()
	case ViewVCS:
		s += a.viewVCS()
	case ViewTickets:
		s += a.viewTickets()
	case ViewExecutionDetail:
		s += a.viewExecutionDetail()
	}
	return s
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true).
			Foreground(lipgloss.Color("229"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStuck    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) renderTabs() string {
	parts := make([]string, 0, len(tabs))
	current := a.view
	if current == ViewExecutionDetail {
		current = ViewExecutions
	}
	for _, t := range tabs {
		if t.view == current {
			parts = append(parts, activeTabStyle.Render(t.label))
		} else {
			parts = append(parts, dimStyle.Render(t.label))
		}
	}
	return strings.Join(parts, dimStyle.Render(" │ "))
}

func (a *App) viewExecutions() string {
	if len(a.executions) == 0 {
		return "No executions yet.\n\n" + helpStyle.Render("[tab] switch  [r] refresh  [q] quit")
	}
	return a.execTable.View() + "\n\n" +
		helpStyle.Render("[↑/↓] select  [enter] detail  [tab] switch  [r] refresh  [q] quit")
}

func (a *App) viewBuild() string {
	s := "Build lease\n"
	s += "───────────\n"
	if a.build == nil {
		return s + "(unknown)\n"
	}
	b := a.build
	s += labelStyle.Render("Status:   ") + formatBuildStatus(b.Status) + "\n"
	if b.FixerAgentID != "" {
		s += labelStyle.Render("Fixer:    ") + b.FixerAgentID + "\n"
	}
	if b.BrokenAt != nil {
		s += labelStyle.Render("Broken:   ") + formatAge(*b.BrokenAt) + " ago\n"
	}
	if b.FixingSince != nil {
		s += labelStyle.Render("Fixing:   ") + formatDuration(time.Since(*b.FixingSince)) + "\n"
	}
	if b.LastCheckAt != nil {
		s += labelStyle.Render("Checked:  ") + formatAge(*b.LastCheckAt) + " ago\n"
	}
	return s + "\n" + helpStyle.Render("[tab] switch  [r] refresh  [q] quit")
}

func (a *App) viewVCS() string {
	s := "Pending VCS operations\n"
	s += "──────────────────────\n"
	if len(a.vcs) == 0 {
		s += "(queue empty)\n"
	}
	for _, item := range a.vcs {
		line := fmt.Sprintf("#%-4d %-16s %-10s %s", item.ID, item.Operation, item.Status, formatAge(item.CreatedAt))
		if item.Status == models.VCSStatusProcessing {
			line = statusRunning.Render(line)
		}
		s += "  " + line + "\n"
	}
	return s + "\n" + helpStyle.Render("[tab] switch  [r] refresh  [q] quit")
}

func (a *App) viewTickets() string {
	s := fmt.Sprintf("todo %d · in progress %d · blocked %d · done %d\n\n",
		a.counts[models.TicketStatusTodo], a.counts[models.TicketStatusInProgress],
		a.counts[models.TicketStatusBlocked], a.counts[models.TicketStatusDone])
	if len(a.tickets) == 0 {
		s += "No tickets. Seed them with 'smithers tickets seed <backlog.yaml>'.\n"
	} else {
		s += a.ticketTable.View() + "\n"
	}
	return s + "\n" + helpStyle.Render("[↑/↓] select  [tab] switch  [r] refresh  [q] quit")
}

func (a *App) viewExecutionDetail() string {
	if a.detail == nil {
		return "No execution selected"
	}
	e := a.detail.execution
	s := titleStyle.Render(fmt.Sprintf("Execution %s: %s", e.ID, e.Name)) + "  " + formatExecStatus(e.Status) + "\n\n"
	if e.SourceFile != "" {
		s += labelStyle.Render("Source: ") + dimStyle.Render(e.SourceFile) + "\n"
	}
	if e.Owner != "" {
		s += labelStyle.Render("Owner:  ") + dimStyle.Render(e.Owner) + "\n"
	}
	if e.Error != "" {
		s += labelStyle.Render("Error:  ") + statusFailed.Render(e.Error) + "\n"
	}
	s += "\n"

	s += "Phases\n──────\n"
	if len(a.detail.phases) == 0 {
		s += "(none)\n"
	}
	for _, p := range a.detail.phases {
		s += fmt.Sprintf("  %s %-20s iter %-3d %s\n", nodeMark(p.Status), p.Name, p.Iteration, formatNodeDuration(p.DurationMs))
	}

	s += "\nAgents\n──────\n"
	if len(a.detail.agents) == 0 {
		s += "(none)\n"
	}
	for _, ag := range a.detail.agents {
		s += fmt.Sprintf("  %s %-20s tokens %d/%d  tools %d\n", nodeMark(ag.Status), truncate(ag.Model, 20),
			ag.TokensInput, ag.TokensOutput, ag.ToolCallsCount)
	}

	s += "\nTasks\n─────\n"
	if len(a.detail.tasks) == 0 {
		s += "(none)\n"
	}
	for _, t := range a.detail.tasks {
		s += fmt.Sprintf("  %s %s/%s iter %d\n", nodeMark(t.Status), t.ComponentType, t.ComponentName, t.Iteration)
	}

	return s + "\n" + helpStyle.Render("[esc] back  [r] refresh  [q] quit")
}

func formatExecStatus(status models.ExecStatus) string {
	switch status {
	case models.ExecStatusRunning:
		return statusRunning.Render("● running")
	case models.ExecStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.ExecStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.ExecStatusCancelled:
		return statusStuck.Render("⚠ cancelled")
	default:
		return string(status)
	}
}

func formatBuildStatus(status models.BuildStatus) string {
	switch status {
	case models.BuildStatusPassing:
		return statusComplete.Render("✓ passing")
	case models.BuildStatusBroken:
		return statusFailed.Render("✗ broken")
	case models.BuildStatusFixing:
		return statusRunning.Render("● fixing")
	default:
		return string(status)
	}
}

func nodeMark(status models.NodeStatus) string {
	switch status {
	case models.NodeStatusCompleted:
		return statusComplete.Render("✓")
	case models.NodeStatusRunning:
		return statusRunning.Render("●")
	case models.NodeStatusFailed:
		return statusFailed.Render("✗")
	case models.NodeStatusSkipped:
		return dimStyle.Render("-")
	default:
		return "○"
	}
}

func formatNodeDuration(ms *int64) string {
	if ms == nil {
		return ""
	}
	return formatDuration(time.Duration(*ms) * time.Millisecond)
}

// Messages

type snapshotMsg struct {
	executions []*models.Execution
	build      *models.BuildState
	vcs        []*models.VCSItem
	tickets    []*models.Ticket
	counts     map[models.TicketStatus]int
	err        error
}

type executionDetail struct {
	execution *models.Execution
	phases    []*models.Phase
	agents    []*models.Agent
	tasks     []*models.Task
}

type detailMsg struct {
	detail *executionDetail
	err    error
}

// Commands

func (a *App) loadSnapshot() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()
	o := a.orchestrator

	var msg snapshotMsg
	if msg.executions, msg.err = o.Executions.List(ctx, 50); msg.err != nil {
		return msg
	}
	if msg.build, msg.err = o.Lease.Get(ctx); msg.err != nil {
		return msg
	}
	if msg.vcs, msg.err = o.VCS.GetPending(ctx); msg.err != nil {
		return msg
	}
	if msg.tickets, msg.err = o.Tickets.List(ctx, ""); msg.err != nil {
		return msg
	}
	msg.counts, msg.err = o.Tickets.Counts(ctx)
	return msg
}

func (a *App) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		t := a.orchestrator.Executions

		e, err := t.Get(ctx, id)
		if err != nil {
			return detailMsg{err: err}
		}
		if e == nil {
			return detailMsg{err: fmt.Errorf("execution %s not found", id)}
		}
		d := &executionDetail{execution: e}
		if d.phases, err = t.Phases(ctx, id); err != nil {
			return detailMsg{err: err}
		}
		if d.agents, err = t.Agents(ctx, id); err != nil {
			return detailMsg{err: err}
		}
		if d.tasks, err = t.Tasks(ctx, id); err != nil {
			return detailMsg{err: err}
		}
		return detailMsg{detail: d}
	}
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[len(id)-12:]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
