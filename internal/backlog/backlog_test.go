package backlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/smithers/internal/models"
)

const sampleBacklog = `tickets:
  - id: T1
    priority: 1
    title: Set up CI
    acceptance_criteria:
      - pipeline green
    budget:
      max_iterations: 3
  - id: T2
    priority: 2
    title: Add login
    description: OAuth flow
    dependencies: [T1]
    status: in_progress
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParse(t *testing.T) {
	path := writeFile(t, t.TempDir(), "backlog.yaml", sampleBacklog)

	tickets, err := Parse(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	t1, t2 := tickets[0], tickets[1]
	if t1.ID != "T1" || t1.Priority != 1 || t1.Budget == nil || t1.Budget.MaxIterations != 3 {
		t.Fatalf("unexpected first ticket %+v", t1)
	}
	if len(t1.AcceptanceCriteria) != 1 || t1.AcceptanceCriteria[0] != "pipeline green" {
		t.Fatalf("unexpected criteria %v", t1.AcceptanceCriteria)
	}
	if t2.Status != models.TicketStatusInProgress || len(t2.Dependencies) != 1 || t2.Dependencies[0] != "T1" {
		t.Fatalf("unexpected second ticket %+v", t2)
	}
}

func TestParse_DefaultPriorityOnlyWhenOmitted(t *testing.T) {
	tickets, err := ParseBytes([]byte("tickets:\n  - id: A\n    title: urgent\n    priority: 0\n  - id: B\n    title: unranked\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tickets[0].Priority != 0 {
		t.Fatalf("explicit priority 0 must be kept, got %d", tickets[0].Priority)
	}
	if tickets[1].Priority != models.DefaultTicketPriority {
		t.Fatalf("omitted priority should default, got %d", tickets[1].Priority)
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"missing title":  "tickets:\n  - id: T1\n",
		"unknown field":  "tickets:\n  - id: T1\n    title: x\n    owner: bob\n",
		"bad status":     "tickets:\n  - id: T1\n    title: x\n    status: archived\n",
		"negative prio":  "tickets:\n  - id: T1\n    title: x\n    priority: -1\n",
		"not a list":     "tickets: nope\n",
		"no tickets key": "items: []\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBytes([]byte(content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_DuplicatesAndCycles(t *testing.T) {
	err := Validate([]models.Ticket{{ID: "A", Title: "a"}, {ID: "A", Title: "again"}})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	err = Validate([]models.Ticket{
		{ID: "A", Title: "a", Dependencies: []string{"B"}},
		{ID: "B", Title: "b", Dependencies: []string{"C"}},
		{ID: "C", Title: "c", Dependencies: []string{"A"}},
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}

	if err := Validate([]models.Ticket{{ID: "A", Title: "a", Dependencies: []string{"ghost"}}}); err != nil {
		t.Fatalf("unknown dependency should be allowed: %v", err)
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "tickets:\n  - id: B1\n    title: second file\n")
	writeFile(t, dir, "a.yaml", "tickets:\n  - id: A1\n    title: first file\n")
	writeFile(t, dir, "notes.txt", "ignored")

	tickets, err := LoadAll([]string{filepath.Join(dir, "missing"), dir})
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(tickets) != 2 || tickets[0].ID != "A1" || tickets[1].ID != "B1" {
		t.Fatalf("unexpected tickets %+v", tickets)
	}

	writeFile(t, dir, "c.yaml", "tickets:\n  - id: A1\n    title: duplicate\n")
	if _, err := LoadAll([]string{dir}); err == nil {
		t.Fatal("expected duplicate id across files to fail")
	}
}

func TestWatcher_PublishesParsedBacklog(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backlog.yaml", "tickets:\n  - id: T1\n    title: one\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(path, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	updated := "tickets:\n  - id: T1\n    title: one\n  - id: T2\n    title: two\n"
	writeFile(t, dir, "backlog.yaml", updated)

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case tickets, ok := <-w.Updates():
			if !ok {
				t.Fatal("updates closed early")
			}
			if len(tickets) == 2 {
				return
			}
		case <-tick.C:
			_ = os.WriteFile(path, []byte(updated), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for backlog update")
		}
	}
}
