package checker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/smithers/internal/lease"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/testutil"
	"github.com/mpataki/smithers/internal/tickets"
	"github.com/mpataki/smithers/internal/vcsqueue"
)

type recordingExecutor struct {
	ops []string
}

func (r *recordingExecutor) Execute(_ context.Context, item *models.VCSItem) error {
	r.ops = append(r.ops, item.Operation)
	return nil
}

func TestSweep_ReleasesAndReaps(t *testing.T) {
	db := testutil.OpenTestStore(t)
	ctx := context.Background()
	l := lease.New(db, nil)
	q := vcsqueue.New(db, nil)

	if _, err := l.HandleBrokenBuild(ctx, "agent-1", lease.Options{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	id, err := q.Enqueue(ctx, "push", map[string]any{"branch": "main"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	c, err := New(Config{Lease: l, Queue: q, LeaseStaleAfter: time.Nanosecond, VCSStaleAfter: time.Nanosecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !report.LeaseReleased || len(report.Reaped) != 1 || report.Reaped[0] != id {
		t.Fatalf("unexpected report %+v", report)
	}
	if c.LastReport() != report {
		t.Fatal("last report not recorded")
	}

	st, _ := l.Get(ctx)
	if st.Status != models.BuildStatusBroken {
		t.Fatalf("expected broken after release, got %s", st.Status)
	}
	item, _ := q.Get(ctx, id)
	if item.Status != models.VCSStatusFailed || item.Error != vcsqueue.ClaimExpired {
		t.Fatalf("unexpected reaped item %+v", item)
	}
}

func TestSweep_FreshWorkUntouched(t *testing.T) {
	db := testutil.OpenTestStore(t)
	ctx := context.Background()
	l := lease.New(db, nil)
	q := vcsqueue.New(db, nil)
	exec := &recordingExecutor{}

	if _, err := l.HandleBrokenBuild(ctx, "agent-1", lease.Options{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, op := range []string{"commit", "push"} {
		if _, err := q.Enqueue(ctx, op, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	c, err := New(Config{Lease: l, Queue: q, Runner: vcsqueue.NewRunner(q, exec, nil)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.LeaseReleased || len(report.Reaped) != 0 || report.Drained != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(exec.ops) != 2 || exec.ops[0] != "commit" || exec.ops[1] != "push" {
		t.Fatalf("unexpected drain order %v", exec.ops)
	}
}

func TestNew_Validation(t *testing.T) {
	db := testutil.OpenTestStore(t)
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing dependency error")
	}
	if _, err := New(Config{Lease: lease.New(db, nil), Queue: vcsqueue.New(db, nil), Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected schedule parse error")
	}
	c, err := New(Config{Lease: lease.New(db, nil), Queue: vcsqueue.New(db, nil), Schedule: "@every 30s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := c.Next(base); !got.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("unexpected next run %v", got)
	}
}

func TestRun_SeedsBacklogAndStops(t *testing.T) {
	db := testutil.OpenTestStore(t)
	sched := tickets.New(db, nil)
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	content := "tickets:\n  - id: T1\n    title: first\n  - id: T2\n    title: second\n    dependencies: [T1]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(Config{
		Lease:       lease.New(db, nil),
		Queue:       vcsqueue.New(db, nil),
		Tickets:     sched,
		Schedule:    "@every 1h",
		BacklogPath: path,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		list, err := sched.List(context.Background(), "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backlog not seeded, have %d tickets", len(list))
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
