package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
)

func payload(t *testing.T, s string) jsonval.Value {
	t.Helper()
	v, err := jsonval.Parse([]byte(s))
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	return v
}

func TestCommands(t *testing.T) {
	tests := []struct {
		op      string
		payload string
		want    [][]string
	}{
		{"commit", `{"message":"fix build","all":true}`, [][]string{{"add", "-A"}, {"commit", "-m", "fix build"}}},
		{"commit", `{"message":"m","paths":["a.go","b.go"]}`, [][]string{{"add", "--", "a.go", "b.go"}, {"commit", "-m", "m"}}},
		{"commit", `{"message":"staged only"}`, [][]string{{"commit", "-m", "staged only"}}},
		{"rebase", `{"onto":"main"}`, [][]string{{"rebase", "main"}}},
		{"push", `{"branch":"feature","force":true}`, [][]string{{"push", "--force-with-lease", "origin", "feature"}}},
		{"pull", `null`, [][]string{{"pull", "--ff-only"}}},
		{"checkout", `{"branch":"wip","create":true}`, [][]string{{"checkout", "-b", "wip"}}},
		{"merge", `{"branch":"wip","ff_only":true}`, [][]string{{"merge", "--ff-only", "wip"}}},
		{"tag", `{"name":"v1","message":"release"}`, [][]string{{"tag", "-a", "v1", "-m", "release"}}},
		{"stash", `{}`, [][]string{{"stash", "push", "--include-untracked"}}},
		{"worktree_add", `{"path":"/tmp/wt"}`, [][]string{{"worktree", "add", "--detach", "/tmp/wt", "HEAD"}}},
	}

	for _, tt := range tests {
		got, err := Commands(tt.op, payload(t, tt.payload))
		if err != nil {
			t.Fatalf("%s %s: %v", tt.op, tt.payload, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s %s:\n got %v\nwant %v", tt.op, tt.payload, got, tt.want)
		}
	}
}

func TestCommands_Errors(t *testing.T) {
	if _, err := Commands("teleport", jsonval.NullValue()); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if _, err := Commands("commit", payload(t, `{}`)); err == nil {
		t.Fatal("commit without message must fail")
	}
}

func TestGit_ExecuteCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Setenv("GIT_AUTHOR_NAME", "smithers")
	t.Setenv("GIT_AUTHOR_EMAIL", "smithers@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "smithers")
	t.Setenv("GIT_COMMITTER_EMAIL", "smithers@example.com")

	dir := t.TempDir()
	if out, err := exec.Command("git", "-C", dir, "init", "-q").CombinedOutput(); err != nil {
		t.Fatalf("git init: %v %s", err, out)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	g, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	item := &models.VCSItem{Operation: "commit", Payload: payload(t, `{"message":"initial","all":true}`)}
	if err := g.Execute(context.Background(), item); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sha, err := g.Head(context.Background()); err != nil || len(sha) < 7 {
		t.Fatalf("expected a commit, got %q %v", sha, err)
	}
}

func TestOpen_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected error for a plain directory")
	}
}
