package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
)

// ErrUnknownOperation is returned for queue items no git command maps to.
var ErrUnknownOperation = errors.New("unknown vcs operation")

// Git applies queued VCS operations to a repository with the git CLI.
type Git struct {
	RepoPath string
	// Binary defaults to "git".
	Binary string
}

// Open verifies repoPath is a git repository.
func Open(repoPath string) (*Git, error) {
	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}

	g := &Git{RepoPath: absRepo}
	if _, err := g.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%s is not a git repository", absRepo)
	}
	return g, nil
}

// Execute runs the git commands for item in order, stopping at the first failure.
func (g *Git) Execute(ctx context.Context, item *models.VCSItem) error {
	cmds, err := Commands(item.Operation, item.Payload)
	if err != nil {
		return err
	}
	for _, args := range cmds {
		if _, err := g.run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// Head returns the commit SHA checked out in the repository.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Commands translates an operation and its payload into git argument lists.
//
//	commit          {"message", "all", "paths"}
//	rebase          {"onto"}
//	pull            {"remote", "branch", "rebase"}
//	push            {"remote", "branch", "force"}
//	checkout        {"branch", "create"}
//	merge           {"branch", "ff_only"}
//	tag             {"name", "message"}
//	stash           {"pop"}
//	worktree_add    {"path", "ref"}
//	worktree_remove {"path"}
func Commands(operation string, payload jsonval.Value) ([][]string, error) {
	p := params{payload}
	switch operation {
	case "commit":
		msg := p.str("message")
		if msg == "" {
			return nil, fmt.Errorf("commit: message is required")
		}
		add := []string{"add", "-A"}
		if paths := p.strs("paths"); len(paths) > 0 {
			add = append([]string{"add", "--"}, paths...)
		} else if !p.boolean("all") {
			add = nil
		}
		commit := []string{"commit", "-m", msg}
		if add == nil {
			return [][]string{commit}, nil
		}
		return [][]string{add, commit}, nil

	case "rebase":
		onto := p.str("onto")
		if onto == "" {
			return nil, fmt.Errorf("rebase: onto is required")
		}
		return [][]string{{"rebase", onto}}, nil

	case "pull":
		args := []string{"pull"}
		if p.boolean("rebase") {
			args = append(args, "--rebase")
		} else {
			args = append(args, "--ff-only")
		}
		return [][]string{appendRemote(args, p)}, nil

	case "push":
		args := []string{"push"}
		if p.boolean("force") {
			args = append(args, "--force-with-lease")
		}
		return [][]string{appendRemote(args, p)}, nil

	case "checkout":
		branch := p.str("branch")
		if branch == "" {
			return nil, fmt.Errorf("checkout: branch is required")
		}
		if p.boolean("create") {
			return [][]string{{"checkout", "-b", branch}}, nil
		}
		return [][]string{{"checkout", branch}}, nil

	case "merge":
		branch := p.str("branch")
		if branch == "" {
			return nil, fmt.Errorf("merge: branch is required")
		}
		if p.boolean("ff_only") {
			return [][]string{{"merge", "--ff-only", branch}}, nil
		}
		return [][]string{{"merge", "--no-edit", branch}}, nil

	case "tag":
		name := p.str("name")
		if name == "" {
			return nil, fmt.Errorf("tag: name is required")
		}
		if msg := p.str("message"); msg != "" {
			return [][]string{{"tag", "-a", name, "-m", msg}}, nil
		}
		return [][]string{{"tag", name}}, nil

	case "stash":
		if p.boolean("pop") {
			return [][]string{{"stash", "pop"}}, nil
		}
		return [][]string{{"stash", "push", "--include-untracked"}}, nil

	case "worktree_add":
		path := p.str("path")
		if path == "" {
			return nil, fmt.Errorf("worktree_add: path is required")
		}
		ref := p.str("ref")
		if ref == "" {
			ref = "HEAD"
		}
		return [][]string{{"worktree", "add", "--detach", path, ref}}, nil

	case "worktree_remove":
		path := p.str("path")
		if path == "" {
			return nil, fmt.Errorf("worktree_remove: path is required")
		}
		return [][]string{{"worktree", "remove", "--force", path}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
}

func appendRemote(args []string, p params) []string {
	remote := p.str("remote")
	branch := p.str("branch")
	if remote == "" && branch != "" {
		remote = "origin"
	}
	if remote != "" {
		args = append(args, remote)
	}
	if branch != "" {
		args = append(args, branch)
	}
	return args
}

type params struct {
	v jsonval.Value
}

func (p params) str(key string) string {
	m, ok := p.v.Get(key)
	if !ok {
		return ""
	}
	s, _ := m.AsString()
	return s
}

func (p params) boolean(key string) bool {
	m, ok := p.v.Get(key)
	if !ok {
		return false
	}
	b, _ := m.AsBool()
	return b
}

func (p params) strs(key string) []string {
	m, ok := p.v.Get(key)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range m.Items() {
		if s, ok := it.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}
