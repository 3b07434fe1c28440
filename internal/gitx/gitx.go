// Package gitx shells out to git for the worktree lifecycle behind work
// groups: create a branch checkout under the repo's .wg-worktrees
// directory, count and merge its commits, and tear it down in the safe
// order (worktree first, then branch).
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// WorktreeDirName is the directory under a repo root where work-group
// worktrees are created.
const WorktreeDirName = ".wg-worktrees"

const defaultTimeout = 30 * time.Second

var (
	ErrNotGitRepo    = errors.New("not a git repository")
	ErrMergeConflict = errors.New("merge conflict")
	ErrBranchExists  = errors.New("branch already exists")
)

// Runner executes an external command and returns its combined output.
// Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	}
	return string(out), nil
}

// Git wraps git operations. Stateless; safe for concurrent use.
type Git struct {
	run     Runner
	timeout time.Duration
}

// New returns a Git backed by the real git binary.
func New() *Git {
	return &Git{run: execRunner{}, timeout: defaultTimeout}
}

// NewWithRunner returns a Git using the given runner (tests).
func NewWithRunner(r Runner) *Git {
	return &Git{run: r, timeout: defaultTimeout}
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	full := append([]string{"-C", dir}, args...)
	return g.run.Run(ctx, "git", full...)
}

// IsGitRepo reports whether dir is the root of a git repository (the
// main checkout, not a linked worktree).
func IsGitRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// ValidateBranchName enforces git-check-ref-format rules so a branch
// name can never smuggle arguments into a shell-out.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("branch name must be at most 256 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("branch name must not contain control characters")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', ']', '\\':
			return fmt.Errorf("branch name must not contain '%c'", r)
		}
	}
	if name[0] == '/' || name[0] == '.' || name[0] == '-' || name[0] == '@' {
		return fmt.Errorf("branch name must not start with '%c'", name[0])
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with /, ., or .lock")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "/.") {
		return fmt.Errorf("branch name must not contain '..', '//', or '/.'")
	}
	return nil
}

// WorktreePath returns where a branch's worktree lives under repoRoot.
func WorktreePath(repoRoot, branch string) string {
	return filepath.Join(repoRoot, WorktreeDirName, branch)
}

// CurrentBranch returns the checked-out branch in dir, empty when
// detached.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CreateWorktree creates a new branch off the repo's current HEAD and
// checks it out into <repoRoot>/.wg-worktrees/<branch>. The branch must
// not already exist.
func (g *Git) CreateWorktree(ctx context.Context, repoRoot, branch string) (string, error) {
	if err := ValidateBranchName(branch); err != nil {
		return "", fmt.Errorf("invalid branch name: %w", err)
	}
	if !IsGitRepo(repoRoot) {
		return "", fmt.Errorf("%w: %s", ErrNotGitRepo, repoRoot)
	}

	path := WorktreePath(repoRoot, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if _, err := g.git(ctx, repoRoot, "worktree", "add", path, "-b", branch); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("%w: %s", ErrBranchExists, branch)
		}
		return "", fmt.Errorf("worktree add: %w", err)
	}
	return path, nil
}

// RemoveWorktree force-removes a worktree checkout. Falls back to
// deleting the directory and pruning the worktree list when git
// refuses, and cleans up the .wg-worktrees parent if it is now empty.
func (g *Git) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	if !IsGitRepo(repoRoot) {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, repoRoot)
	}

	if _, err := g.git(ctx, repoRoot, "worktree", "remove", worktreePath, "--force"); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("worktree remove: %w (manual removal also failed: %v)", err, rmErr)
		}
		_, _ = g.git(ctx, repoRoot, "worktree", "prune")
	}

	// No-op unless the parent is empty.
	_ = os.Remove(filepath.Dir(worktreePath))
	return nil
}

// DeleteBranch force-deletes a local branch. Callers must remove the
// branch's worktree first or git refuses.
func (g *Git) DeleteBranch(ctx context.Context, repoRoot, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	if _, err := g.git(ctx, repoRoot, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
}

// ListWorktrees returns all linked worktrees of the repo, main checkout
// excluded.
func (g *Git) ListWorktrees(ctx context.Context, repoRoot string) ([]Worktree, error) {
	out, err := g.git(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}

	var all []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" && cur.Path != repoRoot {
			all = append(all, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return all, nil
}

// CommitsAhead counts commits on the worktree's HEAD that are not
// reachable from base. Work groups use this to decide whether a worker
// actually produced anything.
func (g *Git) CommitsAhead(ctx context.Context, worktreeDir, base string) (int, error) {
	out, err := g.git(ctx, worktreeDir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("rev-list: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("rev-list output %q: %w", strings.TrimSpace(out), err)
	}
	return n, nil
}

// HasUncommittedChanges reports whether dir has staged or unstaged
// modifications (untracked files included).
func (g *Git) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := g.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// HeadSHA returns the full commit hash of HEAD in dir.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Merge merges branch into the checkout at repoRoot and returns the
// resulting HEAD sha. Fast-forwards when possible; on conflict the
// merge is aborted so the main checkout is left untouched, and
// ErrMergeConflict is returned.
func (g *Git) Merge(ctx context.Context, repoRoot, branch string) (string, error) {
	if err := ValidateBranchName(branch); err != nil {
		return "", fmt.Errorf("invalid branch name: %w", err)
	}
	if _, err := g.git(ctx, repoRoot, "merge", "--no-edit", branch); err != nil {
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(err.Error(), "Automatic merge failed") {
			_, _ = g.git(ctx, repoRoot, "merge", "--abort")
			return "", fmt.Errorf("%w: %s", ErrMergeConflict, branch)
		}
		return "", fmt.Errorf("merge %s: %w", branch, err)
	}
	return g.HeadSHA(ctx, repoRoot)
}
