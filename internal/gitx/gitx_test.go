package gitx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls     [][]string
	responses map[string]string
	errors    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

// key is the first git subcommand after the -C <dir> pair.
func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	sub := args[2]
	if err, ok := f.errors[sub]; ok {
		return "", err
	}
	return f.responses[sub], nil
}

func (f *fakeRunner) callsFor(sub string) [][]string {
	var out [][]string
	for _, c := range f.calls {
		if len(c) > 3 && c[3] == sub {
			out = append(out, c)
		}
	}
	return out
}

func fakeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestValidateBranchName(t *testing.T) {
	assert.NoError(t, ValidateBranchName("wg-demo-fix-tests"))
	assert.NoError(t, ValidateBranchName("feature/nested"))

	for _, bad := range []string{
		"", "-leading", ".hidden", "has space", "a..b", "a//b", "tilde~1",
		"colon:x", "end.lock", "end/", "end.", "@", "star*",
	} {
		assert.Error(t, ValidateBranchName(bad), "expected %q to be rejected", bad)
	}
}

func TestCreateWorktree(t *testing.T) {
	repo := fakeRepo(t)
	fr := newFakeRunner()
	g := NewWithRunner(fr)

	path, err := g.CreateWorktree(context.Background(), repo, "wg-demo-api")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, WorktreeDirName, "wg-demo-api"), path)

	calls := fr.callsFor("worktree")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"git", "-C", repo, "worktree", "add", path, "-b", "wg-demo-api"}, calls[0])

	// Parent directory was created eagerly.
	_, statErr := os.Stat(filepath.Join(repo, WorktreeDirName))
	assert.NoError(t, statErr)
}

func TestCreateWorktreeBranchExists(t *testing.T) {
	repo := fakeRepo(t)
	fr := newFakeRunner()
	fr.errors["worktree"] = errors.New("git: a branch named 'wg-x' already exists")
	g := NewWithRunner(fr)

	_, err := g.CreateWorktree(context.Background(), repo, "wg-x")
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestCreateWorktreeNotARepo(t *testing.T) {
	g := NewWithRunner(newFakeRunner())
	_, err := g.CreateWorktree(context.Background(), t.TempDir(), "wg-x")
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestRemoveWorktreeFallsBackToManualRemoval(t *testing.T) {
	repo := fakeRepo(t)
	wt := filepath.Join(repo, WorktreeDirName, "wg-x")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	fr := newFakeRunner()
	fr.errors["worktree"] = errors.New("git: worktree is locked")
	g := NewWithRunner(fr)

	require.NoError(t, g.RemoveWorktree(context.Background(), repo, wt))

	_, err := os.Stat(wt)
	assert.True(t, os.IsNotExist(err))
	// Empty .wg-worktrees parent is cleaned up too.
	_, err = os.Stat(filepath.Join(repo, WorktreeDirName))
	assert.True(t, os.IsNotExist(err))
}

func TestListWorktreesSkipsMainCheckout(t *testing.T) {
	repo := fakeRepo(t)
	fr := newFakeRunner()
	fr.responses["worktree"] = strings.Join([]string{
		"worktree " + repo,
		"HEAD aaaa",
		"branch refs/heads/main",
		"",
		"worktree " + filepath.Join(repo, WorktreeDirName, "wg-demo-api"),
		"HEAD bbbb",
		"branch refs/heads/wg-demo-api",
		"",
	}, "\n")
	g := NewWithRunner(fr)

	wts, err := g.ListWorktrees(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, wts, 1)
	assert.Equal(t, "wg-demo-api", wts[0].Branch)
	assert.Equal(t, "bbbb", wts[0].Head)
}

func TestCommitsAhead(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["rev-list"] = "3\n"
	g := NewWithRunner(fr)

	n, err := g.CommitsAhead(context.Background(), "/wt", "main")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	call := fr.callsFor("rev-list")[0]
	assert.Equal(t, "main..HEAD", call[len(call)-1])
}

func TestMergeConflictAborts(t *testing.T) {
	fr := newFakeRunner()
	fr.errors["merge"] = errors.New("git: CONFLICT (content): Merge conflict in main.go\nAutomatic merge failed")
	g := NewWithRunner(fr)

	_, err := g.Merge(context.Background(), "/repo", "wg-x")
	assert.ErrorIs(t, err, ErrMergeConflict)

	// Both the merge attempt and the abort happened.
	merges := fr.callsFor("merge")
	require.Len(t, merges, 2)
	assert.Equal(t, "--abort", merges[1][len(merges[1])-1])
}

func TestMergeReturnsHeadSHA(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["rev-parse"] = "deadbeef\n"
	g := NewWithRunner(fr)

	sha, err := g.Merge(context.Background(), "/repo", "wg-x")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", sha)
}

func TestHasUncommittedChanges(t *testing.T) {
	fr := newFakeRunner()
	fr.responses["status"] = " M main.go\n"
	g := NewWithRunner(fr)

	dirty, err := g.HasUncommittedChanges(context.Background(), "/wt")
	require.NoError(t, err)
	assert.True(t, dirty)

	fr.responses["status"] = "\n"
	dirty, err = g.HasUncommittedChanges(context.Background(), "/wt")
	require.NoError(t, err)
	assert.False(t, dirty)
}
