package workgroup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/convo"
	"github.com/companionhq/companion/internal/gitx"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/util/testutil"
)

// fakeGit emulates just enough git for worktree lifecycle: worktree
// add creates the directory, remove deletes it.
type fakeGit struct {
	mu       sync.Mutex
	calls    [][]string
	mergeErr error
	commits  string
	listOut  string
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()

	switch args[2] {
	case "branch":
		if args[3] == "--show-current" {
			return "main\n", nil
		}
		return "", nil
	case "worktree":
		switch args[3] {
		case "add":
			return "", os.MkdirAll(args[4], 0o755)
		case "remove":
			return "", os.RemoveAll(args[4])
		case "list":
			return f.listOut, nil
		}
		return "", nil
	case "rev-list":
		if f.commits == "" {
			return "0\n", nil
		}
		return f.commits + "\n", nil
	case "merge":
		if len(args) > 3 && args[3] == "--abort" {
			return "", nil
		}
		return "", f.mergeErr
	case "rev-parse":
		return "abc123\n", nil
	}
	return "", nil
}

func (f *fakeGit) callsFor(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if len(c) > 2 && c[2] == sub {
			out = append(out, c)
		}
	}
	return out
}

type fakeTmuxRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeTmuxRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if args[0] == "show-environment" {
		return tmux.MarkerVar + "=1\n", nil
	}
	return "", nil
}

func (f *fakeTmuxRunner) callsFor(sub string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

// fakeSource is an in-memory ConversationSource.
type fakeSource struct {
	mu     sync.Mutex
	byPath map[string]string
	status map[string]convo.Status
	tails  map[string][]convo.Message
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		byPath: make(map[string]string),
		status: make(map[string]convo.Status),
		tails:  make(map[string][]convo.Message),
	}
}

func (f *fakeSource) FindByProjectPath(dir string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byPath[dir]
	return id, ok
}

func (f *fakeSource) Status(id string) (convo.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return "", errors.New("unknown conversation")
	}
	return st, nil
}

func (f *fakeSource) Tail(id string) ([]convo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]convo.Message(nil), f.tails[id]...), nil
}

func (f *fakeSource) set(id string, st convo.Status, lines ...string) {
	res := convo.Parse(strings.NewReader(strings.Join(lines, "\n")+"\n"), 0)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = st
	f.tails[id] = res.Messages
}

func gitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func newTestManager(t *testing.T) (*Manager, *fakeGit, *fakeTmuxRunner, *fakeSource, string) {
	t.Helper()
	fg := &fakeGit{commits: "1"}
	ft := &fakeTmuxRunner{}
	src := newFakeSource()
	ctrl := tmux.NewWithRunner(ft)
	m := New(gitx.NewWithRunner(fg), ctrl, tmux.NewInjector(ctrl), src, "claude")
	m.startupDelay = 0
	return m, fg, ft, src, gitRepo(t)
}

func oneWorkerRequest(repo string) CreateRequest {
	return CreateRequest{
		Name:      "Demo Plan",
		ParentDir: repo,
		Workers: []WorkerSpec{
			{Task: "Fix API tests", PlanSection: "## API", Files: []string{"api.go"}},
		},
	}
}

func TestCreateProvisionsWorkers(t *testing.T) {
	m, fg, ft, _, repo := newTestManager(t)

	g, err := m.Create(context.Background(), CreateRequest{
		Name:      "Demo",
		ParentDir: repo,
		Workers: []WorkerSpec{
			{Task: "API layer", PlanSection: "## A", Files: []string{"a.go"}},
			{Task: "UI layer", PlanSection: "## B", Files: []string{"b.go"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, GroupActive, g.Status)
	assert.Equal(t, MergeAbort, g.MergeStrategy)
	assert.Equal(t, "main", g.BaseBranch)
	require.Len(t, g.Workers, 2)

	for _, w := range g.Workers {
		assert.True(t, strings.HasPrefix(w.Branch, "wg-demo-"), w.Branch)
		assert.True(t, strings.HasPrefix(w.WorktreePath, filepath.Join(repo, gitx.WorktreeDirName)), w.WorktreePath)
		assert.Equal(t, WorkerSpawning, w.Status)

		// The prompt file landed in the worktree.
		data, err := os.ReadFile(filepath.Join(w.WorktreePath, promptFileName))
		require.NoError(t, err)
		assert.Contains(t, string(data), w.Task)
	}

	// One worktree add and one tmux session per worker.
	adds := 0
	for _, c := range fg.callsFor("worktree") {
		if c[3] == "add" {
			adds++
		}
	}
	assert.Equal(t, 2, adds)
	assert.Len(t, ft.callsFor("new-session"), 2)
}

func TestCreateValidatesRequest(t *testing.T) {
	m, _, _, _, repo := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{ParentDir: repo, Workers: []WorkerSpec{{Task: "x"}}})
	assert.Error(t, err) // no name

	_, err = m.Create(ctx, CreateRequest{Name: "n", ParentDir: repo})
	assert.Error(t, err) // no workers

	_, err = m.Create(ctx, CreateRequest{Name: "n", ParentDir: t.TempDir(), Workers: []WorkerSpec{{Task: "x"}}})
	assert.ErrorIs(t, err, gitx.ErrNotGitRepo)

	_, err = m.Create(ctx, CreateRequest{Name: "n", ParentDir: repo, MergeStrategy: "octopus", Workers: []WorkerSpec{{Task: "x"}}})
	assert.Error(t, err)
}

func TestWorkerDiscoveryAndCompletion(t *testing.T) {
	m, _, _, src, repo := newTestManager(t)

	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	w := g.Workers[0]

	// The CLI starts and its conversation appears.
	src.mu.Lock()
	src.byPath[w.WorktreePath] = "conv-1"
	src.mu.Unlock()
	src.set("conv-1", convo.StatusWorking,
		`{"type":"user","message":{"role":"user","content":"prompt"}}`)

	testutil.RequireEventually(t, func() bool {
		g, _ := m.Group(g.ID)
		return g.Workers[0].Status == WorkerWorking && g.Workers[0].ConversationID == "conv-1"
	}, "worker never bound its conversation")

	// Completion marker plus one commit: worker completes and the
	// group becomes ready.
	ch, cancel := m.Subscribe()
	defer cancel()
	src.set("conv-1", convo.StatusIdle,
		`{"type":"user","message":{"role":"user","content":"prompt"}}`,
		`{"type":"result","subtype":"success"}`)

	testutil.RequireEventually(t, func() bool {
		g, _ := m.Group(g.ID)
		return g.Workers[0].Status == WorkerCompleted
	}, "worker never completed")

	gotReady := false
	for len(ch) > 0 {
		if up := <-ch; up.Event == "work_group_ready" {
			gotReady = true
		}
	}
	assert.True(t, gotReady)
}

func TestWorkerWaitingCapturesQuestion(t *testing.T) {
	m, _, _, src, repo := newTestManager(t)

	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	w := g.Workers[0]

	src.mu.Lock()
	src.byPath[w.WorktreePath] = "conv-1"
	src.mu.Unlock()
	src.set("conv-1", convo.StatusWaiting,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"question":"REST or GraphQL?","options":["REST","GraphQL"]}}]}}`)

	testutil.RequireEventually(t, func() bool {
		g, _ := m.Group(g.ID)
		return g.Workers[0].Status == WorkerWaiting
	}, "worker never reached waiting")

	g, err = m.Group(g.ID)
	require.NoError(t, err)
	q := g.Workers[0].LastQuestion
	require.NotNil(t, q)
	assert.Equal(t, "REST or GraphQL?", q.Text)
	assert.Equal(t, []string{"REST", "GraphQL"}, q.Options)
}

func completeWorker(t *testing.T, m *Manager, src *fakeSource, groupID string) {
	t.Helper()
	g, err := m.Group(groupID)
	require.NoError(t, err)
	for _, w := range g.Workers {
		convID := "conv-" + w.ID
		src.mu.Lock()
		src.byPath[w.WorktreePath] = convID
		src.mu.Unlock()
		src.set(convID, convo.StatusIdle,
			`{"type":"result","subtype":"success"}`)
	}
	testutil.RequireEventually(t, func() bool {
		g, _ := m.Group(groupID)
		return allCompleted(g)
	}, "workers never completed")
}

func allCompleted(g *WorkGroup) bool {
	for _, w := range g.Workers {
		if w.Status != WorkerCompleted {
			return false
		}
	}
	return true
}

func TestMergeCompletesGroup(t *testing.T) {
	m, fg, _, src, repo := newTestManager(t)

	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	completeWorker(t, m, src, g.ID)

	merged, err := m.Merge(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, GroupCompleted, merged.Status)
	assert.Equal(t, "abc123", merged.MergeCommit)

	// Worktree was removed after the merge; the directory is gone.
	_, statErr := os.Stat(merged.Workers[0].WorktreePath)
	assert.True(t, os.IsNotExist(statErr))
	assert.NotEmpty(t, fg.callsFor("merge"))
}

func TestMergeConflictLeavesGroupInError(t *testing.T) {
	m, fg, _, src, repo := newTestManager(t)
	fg.mergeErr = errors.New("CONFLICT (content): merge conflict in api.go")

	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	completeWorker(t, m, src, g.ID)

	merged, err := m.Merge(context.Background(), g.ID)
	require.Error(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, GroupError, merged.Status)
	assert.Contains(t, merged.Error, "partial merge")
	assert.Equal(t, WorkerError, merged.Workers[0].Status)
}

func TestMergeOnlyValidWhenActive(t *testing.T) {
	m, _, _, src, repo := newTestManager(t)
	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	completeWorker(t, m, src, g.ID)

	_, err = m.Merge(context.Background(), g.ID)
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), g.ID)
	assert.Error(t, err)
}

func TestCancelTearsDownWorkers(t *testing.T) {
	m, fg, ft, _, repo := newTestManager(t)

	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	wt := g.Workers[0].WorktreePath

	cancelled, err := m.Cancel(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, GroupCancelled, cancelled.Status)

	_, statErr := os.Stat(wt)
	assert.True(t, os.IsNotExist(statErr))
	assert.NotEmpty(t, ft.callsFor("kill-session"))

	// Branch deletion happened after worktree removal.
	var removeIdx, deleteIdx int
	fg.mu.Lock()
	for i, c := range fg.calls {
		if c[2] == "worktree" && c[3] == "remove" {
			removeIdx = i
		}
		if c[2] == "branch" && c[3] == "-D" {
			deleteIdx = i
		}
	}
	fg.mu.Unlock()
	assert.Greater(t, deleteIdx, removeIdx)
}

func TestDismissLifecycle(t *testing.T) {
	m, _, _, _, repo := newTestManager(t)
	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)

	// Active groups cannot be dismissed.
	assert.Error(t, m.Dismiss(g.ID))

	_, err = m.Cancel(context.Background(), g.ID)
	require.NoError(t, err)
	require.NoError(t, m.Dismiss(g.ID))
	_, err = m.Group(g.ID)
	assert.Error(t, err)
}

func TestRetryOnlyFromError(t *testing.T) {
	m, _, _, _, repo := newTestManager(t)
	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	w := g.Workers[0]

	_, err = m.Retry(context.Background(), g.ID, w.ID)
	assert.Error(t, err) // still spawning

	m.setWorkerError(g.ID, w.ID, "injection failed")
	retried, err := m.Retry(context.Background(), g.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkerWorking, retried.Workers[0].Status)
	assert.Empty(t, retried.Workers[0].Error)
}

func TestSendInputClearsQuestion(t *testing.T) {
	m, _, ft, _, repo := newTestManager(t)
	g, err := m.Create(context.Background(), oneWorkerRequest(repo))
	require.NoError(t, err)
	w := g.Workers[0]

	m.mu.Lock()
	m.groups[g.ID].Workers[0].LastQuestion = &Question{Text: "?"}
	m.mu.Unlock()

	require.NoError(t, m.SendInput(context.Background(), g.ID, w.ID, "use REST"))

	g2, err := m.Group(g.ID)
	require.NoError(t, err)
	assert.Nil(t, g2.Workers[0].LastQuestion)

	// Literal send then Enter into the worker's pane.
	sends := ft.callsFor("send-keys")
	var sawLiteral bool
	for _, c := range sends {
		for _, a := range c {
			if a == "use REST" {
				sawLiteral = true
			}
		}
	}
	assert.True(t, sawLiteral)
}

func TestListOrphanedWorktrees(t *testing.T) {
	m, fg, _, _, repo := newTestManager(t)
	orphan := filepath.Join(repo, gitx.WorktreeDirName, "wg-lost-task")
	fg.listOut = strings.Join([]string{
		"worktree " + repo,
		"branch refs/heads/main",
		"",
		"worktree " + orphan,
		"branch refs/heads/wg-lost-task",
		"",
	}, "\n")

	orphans, err := m.ListOrphanedWorktrees(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan, orphans[0].Path)
	assert.Equal(t, "wg-lost-task", orphans[0].Branch)
}

func TestDecodeQuestionShapes(t *testing.T) {
	q := decodeQuestion(json.RawMessage(`{"question":"pick one","options":[{"label":"A"},{"label":"B"}]}`))
	require.NotNil(t, q)
	assert.Equal(t, "pick one", q.Text)
	assert.Equal(t, []string{"A", "B"}, q.Options)

	q = decodeQuestion(json.RawMessage(`{"questions":[{"question":"nested?","options":["x"]}]}`))
	require.NotNil(t, q)
	assert.Equal(t, "nested?", q.Text)

	assert.Nil(t, decodeQuestion(json.RawMessage(`{"unrelated":true}`)))
}
