// Package workgroup orchestrates fan-outs of worker CLIs: each worker
// runs in its own git worktree and tagged tmux session, completes one
// task on its own branch, and the group merges the branches back into
// the foreman's branch. State is in-memory only; a daemon restart
// forgets groups (orphaned worktrees are enumerable for cleanup).
package workgroup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/companionhq/companion/internal/convo"
	"github.com/companionhq/companion/internal/gitx"
	"github.com/companionhq/companion/internal/id"
	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/validate"
)

// ConversationSource is the watcher surface the manager needs to bind
// workers to their conversations.
type ConversationSource interface {
	FindByProjectPath(dir string) (string, bool)
	Status(id string) (convo.Status, error)
	Tail(id string) ([]convo.Message, error)
}

// Group statuses.
const (
	GroupActive    = "active"
	GroupMerging   = "merging"
	GroupCompleted = "completed"
	GroupCancelled = "cancelled"
	GroupError     = "error"
)

// Worker statuses.
const (
	WorkerSpawning  = "spawning"
	WorkerWorking   = "working"
	WorkerWaiting   = "waiting"
	WorkerCompleted = "completed"
	WorkerError     = "error"
)

// Merge strategies. Abort stops the whole merge at the first conflict;
// continue records per-worker results and merges what it can.
const (
	MergeAbort    = "abort"
	MergeContinue = "continue"
)

const (
	slugMaxLen = 24

	// startupDelay is how long to wait after launching the CLI before
	// injecting the initial prompt.
	defaultStartupDelay = 5 * time.Second

	trackInterval    = time.Second
	discoveryTimeout = 2 * time.Minute

	promptFileName = "WORKER_PROMPT.md"

	subscriberBuffer = 64
)

// Question is the last prompt a waiting worker asked.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// WorkerSpec describes one task in a spawn request. File lists must be
// pairwise disjoint within a group; the caller asserts this.
type WorkerSpec struct {
	Slug        string   `json:"slug,omitempty"`
	Task        string   `json:"task"`
	PlanSection string   `json:"planSection,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// Worker is one task's runtime state.
type Worker struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Task           string    `json:"task"`
	PlanSection    string    `json:"planSection,omitempty"`
	Files          []string  `json:"files,omitempty"`
	Branch         string    `json:"branch"`
	WorktreePath   string    `json:"worktreePath"`
	TmuxSession    string    `json:"tmuxSession"`
	ConversationID string    `json:"conversationId,omitempty"`
	Status         string    `json:"status"`
	LastActivity   time.Time `json:"lastActivity"`
	LastQuestion   *Question `json:"lastQuestion,omitempty"`
	Commits        int       `json:"commits"`
	Error          string    `json:"error,omitempty"`

	cancel  context.CancelFunc
	lastIdx int
}

// WorkGroup is one fan-out.
type WorkGroup struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	ForemanSessionID   string    `json:"foremanSessionId,omitempty"`
	ForemanTmuxSession string    `json:"foremanTmuxSession,omitempty"`
	ParentDir          string    `json:"parentDir"`
	BaseBranch         string    `json:"baseBranch,omitempty"`
	PlanFile           string    `json:"planFile,omitempty"`
	MergeStrategy      string    `json:"mergeStrategy"`
	Status             string    `json:"status"`
	Workers            []*Worker `json:"workers"`
	MergeCommit        string    `json:"mergeCommit,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Update is one group state change. Event carries an escalation-worthy
// notice (worker_waiting, worker_error, work_group_ready) when the
// change warrants one.
type Update struct {
	Group    WorkGroup `json:"group"`
	Event    string    `json:"event,omitempty"`
	WorkerID string    `json:"workerId,omitempty"`
}

// CreateRequest is the spawn_work_group payload.
type CreateRequest struct {
	Name               string       `json:"name"`
	ForemanSessionID   string       `json:"foremanSessionId,omitempty"`
	ForemanTmuxSession string       `json:"foremanTmuxSession,omitempty"`
	ParentDir          string       `json:"parentDir"`
	PlanFile           string       `json:"planFile,omitempty"`
	MergeStrategy      string       `json:"mergeStrategy,omitempty"`
	Workers            []WorkerSpec `json:"workers"`
}

// Manager owns all WorkGroup and Worker records.
type Manager struct {
	git      *gitx.Git
	ctrl     *tmux.Controller
	inj      *tmux.Injector
	watch    ConversationSource
	startCli string
	log      *slog.Logger

	startupDelay time.Duration

	mu     sync.RWMutex
	groups map[string]*WorkGroup

	subMu   sync.RWMutex
	subs    map[int]chan Update
	nextSub int
}

// New returns a Manager. startCli is the shell command that launches
// the coding CLI inside each worker pane.
func New(git *gitx.Git, ctrl *tmux.Controller, inj *tmux.Injector, watch ConversationSource, startCli string) *Manager {
	return &Manager{
		git:          git,
		ctrl:         ctrl,
		inj:          inj,
		watch:        watch,
		startCli:     startCli,
		log:          slog.Default().With("component", "workgroup"),
		startupDelay: defaultStartupDelay,
		groups:       make(map[string]*WorkGroup),
		subs:         make(map[int]chan Update),
	}
}

// Subscribe registers an update consumer; updates for one group arrive
// in order. The cancel func releases the channel.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	sid := m.nextSub
	m.nextSub++
	ch := make(chan Update, subscriberBuffer)
	m.subs[sid] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if ch, ok := m.subs[sid]; ok {
			delete(m.subs, sid)
			close(ch)
		}
	}
}

// emitLocked snapshots the group and publishes an update; callers hold
// m.mu (read or write).
func (m *Manager) emitLocked(g *WorkGroup, event, workerID string) {
	g.UpdatedAt = time.Now()
	up := Update{Group: snapshot(g), Event: event, WorkerID: workerID}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- up:
		default:
		}
	}
}

func snapshot(g *WorkGroup) WorkGroup {
	cp := *g
	cp.Workers = make([]*Worker, len(g.Workers))
	for i, w := range g.Workers {
		wc := *w
		wc.cancel = nil
		cp.Workers[i] = &wc
	}
	return cp
}

// Create spawns a new work group: per worker a branch, worktree,
// tagged tmux session and initial prompt. Workers start in spawning.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*WorkGroup, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("work group name is required")
	}
	if len(req.Workers) == 0 {
		return nil, fmt.Errorf("at least one worker is required")
	}
	if !gitx.IsGitRepo(req.ParentDir) {
		return nil, fmt.Errorf("%w: %s", gitx.ErrNotGitRepo, req.ParentDir)
	}
	strategy := req.MergeStrategy
	switch strategy {
	case "":
		strategy = MergeAbort
	case MergeAbort, MergeContinue:
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	base, err := m.git.CurrentBranch(ctx, req.ParentDir)
	if err != nil {
		return nil, err
	}

	g := &WorkGroup{
		ID:                 id.New(),
		Name:               req.Name,
		Slug:               validate.Slugify(req.Name, slugMaxLen),
		ForemanSessionID:   req.ForemanSessionID,
		ForemanTmuxSession: req.ForemanTmuxSession,
		ParentDir:          req.ParentDir,
		BaseBranch:         base,
		PlanFile:           req.PlanFile,
		MergeStrategy:      strategy,
		Status:             GroupActive,
		CreatedAt:          time.Now(),
	}

	for _, spec := range req.Workers {
		w, err := m.spawnWorker(ctx, g, spec)
		if err != nil {
			// Roll back what already exists; the group never becomes
			// visible.
			m.teardownWorkers(ctx, g)
			return nil, fmt.Errorf("spawn worker %q: %w", spec.Task, err)
		}
		g.Workers = append(g.Workers, w)
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	metrics.ActiveWorkGroups.Inc()
	metrics.ActiveWorkers.Add(float64(len(g.Workers)))
	m.emitLocked(g, "", "")
	m.mu.Unlock()

	for _, w := range g.Workers {
		m.startTracking(g.ID, w)
	}
	m.log.Info("work group created", "group", g.ID, "name", g.Name, "workers", len(g.Workers))
	return m.Group(g.ID)
}

// spawnWorker provisions one worker: branch + worktree + tmux session
// + prompt file.
func (m *Manager) spawnWorker(ctx context.Context, g *WorkGroup, spec WorkerSpec) (*Worker, error) {
	slug := spec.Slug
	if slug == "" {
		slug = spec.Task
	}
	slug = validate.Slugify(slug, slugMaxLen)
	branch := fmt.Sprintf("wg-%s-%s", g.Slug, slug)

	wt, err := m.git.CreateWorktree(ctx, g.ParentDir, branch)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		ID:           id.New(),
		Slug:         slug,
		Task:         spec.Task,
		PlanSection:  spec.PlanSection,
		Files:        spec.Files,
		Branch:       branch,
		WorktreePath: wt,
		TmuxSession:  tmux.GenerateSessionName(wt),
		Status:       WorkerSpawning,
		LastActivity: time.Now(),
		lastIdx:      -1,
	}

	if w.PlanSection != "" {
		if err := os.WriteFile(filepath.Join(wt, promptFileName), []byte(workerPrompt(w)), 0o644); err != nil {
			m.cleanupWorker(ctx, g, w)
			return nil, fmt.Errorf("write prompt file: %w", err)
		}
	}
	if err := m.ctrl.CreateSession(ctx, w.TmuxSession, wt, m.startCli); err != nil {
		m.cleanupWorker(ctx, g, w)
		return nil, err
	}
	return w, nil
}

// workerPrompt renders the initial instruction a worker receives.
func workerPrompt(w *Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are one worker in a parallel work group.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", w.Task)
	if w.PlanSection != "" {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", w.PlanSection)
	}
	if len(w.Files) > 0 {
		fmt.Fprintf(&b, "\nOnly touch these files:\n")
		for _, f := range w.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	fmt.Fprintf(&b, "\nCommit your changes when done.\n")
	return b.String()
}

// teardownWorkers removes every provisioned worker of g; worktree
// before branch, always.
func (m *Manager) teardownWorkers(ctx context.Context, g *WorkGroup) {
	for _, w := range g.Workers {
		m.cleanupWorker(ctx, g, w)
	}
}

// cleanupWorker kills the session and removes worktree then branch.
func (m *Manager) cleanupWorker(ctx context.Context, g *WorkGroup, w *Worker) {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.TmuxSession != "" && m.ctrl.SessionExists(ctx, w.TmuxSession) {
		if err := m.ctrl.KillSession(ctx, w.TmuxSession); err != nil {
			m.log.Warn("kill worker session", "session", w.TmuxSession, "error", err)
		}
	}
	if err := m.git.RemoveWorktree(ctx, g.ParentDir, w.WorktreePath); err != nil {
		m.log.Warn("remove worker worktree", "path", w.WorktreePath, "error", err)
	}
	if err := m.git.DeleteBranch(ctx, g.ParentDir, w.Branch); err != nil {
		m.log.Warn("delete worker branch", "branch", w.Branch, "error", err)
	}
}

// Groups returns snapshots of every group, newest first.
func (m *Manager) Groups() []WorkGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, snapshot(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Group returns a snapshot of one group.
func (m *Manager) Group(groupID string) (*WorkGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("work group not found: %s", groupID)
	}
	cp := snapshot(g)
	return &cp, nil
}

// Dismiss removes a finished group from the in-memory list. Only valid
// for completed or cancelled groups.
func (m *Manager) Dismiss(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("work group not found: %s", groupID)
	}
	if g.Status != GroupCompleted && g.Status != GroupCancelled {
		return fmt.Errorf("cannot dismiss group in status %q", g.Status)
	}
	for _, w := range g.Workers {
		if w.cancel != nil {
			w.cancel()
		}
	}
	delete(m.groups, groupID)
	metrics.ActiveWorkGroups.Dec()
	metrics.ActiveWorkers.Sub(float64(len(g.Workers)))
	return nil
}

// ListOrphanedWorktrees enumerates .wg-worktrees checkouts under
// parentDir with no in-memory worker, the debris a crash mid-merge
// leaves behind.
func (m *Manager) ListOrphanedWorktrees(ctx context.Context, parentDir string) ([]gitx.Worktree, error) {
	if !gitx.IsGitRepo(parentDir) {
		return nil, fmt.Errorf("%w: %s", gitx.ErrNotGitRepo, parentDir)
	}
	all, err := m.git.ListWorktrees(ctx, parentDir)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	m.mu.RLock()
	for _, g := range m.groups {
		for _, w := range g.Workers {
			known[w.WorktreePath] = true
		}
	}
	m.mu.RUnlock()

	marker := string(os.PathSeparator) + gitx.WorktreeDirName + string(os.PathSeparator)
	var orphans []gitx.Worktree
	for _, wt := range all {
		if strings.Contains(wt.Path, marker) && !known[wt.Path] {
			orphans = append(orphans, wt)
		}
	}
	return orphans, nil
}

// Close stops all worker trackers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		for _, w := range g.Workers {
			if w.cancel != nil {
				w.cancel()
				w.cancel = nil
			}
		}
	}
}
