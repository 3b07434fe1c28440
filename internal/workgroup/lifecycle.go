package workgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/companionhq/companion/internal/convo"
)

// startTracking launches the worker's background lifecycle: inject the
// initial prompt, discover the conversation the CLI creates, then
// mirror its status until the worker reaches a terminal state.
func (m *Manager) startTracking(groupID string, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	w.cancel = cancel
	m.mu.Unlock()

	workerID := w.ID
	go func() {
		defer cancel()
		if err := m.runWorker(ctx, groupID, workerID); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("worker tracking ended", "group", groupID, "worker", workerID, "error", err)
		}
	}()
}

func (m *Manager) runWorker(ctx context.Context, groupID, workerID string) error {
	// Let the CLI boot before typing at it.
	select {
	case <-time.After(m.startupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.RLock()
	g, w := m.lookupLocked(groupID, workerID)
	if w == nil {
		m.mu.RUnlock()
		return nil
	}
	session, prompt := w.TmuxSession, workerPrompt(w)
	m.mu.RUnlock()

	if err := m.inj.SendInput(ctx, prompt, session); err != nil {
		m.setWorkerError(groupID, workerID, fmt.Sprintf("inject prompt: %v", err))
		return err
	}

	convID, err := m.discoverConversation(ctx, groupID, workerID)
	if err != nil {
		m.setWorkerError(groupID, workerID, fmt.Sprintf("discover conversation: %v", err))
		return err
	}

	m.mu.Lock()
	if g, w = m.lookupLocked(groupID, workerID); w != nil {
		w.ConversationID = convID
		if w.Status == WorkerSpawning {
			w.Status = WorkerWorking
		}
		m.emitLocked(g, "", w.ID)
	}
	m.mu.Unlock()

	return m.trackWorker(ctx, groupID, workerID)
}

// discoverConversation polls the watcher with exponential backoff until
// a conversation appears whose encoded project path is the worktree.
func (m *Manager) discoverConversation(ctx context.Context, groupID, workerID string) (string, error) {
	m.mu.RLock()
	_, w := m.lookupLocked(groupID, workerID)
	if w == nil {
		m.mu.RUnlock()
		return "", fmt.Errorf("worker not found: %s", workerID)
	}
	wt := w.WorktreePath
	m.mu.RUnlock()

	return backoff.Retry(ctx, func() (string, error) {
		if convID, ok := m.watch.FindByProjectPath(wt); ok {
			return convID, nil
		}
		return "", fmt.Errorf("no conversation for %s yet", wt)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(discoveryTimeout),
	)
}

// trackWorker mirrors the bound conversation's status onto the worker
// until it completes or errors.
func (m *Manager) trackWorker(ctx context.Context, groupID, workerID string) error {
	ticker := time.NewTicker(trackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := m.tickWorker(ctx, groupID, workerID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// tickWorker performs one status observation. Returns done=true when
// the worker reached a terminal state or disappeared.
func (m *Manager) tickWorker(ctx context.Context, groupID, workerID string) (bool, error) {
	m.mu.RLock()
	g, w := m.lookupLocked(groupID, workerID)
	if w == nil || g.Status != GroupActive {
		m.mu.RUnlock()
		return true, nil
	}
	convID, wt, lastIdx := w.ConversationID, w.WorktreePath, w.lastIdx
	base := g.BaseBranch
	m.mu.RUnlock()

	tail, err := m.watch.Tail(convID)
	if err != nil {
		return false, nil // conversation may lag behind; retry next tick
	}

	completed := false
	newLastIdx := lastIdx
	for i := range tail {
		msg := &tail[i]
		if msg.Index <= lastIdx {
			continue
		}
		newLastIdx = msg.Index
		if convo.IsCompletionMarker(msg) {
			completed = true
		}
	}

	commits := 0
	if completed {
		if n, err := m.git.CommitsAhead(ctx, wt, base); err == nil {
			commits = n
		}
	}

	status, qerr := m.watch.Status(convID)
	if qerr != nil {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, w = m.lookupLocked(groupID, workerID)
	if w == nil || g.Status != GroupActive {
		return true, nil
	}
	w.lastIdx = newLastIdx
	prev := w.Status

	switch {
	case completed && commits > 0:
		w.Status = WorkerCompleted
		w.Commits = commits
		w.LastQuestion = nil
	case completed:
		// Completion marker without commits is a no-op run; keep
		// working so the foreman can see it never produced anything.
		w.Status = WorkerWorking
	case status == convo.StatusWaiting:
		w.Status = WorkerWaiting
		w.LastQuestion = extractQuestion(tail)
	case status == convo.StatusError:
		w.Status = WorkerError
		w.Error = "conversation reported an error"
	case status == convo.StatusWorking:
		w.Status = WorkerWorking
		w.LastQuestion = nil
	}

	if w.Status != prev {
		w.LastActivity = time.Now()
		notice := ""
		switch w.Status {
		case WorkerWaiting:
			notice = "worker_waiting"
		case WorkerError:
			notice = "worker_error"
		}
		m.emitLocked(g, notice, w.ID)
	}

	if w.Status == WorkerCompleted {
		if allCompletedLocked(g) {
			m.emitLocked(g, "work_group_ready", "")
		}
		return true, nil
	}
	if w.Status == WorkerError {
		return true, nil
	}
	return false, nil
}

func allCompletedLocked(g *WorkGroup) bool {
	for _, w := range g.Workers {
		if w.Status != WorkerCompleted {
			return false
		}
	}
	return true
}

// lookupLocked resolves a group and worker; callers hold m.mu.
func (m *Manager) lookupLocked(groupID, workerID string) (*WorkGroup, *Worker) {
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil
	}
	if workerID == "" {
		return g, nil
	}
	for _, w := range g.Workers {
		if w.ID == workerID {
			return g, w
		}
	}
	return g, nil
}

func (m *Manager) setWorkerError(groupID, workerID, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, w := m.lookupLocked(groupID, workerID)
	if w == nil {
		return
	}
	w.Status = WorkerError
	w.Error = msg
	w.LastActivity = time.Now()
	m.emitLocked(g, "worker_error", w.ID)
}

// extractQuestion pulls the last prompt-tool question out of the tail.
// The input shape varies between CLI versions, so decoding is
// defensive.
func extractQuestion(tail []convo.Message) *Question {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Type != convo.TypeAssistant {
			continue
		}
		for j := len(tail[i].Blocks) - 1; j >= 0; j-- {
			b := tail[i].Blocks[j]
			if b.Type != "tool_use" || b.Name != "AskUserQuestion" {
				continue
			}
			if q := decodeQuestion(b.Input); q != nil {
				return q
			}
		}
	}
	return nil
}

func decodeQuestion(raw json.RawMessage) *Question {
	var flat struct {
		Question string `json:"question"`
		Options  []any  `json:"options"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Question != "" {
		return &Question{Text: flat.Question, Options: optionLabels(flat.Options)}
	}
	var nested struct {
		Questions []struct {
			Question string `json:"question"`
			Options  []any  `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Questions) > 0 {
		q := nested.Questions[0]
		return &Question{Text: q.Question, Options: optionLabels(q.Options)}
	}
	return nil
}

func optionLabels(opts []any) []string {
	var out []string
	for _, o := range opts {
		switch v := o.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if label, ok := v["label"].(string); ok {
				out = append(out, label)
			}
		}
	}
	return out
}

// Merge merges each completed worker's branch into the foreman's branch
// and tears the worker down. Conflict handling follows the group's
// merge strategy; already-merged workers are never rolled back.
func (m *Manager) Merge(ctx context.Context, groupID string) (*WorkGroup, error) {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("work group not found: %s", groupID)
	}
	if g.Status != GroupActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("cannot merge group in status %q", g.Status)
	}
	g.Status = GroupMerging
	m.emitLocked(g, "", "")
	var toMerge []*Worker
	for _, w := range g.Workers {
		if w.Status == WorkerCompleted {
			toMerge = append(toMerge, w)
		}
	}
	strategy := g.MergeStrategy
	parentDir := g.ParentDir
	m.mu.Unlock()

	var mergeCommit string
	var failed []string
	for _, w := range toMerge {
		sha, err := m.git.Merge(ctx, parentDir, w.Branch)
		if err != nil {
			failed = append(failed, w.ID)
			m.mu.Lock()
			if _, lw := m.lookupLocked(groupID, w.ID); lw != nil {
				lw.Status = WorkerError
				lw.Error = err.Error()
				m.emitLocked(g, "worker_error", lw.ID)
			}
			m.mu.Unlock()
			if strategy == MergeAbort {
				break
			}
			continue
		}
		mergeCommit = sha

		// Worktree before branch, then the session.
		if m.ctrl.SessionExists(ctx, w.TmuxSession) {
			_ = m.ctrl.KillSession(ctx, w.TmuxSession)
		}
		if err := m.git.RemoveWorktree(ctx, parentDir, w.WorktreePath); err != nil {
			m.log.Warn("remove merged worktree", "path", w.WorktreePath, "error", err)
		}
		if err := m.git.DeleteBranch(ctx, parentDir, w.Branch); err != nil {
			m.log.Warn("delete merged branch", "branch", w.Branch, "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok = m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("work group not found: %s", groupID)
	}
	if len(failed) > 0 {
		g.Status = GroupError
		g.Error = fmt.Sprintf("partial merge: %d of %d branches failed", len(failed), len(toMerge))
	} else {
		g.Status = GroupCompleted
	}
	g.MergeCommit = mergeCommit
	m.emitLocked(g, "", "")
	cp := snapshot(g)
	if g.Status == GroupError {
		return &cp, fmt.Errorf("%s", g.Error)
	}
	return &cp, nil
}

// Cancel kills every worker's session and removes its worktree and
// branch, then marks the group cancelled.
func (m *Manager) Cancel(ctx context.Context, groupID string) (*WorkGroup, error) {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("work group not found: %s", groupID)
	}
	if g.Status == GroupCompleted || g.Status == GroupCancelled {
		m.mu.Unlock()
		return nil, fmt.Errorf("cannot cancel group in status %q", g.Status)
	}
	g.Status = GroupCancelled
	workers := g.Workers
	m.mu.Unlock()

	for _, w := range workers {
		m.cleanupWorker(ctx, g, w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(g, "", "")
	cp := snapshot(g)
	return &cp, nil
}

// Retry tears an errored worker down and provisions it again from
// scratch. Only valid when the worker is in error.
func (m *Manager) Retry(ctx context.Context, groupID, workerID string) (*WorkGroup, error) {
	m.mu.Lock()
	g, w := m.lookupLocked(groupID, workerID)
	if g == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("work group not found: %s", groupID)
	}
	if w == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}
	if w.Status != WorkerError {
		m.mu.Unlock()
		return nil, fmt.Errorf("cannot retry worker in status %q", w.Status)
	}
	spec := WorkerSpec{Slug: w.Slug, Task: w.Task, PlanSection: w.PlanSection, Files: w.Files}
	m.mu.Unlock()

	m.cleanupWorker(ctx, g, w)

	fresh, err := m.spawnWorker(ctx, g, spec)
	if err != nil {
		m.setWorkerError(groupID, workerID, fmt.Sprintf("respawn: %v", err))
		return nil, err
	}

	m.mu.Lock()
	g, w = m.lookupLocked(groupID, workerID)
	if w == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}
	w.Branch = fresh.Branch
	w.WorktreePath = fresh.WorktreePath
	w.TmuxSession = fresh.TmuxSession
	w.ConversationID = ""
	w.Status = WorkerWorking
	w.Error = ""
	w.Commits = 0
	w.LastQuestion = nil
	w.lastIdx = -1
	w.LastActivity = time.Now()
	m.emitLocked(g, "", w.ID)
	m.mu.Unlock()

	m.startTracking(groupID, w)
	return m.Group(groupID)
}

// SendInput routes text into a worker's pane, stamps its activity and
// clears its last question.
func (m *Manager) SendInput(ctx context.Context, groupID, workerID, text string) error {
	m.mu.RLock()
	_, w := m.lookupLocked(groupID, workerID)
	if w == nil {
		m.mu.RUnlock()
		return fmt.Errorf("worker not found: %s", workerID)
	}
	session := w.TmuxSession
	m.mu.RUnlock()

	if err := m.inj.SendInput(ctx, text, session); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	g, w := m.lookupLocked(groupID, workerID)
	if w != nil {
		w.LastActivity = time.Now()
		w.LastQuestion = nil
		m.emitLocked(g, "", w.ID)
	}
	return nil
}
