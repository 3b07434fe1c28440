package watcher

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/companionhq/companion/internal/convo"
	"github.com/companionhq/companion/internal/tmux"
)

// ErrNotFound is returned by accessors for unknown conversation ids.
var ErrNotFound = fmt.Errorf("conversation not found")

// chain returns the conversation's log files ordered oldest first, so
// rotated files concatenate into one logical stream. Order is the
// timestamp of each file's first message; mtime breaks ties when a
// file has no decodable timestamp (rotation within one second would
// otherwise tie on mtime alone).
func (w *Watcher) chain(id string) ([]string, error) {
	w.mu.RLock()
	c, ok := w.conversations[id]
	if !ok {
		w.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	files := append([]string(nil), c.files...)
	w.mu.RUnlock()

	type chainKey struct {
		ts    time.Time
		hasTS bool
		mtime time.Time
	}
	keys := make(map[string]chainKey, len(files))
	for _, f := range files {
		var k chainKey
		k.ts, k.hasTS = convo.FirstTimestamp(f)
		if info, err := os.Stat(f); err == nil {
			k.mtime = info.ModTime()
		}
		keys[f] = k
	}

	sort.Slice(files, func(i, j int) bool {
		ki, kj := keys[files[i]], keys[files[j]]
		if ki.hasTS && kj.hasTS && !ki.ts.Equal(kj.ts) {
			return ki.ts.Before(kj.ts)
		}
		if !ki.mtime.Equal(kj.mtime) {
			return ki.mtime.Before(kj.mtime)
		}
		return files[i] < files[j]
	})
	return files, nil
}

// Status returns the current derived status for a conversation.
func (w *Watcher) Status(id string) (convo.Status, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.conversations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.status, nil
}

// Highlights returns the last limit human-visible messages of the
// conversation's file chain, skipping offset from the end.
func (w *Watcher) Highlights(id string, limit, offset int) (*convo.ChainResult, error) {
	files, err := w.chain(id)
	if err != nil {
		return nil, err
	}
	res, err := convo.ParseChain(files, limit, offset)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Full returns every message of the conversation's file chain.
func (w *Watcher) Full(id string) ([]convo.Message, error) {
	files, err := w.chain(id)
	if err != nil {
		return nil, err
	}
	var all []convo.Message
	for _, f := range files {
		res, err := convo.ParseFile(f, 0, len(all))
		if err != nil {
			return nil, err
		}
		all = append(all, res.Messages...)
	}
	return all, nil
}

// Tasks returns the latest todo list observed in the conversation tail.
func (w *Watcher) Tasks(id string) ([]convo.Task, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return convo.Tasks(c.tail), nil
}

// Usage folds token-usage records across the conversation's chain.
func (w *Watcher) Usage(id string) (convo.Usage, error) {
	files, err := w.chain(id)
	if err != nil {
		return convo.Usage{}, err
	}
	var total convo.Usage
	for _, f := range files {
		u, err := convo.UsageTotals(f)
		if err != nil {
			return convo.Usage{}, err
		}
		total.Add(u)
	}
	return total, nil
}

// Tail returns a copy of the cached message tail.
func (w *Watcher) Tail(id string) ([]convo.Message, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]convo.Message(nil), c.tail...), nil
}

// Exists reports whether the conversation id is known.
func (w *Watcher) Exists(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.conversations[id]
	return ok
}

// Summaries returns snapshots of every conversation, most recently
// active first.
func (w *Watcher) Summaries() []Summary {
	w.mu.RLock()
	out := make([]Summary, 0, len(w.conversations))
	for _, c := range w.conversations {
		out = append(out, summarize(c))
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func summarize(c *conversation) Summary {
	return Summary{
		ID:           c.id,
		Name:         c.name,
		ProjectPath:  c.projectPath,
		Status:       c.status,
		LastActivity: c.lastActivity,
		Active:       c.active,
	}
}

// GetServerSummary builds the dashboard snapshot. When tmuxSessions is
// non-nil only conversations with a matching session working directory
// are listed, which hides conversations without a live pane.
func (w *Watcher) GetServerSummary(tmuxSessions []tmux.Session) ServerSummary {
	var filter map[string]bool
	if tmuxSessions != nil {
		filter = make(map[string]bool, len(tmuxSessions))
		for _, s := range tmuxSessions {
			filter[EncodeID(s.WorkingDir)] = true
		}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	sum := ServerSummary{Sessions: []Summary{}, TotalSessions: len(w.conversations)}
	for _, c := range w.conversations {
		if filter != nil && !filter[c.id] {
			continue
		}
		sum.Sessions = append(sum.Sessions, summarize(c))
		switch c.status {
		case convo.StatusWaiting:
			sum.WaitingCount++
		case convo.StatusWorking:
			sum.WorkingCount++
		}
	}
	sort.Slice(sum.Sessions, func(i, j int) bool {
		return sum.Sessions[i].LastActivity.After(sum.Sessions[j].LastActivity)
	})
	return sum
}

// SetActiveSession records the process-wide active conversation, the
// fallback for verbs that omit a session id.
func (w *Watcher) SetActiveSession(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.conversations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w.activeSession = id
	return nil
}

// ClearActiveSession unsets the process-wide active conversation.
func (w *Watcher) ClearActiveSession() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeSession = ""
}

// ActiveSession returns the process-wide active conversation id, empty
// when unset.
func (w *Watcher) ActiveSession() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeSession
}

// SetAutoApprove toggles the per-session auto-approve flag. An empty
// id targets the active session.
func (w *Watcher) SetAutoApprove(id string, enabled bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" {
		id = w.activeSession
	}
	c, ok := w.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.autoApprove = enabled
	return nil
}

// AutoApprove reports the per-session auto-approve flag.
func (w *Watcher) AutoApprove(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.conversations[id]
	return ok && c.autoApprove
}

// ProjectPath returns the absolute project directory bound to the
// conversation by reconcile, empty when no live session matched yet.
func (w *Watcher) ProjectPath(id string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if c, ok := w.conversations[id]; ok {
		return c.projectPath
	}
	return ""
}

// FindByProjectPath returns the conversation id whose encoded project
// path matches dir, used by the work-group manager to bind workers.
func (w *Watcher) FindByProjectPath(dir string) (string, bool) {
	id := EncodeID(dir)
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.conversations[id]
	return id, ok
}

// seed inserts a conversation record directly; test hook for a
// populated watcher without a filesystem.
func (w *Watcher) seed(id string, status convo.Status, at time.Time, active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conversations[id] = &conversation{
		id:           id,
		name:         displayName(id),
		offsets:      make(map[string]int64),
		nextIndex:    make(map[string]int),
		status:       status,
		lastActivity: at,
		active:       active,
	}
}
