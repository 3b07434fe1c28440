// Package watcher tracks the coding CLI's JSONL conversation logs under
// codeHome/projects and maintains the authoritative conversation map:
// derived status, message tails, activity timestamps. It is the only
// writer of conversation records; consumers subscribe to its event
// stream or read snapshots through accessor methods.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/companionhq/companion/internal/convo"
	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/tmux"
)

const (
	// debounceDelay coalesces the burst of write events the CLI emits
	// while appending a turn.
	debounceDelay = 100 * time.Millisecond

	reconcileInterval = 5 * time.Second
	defaultRetention  = 24 * time.Hour

	// tailCap bounds the cached message tail per conversation.
	tailCap = 200

	subscriberBuffer = 64
)

// EventType enumerates watcher events. Values double as the broadcast
// frame types on the wire.
type EventType string

const (
	EventStatusChange       EventType = "status_change"
	EventConversationUpdate EventType = "conversation_update"
	EventErrorDetected      EventType = "error_detected"
	EventSessionCompleted   EventType = "session_completed"
	EventCompaction         EventType = "compaction"
	EventOtherActivity      EventType = "other_session_activity"
)

// Event is one watcher observation. Messages holds the newly parsed
// tail for update events; LastMessage accompanies status changes.
type Event struct {
	Type        EventType       `json:"type"`
	SessionID   string          `json:"sessionId"`
	Status      convo.Status    `json:"status,omitempty"`
	Messages    []convo.Message `json:"messages,omitempty"`
	LastMessage *convo.Message  `json:"lastMessage,omitempty"`
}

// EncodeID turns an absolute project path into the conversation id the
// CLI uses for its log directory: "/" and "_" become "-".
func EncodeID(projectPath string) string {
	return strings.NewReplacer("/", "-", "_", "-").Replace(projectPath)
}

// conversation is the internal record. All fields are guarded by the
// watcher mutex.
type conversation struct {
	id           string
	name         string
	projectPath  string // filled in by reconcile, from the matching tmux session
	files        []string
	offsets      map[string]int64
	nextIndex    map[string]int
	tail         []convo.Message
	status       convo.Status
	lastActivity time.Time
	active       bool
	autoApprove  bool
}

// Summary is the external snapshot of one conversation.
type Summary struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ProjectPath  string       `json:"projectPath,omitempty"`
	Status       convo.Status `json:"status"`
	LastActivity time.Time    `json:"lastActivity"`
	Active       bool         `json:"active"`
}

// ServerSummary is the dashboard snapshot.
type ServerSummary struct {
	Sessions      []Summary `json:"sessions"`
	TotalSessions int       `json:"totalSessions"`
	WaitingCount  int       `json:"waitingCount"`
	WorkingCount  int       `json:"workingCount"`
}

// Watcher owns the conversation map.
type Watcher struct {
	root      string // codeHome/projects
	ctrl      *tmux.Controller
	retention time.Duration
	log       *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation
	activeSession string

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New returns a Watcher rooted at codeHome (the CLI's home directory;
// logs live under its projects/ subtree).
func New(codeHome string, ctrl *tmux.Controller) *Watcher {
	return &Watcher{
		root:          filepath.Join(codeHome, "projects"),
		ctrl:          ctrl,
		retention:     defaultRetention,
		log:           slog.Default().With("component", "watcher"),
		conversations: make(map[string]*conversation),
		subs:          make(map[int]chan Event),
		timers:        make(map[string]*time.Timer),
	}
}

// Subscribe registers an event consumer. The returned cancel func must
// be called to release the channel. Events are dropped, not blocked on,
// when a subscriber falls behind.
func (w *Watcher) Subscribe() (<-chan Event, func()) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan Event, subscriberBuffer)
	w.subs[id] = ch
	return ch, func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if ch, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(ch)
		}
	}
}

func (w *Watcher) emit(ev Event) {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is stalled; drop rather than block the watcher.
		}
	}
}

// Start scans the existing log tree and then runs the watch and
// reconcile loops until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create projects root: %w", err)
	}
	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}
	w.initialScan()
	w.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	w.log.Info("watching conversation logs", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fs watch error", "error", err)
		case <-ticker.C:
			w.reconcile(ctx)
			w.cleanup()
		}
	}
}

// addTree registers dir and every subdirectory with the fs watcher.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				w.log.Warn("watch dir", "dir", path, "error", err)
			}
		}
		return nil
	})
}

// initialScan ingests pre-existing log files without emitting events.
func (w *Watcher) initialScan() {
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		w.ingest(path, false)
		return nil
	})
	w.mu.RLock()
	n := len(w.conversations)
	w.mu.RUnlock()
	w.log.Info("initial scan complete", "conversations", n)
}

func (w *Watcher) handleFSEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(fsw, ev.Name)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	w.debounce(ev.Name)
}

// debounce schedules (or reschedules) ingestion of path after a quiet
// period, collapsing the CLI's write bursts into one parse.
func (w *Watcher) debounce(path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.timerMu.Lock()
		delete(w.timers, path)
		w.timerMu.Unlock()
		w.ingest(path, true)
	})
}

func (w *Watcher) cancelTimers() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// conversationID maps a log file path to its conversation: the first
// directory under the projects root, which the CLI names with the
// encoded project path. Sub-agent logs in a subagents/ subdirectory
// belong to the same conversation.
func (w *Watcher) conversationID(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", false
	}
	return parts[0], true
}

// ingest tail-parses path from its last known offset and, when emit is
// set, publishes the resulting events.
func (w *Watcher) ingest(path string, emit bool) {
	id, ok := w.conversationID(path)
	if !ok {
		return
	}

	w.mu.Lock()
	c, ok := w.conversations[id]
	if !ok {
		c = &conversation{
			id:        id,
			name:      displayName(id),
			offsets:   make(map[string]int64),
			nextIndex: make(map[string]int),
			status:    convo.StatusIdle,
		}
		w.conversations[id] = c
		metrics.WatchedConversations.Inc()
		w.log.Debug("conversation discovered", "id", id)
	}
	if !contains(c.files, path) {
		c.files = append(c.files, path)
	}

	res, err := convo.ParseFile(path, c.offsets[path], c.nextIndex[path])
	if err != nil {
		w.mu.Unlock()
		w.log.Warn("parse conversation tail", "id", id, "path", path, "error", err)
		return
	}
	c.offsets[path] = res.NewOffset
	c.nextIndex[path] += len(res.Messages)
	if len(res.Messages) == 0 {
		w.mu.Unlock()
		return
	}

	c.tail = append(c.tail, res.Messages...)
	if len(c.tail) > tailCap {
		c.tail = c.tail[len(c.tail)-tailCap:]
	}
	c.lastActivity = time.Now()

	prev := c.status
	c.status = convo.DeriveStatus(c.tail)
	status := c.status
	last := c.tail[len(c.tail)-1]
	fresh := res.Messages
	w.mu.Unlock()

	if !emit {
		return
	}

	if status != prev {
		w.emit(Event{Type: EventStatusChange, SessionID: id, Status: status, LastMessage: &last})
	}
	w.emit(Event{Type: EventConversationUpdate, SessionID: id, Status: status, Messages: fresh})
	w.emit(Event{Type: EventOtherActivity, SessionID: id, Status: status})

	for i := range fresh {
		m := &fresh[i]
		switch {
		case convo.IsErrorMarker(m):
			w.emit(Event{Type: EventErrorDetected, SessionID: id, Status: status, LastMessage: m})
		case convo.IsCompletionMarker(m):
			w.emit(Event{Type: EventSessionCompleted, SessionID: id, Status: status, LastMessage: m})
		case convo.IsCompactionMarker(m):
			w.emit(Event{Type: EventCompaction, SessionID: id, Status: status})
		}
	}
}

// reconcile matches conversations against live tagged tmux sessions.
// A conversation is active iff some tagged session's working directory
// encodes to its id.
func (w *Watcher) reconcile(ctx context.Context) {
	if w.ctrl == nil {
		return
	}
	sessions, err := w.ctrl.ListSessions(ctx)
	if err != nil {
		w.log.Warn("reconcile list sessions", "error", err)
		return
	}

	byID := make(map[string]tmux.Session)
	for _, s := range sessions {
		if s.Tagged {
			byID[EncodeID(s.WorkingDir)] = s
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for id, c := range w.conversations {
		s, live := byID[id]
		c.active = live
		if live {
			c.projectPath = s.WorkingDir
			c.name = filepath.Base(s.WorkingDir)
		}
	}
}

// cleanup drops conversations that are inactive past the retention
// window.
func (w *Watcher) cleanup() {
	cutoff := time.Now().Add(-w.retention)
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, c := range w.conversations {
		if !c.active && !c.lastActivity.IsZero() && c.lastActivity.Before(cutoff) {
			delete(w.conversations, id)
			metrics.WatchedConversations.Dec()
			if w.activeSession == id {
				w.activeSession = ""
			}
			w.log.Info("conversation expired", "id", id)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// displayName reverses just enough of the id encoding for a label.
func displayName(id string) string {
	parts := strings.Split(strings.Trim(id, "-"), "-")
	if len(parts) == 0 {
		return id
	}
	return parts[len(parts)-1]
}
