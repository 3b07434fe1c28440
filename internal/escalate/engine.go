// Package escalate implements two-tier acknowledgeable delivery: an
// event is broadcast to connected clients immediately and escalated to
// a mobile push only if nobody acknowledges the session before the
// push delay elapses. Acks always win races with the deadline.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/notify"
)

// Event is one escalatable observation from the watcher or the
// work-group manager.
type Event struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Result tells the hub whether to broadcast the event now.
type Result struct {
	ShouldBroadcast bool
}

type pendingKey struct {
	sessionID string
	eventType string
}

type pendingEvent struct {
	event     Event
	firstSeen time.Time
	deadline  time.Time
	historyID string
	timer     *time.Timer
}

// PendingEvent is the external snapshot of one un-acked event.
type PendingEvent struct {
	Event     Event     `json:"event"`
	FirstSeen time.Time `json:"firstSeen"`
	Deadline  time.Time `json:"deadline"`
}

// Engine owns the pending-event table. At most one entry exists per
// (session, event type) at any instant.
type Engine struct {
	store  *notify.Store
	sender *notify.Sender
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[pendingKey]*pendingEvent
	lastPush map[string]time.Time
}

// New returns an Engine over the given store and push sender.
func New(store *notify.Store, sender *notify.Sender) *Engine {
	return &Engine{
		store:    store,
		sender:   sender,
		log:      slog.Default().With("component", "escalate"),
		now:      time.Now,
		pending:  make(map[pendingKey]*pendingEvent),
		lastPush: make(map[string]time.Time),
	}
}

// Process runs one event through the escalation policy. A true result
// means the hub should broadcast it now; false means it was dropped
// (disabled, muted) or superseded an existing pending event.
func (e *Engine) Process(ev Event) Result {
	cfg := e.store.Escalation()
	if !cfg.Events[ev.EventType] {
		return Result{}
	}
	if e.store.IsMuted(ev.SessionID) {
		return Result{}
	}

	delay := time.Duration(cfg.PushDelaySeconds) * time.Second
	key := pendingKey{sessionID: ev.SessionID, eventType: ev.EventType}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pending[key]; ok {
		// Supersession: refresh content, push the deadline out, no
		// re-broadcast.
		p.event = ev
		p.deadline = e.now().Add(delay)
		p.timer.Reset(delay)
		return Result{}
	}

	entry := e.store.AddHistory(notify.HistoryEntry{
		EventType:   ev.EventType,
		SessionID:   ev.SessionID,
		SessionName: ev.SessionName,
		Preview:     notify.TruncatePreview(ev.Content),
		Tier:        notify.TierBrowser,
	})
	p := &pendingEvent{
		event:     ev,
		firstSeen: e.now(),
		deadline:  e.now().Add(delay),
		historyID: entry.ID,
	}
	p.timer = time.AfterFunc(delay, func() { e.dispatch(key) })
	e.pending[key] = p
	metrics.PendingEscalations.Inc()
	return Result{ShouldBroadcast: true}
}

// AcknowledgeSession removes every pending event for a session and
// cancels their scheduled pushes. O(number of event types).
func (e *Engine) AcknowledgeSession(sessionID string) {
	e.mu.Lock()
	for key, p := range e.pending {
		if key.sessionID == sessionID {
			p.timer.Stop()
			delete(e.pending, key)
			metrics.PendingEscalations.Dec()
		}
	}
	e.mu.Unlock()
	e.store.AcknowledgeHistory(sessionID)
}

// Pending returns snapshots of all un-acked events.
func (e *Engine) Pending() []PendingEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingEvent, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, PendingEvent{Event: p.event, FirstSeen: p.firstSeen, Deadline: p.deadline})
	}
	return out
}

// dispatch fires when a pending event's deadline is reached. The table
// check is atomic with removal, so an ack that landed first makes this
// a no-op.
func (e *Engine) dispatch(key pendingKey) {
	e.mu.Lock()
	p, ok := e.pending[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	metrics.PendingEscalations.Dec()

	cfg := e.store.Escalation()
	now := e.now()

	if last, ok := e.lastPush[key.sessionID]; ok {
		if now.Sub(last) < time.Duration(cfg.RateLimitSeconds)*time.Second {
			e.mu.Unlock()
			e.log.Debug("push rate-limited", "session", key.sessionID, "event", key.eventType)
			return
		}
	}
	if inQuietWindow(cfg.QuietHours, now) {
		e.mu.Unlock()
		e.log.Debug("push suppressed by quiet hours", "session", key.sessionID)
		return
	}
	e.lastPush[key.sessionID] = now
	ev := p.event
	historyID := p.historyID
	e.mu.Unlock()

	title := ev.SessionName
	if title == "" {
		title = ev.SessionID
	}
	e.sender.SendToAllDevices(context.Background(), notify.Payload{
		Title: title,
		Body:  ev.Content,
		Data: map[string]string{
			"sessionId": ev.SessionID,
			"eventType": ev.EventType,
		},
	})
	e.store.UpgradeHistoryTier(historyID, notify.TierBoth)
	e.log.Info("push escalated", "session", key.sessionID, "event", key.eventType)
}

// inQuietWindow reports whether t falls inside the quiet-hours window.
// The window may wrap past midnight; start == end means always active.
func inQuietWindow(q notify.QuietHours, t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, okS := parseHHMM(q.Start)
	end, okE := parseHHMM(q.End)
	if !okS || !okE {
		return false
	}
	if start == end {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || n != 2 {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
