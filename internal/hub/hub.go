// Package hub is the WebSocket routing layer: it accepts clients on
// one or more listeners, authenticates them against per-listener
// tokens, serves the request/response verbs and fans watcher and
// work-group events out to session-scoped subscribers.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/convo"
	"github.com/companionhq/companion/internal/escalate"
	"github.com/companionhq/companion/internal/files"
	"github.com/companionhq/companion/internal/gitx"
	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/notify"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/watcher"
	"github.com/companionhq/companion/internal/workgroup"
)

// Hub holds per-client records and shared read references to the other
// components. The client map lock guards add/remove only; per-client
// state is touched from the client's own read loop.
type Hub struct {
	cfg     *config.Config
	watch   *watcher.Watcher
	ctrl    *tmux.Controller
	inj     *tmux.Injector
	git     *gitx.Git
	groups  *workgroup.Manager
	fileSvc *files.Service
	store   *notify.Store
	sender  *notify.Sender
	esc     *escalate.Engine
	log     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	// sessionDirs remembers each tmux session's working directory so
	// recreate_tmux_session can restore a killed session.
	dirMu       sync.Mutex
	sessionDirs map[string]string
}

// New wires the hub to its collaborators. The hub subscribes to the
// watcher and work-group streams in Run; the watcher never names the
// hub.
func New(cfg *config.Config, watch *watcher.Watcher, ctrl *tmux.Controller, inj *tmux.Injector,
	git *gitx.Git, groups *workgroup.Manager, fileSvc *files.Service,
	store *notify.Store, sender *notify.Sender, esc *escalate.Engine) *Hub {
	return &Hub{
		cfg:         cfg,
		watch:       watch,
		ctrl:        ctrl,
		inj:         inj,
		git:         git,
		groups:      groups,
		fileSvc:     fileSvc,
		store:       store,
		sender:      sender,
		esc:         esc,
		log:         slog.Default().With("component", "hub"),
		clients:     make(map[string]*Client),
		sessionDirs: make(map[string]string),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.WSConnectionsActive.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		metrics.WSConnectionsActive.Dec()
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// broadcastFiltered fans a session-scoped broadcast out to subscribers
// whose filter matches (or, with invert, does not match) the session.
func (h *Hub) broadcastFiltered(out Outbound, invert bool) {
	for _, c := range h.snapshotClients() {
		if c.wantsBroadcast(out.SessionID, invert) {
			c.enqueue(out)
			metrics.WSFramesTotal.WithLabelValues("out", out.Type).Inc()
		}
	}
}

// broadcastGlobal delivers a non-session broadcast to every
// authenticated client.
func (h *Hub) broadcastGlobal(out Outbound) {
	for _, c := range h.snapshotClients() {
		if c.Authenticated() {
			c.enqueue(out)
			metrics.WSFramesTotal.WithLabelValues("out", out.Type).Inc()
		}
	}
}

// Run pumps watcher and work-group events to clients and through the
// escalation engine until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	watchEvents, cancelWatch := h.watch.Subscribe()
	defer cancelWatch()
	groupEvents, cancelGroups := h.groups.Subscribe()
	defer cancelGroups()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watchEvents:
			if !ok {
				return
			}
			h.handleWatchEvent(ev)
		case up, ok := <-groupEvents:
			if !ok {
				return
			}
			h.handleGroupUpdate(up)
		}
	}
}

func (h *Hub) handleWatchEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventConversationUpdate:
		h.broadcastFiltered(broadcast("conversation_update", ev.SessionID, map[string]any{
			"messages": ev.Messages,
			"status":   ev.Status,
		}), false)

	case watcher.EventOtherActivity:
		h.broadcastFiltered(broadcast("other_session_activity", ev.SessionID, map[string]any{
			"status": ev.Status,
		}), true)

	case watcher.EventStatusChange:
		h.broadcastFiltered(broadcast("status_change", ev.SessionID, map[string]any{
			"status":      ev.Status,
			"lastMessage": ev.LastMessage,
		}), false)
		if ev.Status == convo.StatusWaiting {
			h.esc.Process(escalate.Event{
				EventType:   notify.EventWaitingForInput,
				SessionID:   ev.SessionID,
				SessionName: h.sessionName(ev.SessionID),
				Content:     lastText(ev),
			})
		}

	case watcher.EventCompaction:
		h.broadcastFiltered(broadcast("compaction", ev.SessionID, nil), false)

	case watcher.EventErrorDetected:
		res := h.esc.Process(escalate.Event{
			EventType:   notify.EventErrorDetected,
			SessionID:   ev.SessionID,
			SessionName: h.sessionName(ev.SessionID),
			Content:     lastText(ev),
		})
		if res.ShouldBroadcast {
			h.broadcastFiltered(broadcast("error_detected", ev.SessionID, map[string]any{
				"lastMessage": ev.LastMessage,
			}), false)
		}

	case watcher.EventSessionCompleted:
		res := h.esc.Process(escalate.Event{
			EventType:   notify.EventSessionCompleted,
			SessionID:   ev.SessionID,
			SessionName: h.sessionName(ev.SessionID),
			Content:     lastText(ev),
		})
		if res.ShouldBroadcast {
			h.broadcastFiltered(broadcast("session_completed", ev.SessionID, nil), false)
		}
	}
}

func (h *Hub) handleGroupUpdate(up workgroup.Update) {
	h.broadcastGlobal(broadcast("work_group_update", up.Group.ID, up.Group))

	if up.Event == "" {
		return
	}
	content := ""
	for _, w := range up.Group.Workers {
		if w.ID == up.WorkerID {
			content = w.Task
			if w.LastQuestion != nil {
				content = w.LastQuestion.Text
			}
			if w.Error != "" {
				content = w.Error
			}
		}
	}
	h.esc.Process(escalate.Event{
		EventType:   up.Event,
		SessionID:   up.Group.ID,
		SessionName: up.Group.Name,
		Content:     content,
	})
}

func lastText(ev watcher.Event) string {
	if ev.LastMessage == nil {
		return ""
	}
	if ev.LastMessage.Text != "" {
		return ev.LastMessage.Text
	}
	return ev.LastMessage.Type
}

func (h *Hub) sessionName(sessionID string) string {
	for _, s := range h.watch.Summaries() {
		if s.ID == sessionID {
			return s.Name
		}
	}
	return sessionID
}

// CloseClients drops every client record; the final step of graceful
// shutdown after listeners stopped accepting.
func (h *Hub) CloseClients() {
	for _, c := range h.snapshotClients() {
		h.unregister(c)
	}
}

func (h *Hub) rememberSessionDir(name, dir string) {
	h.dirMu.Lock()
	defer h.dirMu.Unlock()
	h.sessionDirs[name] = dir
}

func (h *Hub) sessionDir(name string) (string, bool) {
	h.dirMu.Lock()
	defer h.dirMu.Unlock()
	dir, ok := h.sessionDirs[name]
	return dir, ok
}
