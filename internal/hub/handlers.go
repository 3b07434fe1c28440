package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/companionhq/companion/internal/files"
	"github.com/companionhq/companion/internal/id"
	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/notify"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/validate"
	"github.com/companionhq/companion/internal/watcher"
	"github.com/companionhq/companion/internal/workgroup"
)

// defaultStartCli launches the coding CLI inside panes the hub creates.
const defaultStartCli = "claude"

var (
	errNoActiveSession = errors.New("no session id given and no active session")
	errInvalidPayload  = errors.New("invalid payload")
)

// handleFrame routes one inbound frame and returns the response to
// queue. Per-frame errors go in the response; they never disconnect.
func (h *Hub) handleFrame(ctx context.Context, c *Client, f Frame) Outbound {
	metrics.WSFramesTotal.WithLabelValues("in", f.Type).Inc()

	if f.Type == "authenticate" {
		return h.handleAuthenticate(c, f)
	}
	if !c.Authenticated() {
		return Outbound{Type: "error", RequestID: f.RequestID, Success: false, Error: "Not authenticated"}
	}

	switch f.Type {
	case "subscribe":
		return h.handleSubscribe(c, f)
	case "unsubscribe":
		c.setSubscription(false, "")
		return response(f, nil)

	case "get_highlights":
		return h.handleGetHighlights(f)
	case "get_full":
		return h.handleGetFull(f)
	case "get_status":
		return h.handleGetStatus(f)
	case "get_sessions":
		return response(f, map[string]any{"sessions": h.watch.Summaries()})
	case "get_server_summary":
		sessions, err := h.ctrl.ListSessions(ctx)
		if err != nil {
			return errResponse(f, err)
		}
		return response(f, h.watch.GetServerSummary(sessions))
	case "get_tasks":
		return h.handleGetTasks(f)

	case "switch_session":
		return h.handleSwitchSession(f)
	case "send_input":
		return h.handleSendInput(ctx, f)
	case "send_image":
		return h.handleSendImage(ctx, f)
	case "upload_image":
		return h.handleUploadImage(f)
	case "send_with_images":
		return h.handleSendWithImages(ctx, f)

	case "list_tmux_sessions":
		return h.handleListTmuxSessions(ctx, f)
	case "create_tmux_session":
		return h.handleCreateTmuxSession(ctx, f)
	case "kill_tmux_session":
		return h.handleKillTmuxSession(ctx, f)
	case "switch_tmux_session":
		return h.handleSwitchTmuxSession(ctx, f)
	case "recreate_tmux_session":
		return h.handleRecreateTmuxSession(ctx, f)
	case "create_worktree_session":
		return h.handleCreateWorktreeSession(ctx, f)
	case "list_worktrees":
		return h.handleListWorktrees(ctx, f)
	case "get_terminal_output":
		return h.handleGetTerminalOutput(ctx, f)
	case "send_terminal_keys":
		return h.handleSendTerminalKeys(ctx, f)

	case "browse_directories":
		return h.handleBrowseDirectories(f)
	case "read_file":
		return h.handleReadFile(f)
	case "open_in_editor":
		return h.handleOpenInEditor(ctx, f)
	case "download_file":
		return h.handleDownloadFile(f)

	case "register_push":
		return h.handleRegisterPush(f)
	case "unregister_push":
		return h.handleUnregisterPush(f)
	case "get_escalation_config":
		return response(f, h.store.Escalation())
	case "update_escalation_config":
		return h.handleUpdateEscalationConfig(f)
	case "get_pending_events":
		return response(f, map[string]any{"events": h.esc.Pending()})
	case "get_devices":
		return response(f, map[string]any{"devices": h.store.Devices()})
	case "remove_device":
		return h.handleUnregisterPush(f)
	case "set_session_muted":
		return h.handleSetSessionMuted(f)
	case "get_muted_sessions":
		return response(f, map[string]any{"sessionIds": h.store.MutedSessions()})
	case "get_notification_history":
		return h.handleGetNotificationHistory(f)
	case "clear_notification_history":
		h.store.ClearHistory()
		return response(f, nil)
	case "send_test_notification":
		outcomes := h.sender.SendToAllDevices(ctx, notify.Payload{
			Title: "Companion",
			Body:  "Test notification",
			Data:  map[string]string{"eventType": "test"},
		})
		return response(f, map[string]any{"outcomes": outcomes})

	case "spawn_work_group":
		return h.handleSpawnWorkGroup(ctx, f)
	case "get_work_groups":
		return response(f, map[string]any{"groups": h.groups.Groups()})
	case "get_work_group":
		return h.handleGetWorkGroup(f)
	case "merge_work_group":
		return h.handleMergeWorkGroup(ctx, f)
	case "cancel_work_group":
		return h.handleCancelWorkGroup(ctx, f)
	case "retry_worker":
		return h.handleRetryWorker(ctx, f)
	case "send_worker_input":
		return h.handleSendWorkerInput(ctx, f)
	case "dismiss_work_group":
		return h.handleDismissWorkGroup(f)
	case "list_orphaned_worktrees":
		return h.handleListOrphanedWorktrees(ctx, f)

	case "ping":
		return response(f, map[string]any{"pong": true, "time": time.Now().Format(time.RFC3339)})
	case "rotate_token":
		return h.handleRotateToken(c, f)
	case "get_tool_config":
		return response(f, map[string]any{"autoApproveTools": h.cfg.AutoApproveTools})
	case "get_usage":
		return h.handleGetUsage(f)
	case "set_auto_approve":
		return h.handleSetAutoApprove(f)

	default:
		return errResponse(f, fmt.Errorf("Unknown message type: %s", f.Type))
	}
}

func (h *Hub) handleAuthenticate(c *Client, f Frame) Outbound {
	var p struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodePayload(f, &p); err != nil {
		return Outbound{Type: "authenticated", RequestID: f.RequestID, Success: false, Error: errInvalidPayload.Error()}
	}

	lst := h.cfg.ListenerForPort(c.ListenerPort)
	if lst == nil || lst.Token == "" || f.Token != lst.Token {
		c.setAuthenticated(false, "")
		return Outbound{Type: "authenticated", RequestID: f.RequestID, Success: false, Error: "Invalid token"}
	}

	c.setAuthenticated(true, p.DeviceID)
	if p.DeviceID != "" {
		h.store.UpdateDeviceLastSeen(p.DeviceID)
	}
	return Outbound{Type: "authenticated", RequestID: f.RequestID, Success: true}
}

func (h *Hub) handleSubscribe(c *Client, f Frame) Outbound {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	c.setSubscription(true, p.SessionID)
	return response(f, map[string]any{"sessionId": p.SessionID})
}

// resolveSession returns the explicit session id or falls back to the
// process-wide active session, the deprecated legacy behavior.
func (h *Hub) resolveSession(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if active := h.watch.ActiveSession(); active != "" {
		return active, nil
	}
	return "", errNoActiveSession
}

type sessionPayload struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (h *Hub) handleGetHighlights(f Frame) Outbound {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	res, err := h.watch.Highlights(sid, p.Limit, p.Offset)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, res)
}

func (h *Hub) handleGetFull(f Frame) Outbound {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	msgs, err := h.watch.Full(sid)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"messages": msgs})
}

func (h *Hub) handleGetStatus(f Frame) Outbound {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	status, err := h.watch.Status(sid)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"status": status})
}

func (h *Hub) handleGetTasks(f Frame) Outbound {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	tasks, err := h.watch.Tasks(sid)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"tasks": tasks})
}

func (h *Hub) handleGetUsage(f Frame) Outbound {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	usage, err := h.watch.Usage(sid)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, usage)
}

func (h *Hub) handleSetAutoApprove(f Frame) Outbound {
	var p struct {
		Enabled   bool   `json:"enabled"`
		SessionID string `json:"sessionId"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.watch.SetAutoApprove(p.SessionID, p.Enabled); err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"enabled": p.Enabled})
}

func (h *Hub) handleSwitchSession(f Frame) Outbound {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionID == "" {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.watch.SetActiveSession(p.SessionID); err != nil {
		return errResponse(f, err)
	}
	h.esc.AcknowledgeSession(p.SessionID)
	return response(f, map[string]any{"sessionId": p.SessionID})
}

// paneForSession maps a conversation id to the tmux session whose
// working directory encodes to it; tagged sessions win. Falls back to
// the configured legacy pane.
func (h *Hub) paneForSession(ctx context.Context, sessionID string) (string, error) {
	sessions, err := h.ctrl.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.Tagged && watcher.EncodeID(s.WorkingDir) == sessionID {
			return s.Name, nil
		}
	}
	for _, s := range sessions {
		if watcher.EncodeID(s.WorkingDir) == sessionID {
			return s.Name, nil
		}
	}
	if h.cfg.TmuxSession != "" {
		return h.cfg.TmuxSession, nil
	}
	return "", fmt.Errorf("%w: no tmux session for conversation %s", tmux.ErrSessionNotFound, sessionID)
}

func (h *Hub) handleSendInput(ctx context.Context, f Frame) Outbound {
	var p struct {
		Input     string `json:"input"`
		SessionID string `json:"sessionId"`
	}
	if err := decodePayload(f, &p); err != nil || p.Input == "" {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	pane, err := h.paneForSession(ctx, sid)
	if err != nil {
		return errResponse(f, err)
	}
	if err := h.inj.SendInput(ctx, p.Input, pane); err != nil {
		return errResponse(f, err)
	}
	h.esc.AcknowledgeSession(sid)
	return response(f, nil)
}

type imagePayload struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

func (h *Hub) handleUploadImage(f Frame) Outbound {
	var p imagePayload
	if err := decodePayload(f, &p); err != nil || p.Base64 == "" {
		return errResponse(f, errInvalidPayload)
	}
	path, err := files.SaveUpload(p.Base64, p.MimeType)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"path": path})
}

func (h *Hub) handleSendImage(ctx context.Context, f Frame) Outbound {
	var p imagePayload
	if err := decodePayload(f, &p); err != nil || p.Base64 == "" {
		return errResponse(f, errInvalidPayload)
	}
	path, err := files.SaveUpload(p.Base64, p.MimeType)
	if err != nil {
		return errResponse(f, err)
	}
	sid, err := h.resolveSession("")
	if err != nil {
		return errResponse(f, err)
	}
	pane, err := h.paneForSession(ctx, sid)
	if err != nil {
		return errResponse(f, err)
	}
	if err := h.inj.SendInput(ctx, path, pane); err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"path": path})
}

func (h *Hub) handleSendWithImages(ctx context.Context, f Frame) Outbound {
	var p struct {
		ImagePaths []string `json:"imagePaths"`
		Message    string   `json:"message"`
		SessionID  string   `json:"sessionId"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	sid, err := h.resolveSession(p.SessionID)
	if err != nil {
		return errResponse(f, err)
	}
	pane, err := h.paneForSession(ctx, sid)
	if err != nil {
		return errResponse(f, err)
	}
	text := p.Message
	if len(p.ImagePaths) > 0 {
		text = strings.Join(p.ImagePaths, " ") + "\n" + text
	}
	if err := h.inj.SendInput(ctx, text, pane); err != nil {
		return errResponse(f, err)
	}
	h.esc.AcknowledgeSession(sid)
	return response(f, nil)
}

func (h *Hub) handleListTmuxSessions(ctx context.Context, f Frame) Outbound {
	sessions, err := h.ctrl.ListSessions(ctx)
	if err != nil {
		return errResponse(f, err)
	}
	for _, s := range sessions {
		h.rememberSessionDir(s.Name, s.WorkingDir)
	}
	return response(f, map[string]any{"sessions": sessions})
}

func (h *Hub) handleCreateTmuxSession(ctx context.Context, f Frame) Outbound {
	var p struct {
		Name       string `json:"name"`
		WorkingDir string `json:"workingDir"`
		StartCli   string `json:"startCli"`
	}
	if err := decodePayload(f, &p); err != nil || p.WorkingDir == "" {
		return errResponse(f, errInvalidPayload)
	}
	home, _ := os.UserHomeDir()
	dir := validate.SanitizePath(p.WorkingDir, home)
	if dir == "" {
		return errResponse(f, fmt.Errorf("invalid working directory: %s", p.WorkingDir))
	}
	name := p.Name
	if name == "" {
		name = tmux.GenerateSessionName(dir)
	}
	startCli := p.StartCli
	if startCli == "" {
		startCli = defaultStartCli
	}
	if err := h.ctrl.CreateSession(ctx, name, dir, startCli); err != nil {
		return errResponse(f, err)
	}
	h.rememberSessionDir(name, dir)
	h.broadcastGlobal(broadcast("tmux_sessions_changed", "", nil))
	return response(f, map[string]any{"name": name, "workingDir": dir})
}

func (h *Hub) handleKillTmuxSession(ctx context.Context, f Frame) Outbound {
	var p struct {
		SessionName string `json:"sessionName"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionName == "" {
		return errResponse(f, errInvalidPayload)
	}

	// A worktree session's directory goes with it so the worktree list
	// stays in sync with live panes.
	var wt *tmux.Session
	if sessions, err := h.ctrl.ListSessions(ctx); err == nil {
		for i := range sessions {
			if sessions[i].Name == p.SessionName && sessions[i].IsWorktree {
				wt = &sessions[i]
				break
			}
		}
	}

	if err := h.ctrl.KillSession(ctx, p.SessionName); err != nil {
		return errResponse(f, err)
	}
	if wt != nil && wt.MainRepoDir != "" {
		if err := h.git.RemoveWorktree(ctx, wt.MainRepoDir, wt.WorkingDir); err != nil {
			h.log.Warn("remove worktree after kill", "path", wt.WorkingDir, "error", err)
		}
	}
	h.broadcastGlobal(broadcast("tmux_sessions_changed", "", nil))
	return response(f, nil)
}

func (h *Hub) handleSwitchTmuxSession(ctx context.Context, f Frame) Outbound {
	var p struct {
		SessionName string `json:"sessionName"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionName == "" {
		return errResponse(f, errInvalidPayload)
	}
	if !h.ctrl.SessionExists(ctx, p.SessionName) {
		return errResponse(f, fmt.Errorf("%w: %s", tmux.ErrSessionNotFound, p.SessionName))
	}
	h.cfg.TmuxSession = p.SessionName
	if err := h.cfg.Save(); err != nil {
		return errResponse(f, err)
	}
	if dir, ok := h.sessionDir(p.SessionName); ok {
		if sid, found := h.watch.FindByProjectPath(dir); found {
			_ = h.watch.SetActiveSession(sid)
		}
	}
	return response(f, map[string]any{"sessionName": p.SessionName})
}

func (h *Hub) handleRecreateTmuxSession(ctx context.Context, f Frame) Outbound {
	var p struct {
		SessionName string `json:"sessionName"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	name := p.SessionName
	if name == "" {
		name = h.cfg.TmuxSession
	}
	if name == "" {
		return errResponse(f, errInvalidPayload)
	}
	if h.ctrl.SessionExists(ctx, name) {
		return response(f, map[string]any{"name": name, "created": false})
	}
	dir, ok := h.sessionDir(name)
	if !ok {
		dir, _ = os.UserHomeDir()
	}
	if err := h.ctrl.CreateSession(ctx, name, dir, defaultStartCli); err != nil {
		return errResponse(f, err)
	}
	h.broadcastGlobal(broadcast("tmux_sessions_changed", "", nil))
	return response(f, map[string]any{"name": name, "created": true})
}

func (h *Hub) handleCreateWorktreeSession(ctx context.Context, f Frame) Outbound {
	var p struct {
		ParentDir string `json:"parentDir"`
		Branch    string `json:"branch"`
		StartCli  string `json:"startCli"`
	}
	if err := decodePayload(f, &p); err != nil || p.ParentDir == "" {
		return errResponse(f, errInvalidPayload)
	}
	home, _ := os.UserHomeDir()
	parent := validate.SanitizePath(p.ParentDir, home)
	if parent == "" {
		return errResponse(f, fmt.Errorf("invalid parent directory: %s", p.ParentDir))
	}
	branch := p.Branch
	if branch == "" {
		branch = "wt-" + id.Short()
	}
	path, err := h.git.CreateWorktree(ctx, parent, branch)
	if err != nil {
		return errResponse(f, err)
	}
	startCli := p.StartCli
	if startCli == "" {
		startCli = defaultStartCli
	}
	name := tmux.GenerateSessionName(path)
	if err := h.ctrl.CreateSession(ctx, name, path, startCli); err != nil {
		return errResponse(f, err)
	}
	h.rememberSessionDir(name, path)
	h.broadcastGlobal(broadcast("tmux_sessions_changed", "", nil))
	return response(f, map[string]any{"path": path, "branch": branch, "sessionName": name})
}

func (h *Hub) handleListWorktrees(ctx context.Context, f Frame) Outbound {
	var p struct {
		Dir string `json:"dir"`
	}
	if err := decodePayload(f, &p); err != nil || p.Dir == "" {
		return errResponse(f, errInvalidPayload)
	}
	home, _ := os.UserHomeDir()
	dir := validate.SanitizePath(p.Dir, home)
	if dir == "" {
		return errResponse(f, fmt.Errorf("invalid directory: %s", p.Dir))
	}
	worktrees, err := h.git.ListWorktrees(ctx, dir)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"worktrees": worktrees})
}

func (h *Hub) handleGetTerminalOutput(ctx context.Context, f Frame) Outbound {
	var p struct {
		SessionName string `json:"sessionName"`
		Lines       int    `json:"lines"`
		Offset      int    `json:"offset"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionName == "" {
		return errResponse(f, errInvalidPayload)
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	out, err := h.ctrl.CapturePane(ctx, p.SessionName, p.Lines, p.Offset)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"output": out})
}

func (h *Hub) handleSendTerminalKeys(ctx context.Context, f Frame) Outbound {
	var p struct {
		SessionName string   `json:"sessionName"`
		Keys        []string `json:"keys"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionName == "" || len(p.Keys) == 0 {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.ctrl.SendRawKeys(ctx, p.SessionName, p.Keys); err != nil {
		return errResponse(f, err)
	}
	return response(f, nil)
}

func (h *Hub) handleBrowseDirectories(f Frame) Outbound {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	if p.Path == "" {
		p.Path = "~"
	}
	resolved, entries, err := h.fileSvc.Browse(p.Path)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"path": resolved, "entries": entries})
}

func (h *Hub) handleReadFile(f Frame) Outbound {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodePayload(f, &p); err != nil || p.Path == "" {
		return errResponse(f, errInvalidPayload)
	}
	content, err := h.fileSvc.Read(p.Path)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"content": content})
}

func (h *Hub) handleOpenInEditor(ctx context.Context, f Frame) Outbound {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodePayload(f, &p); err != nil || p.Path == "" {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.fileSvc.OpenInEditor(ctx, p.Path); err != nil {
		return errResponse(f, err)
	}
	return response(f, nil)
}

func (h *Hub) handleDownloadFile(f Frame) Outbound {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodePayload(f, &p); err != nil || p.Path == "" {
		return errResponse(f, errInvalidPayload)
	}
	name, data, mimeType, err := h.fileSvc.Download(p.Path)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"name": name, "data": data, "mimeType": mimeType})
}

func (h *Hub) handleRegisterPush(f Frame) Outbound {
	var p struct {
		FcmToken  string `json:"fcmToken"`
		DeviceID  string `json:"deviceId"`
		TokenType string `json:"tokenType"`
	}
	if err := decodePayload(f, &p); err != nil || p.FcmToken == "" || p.DeviceID == "" {
		return errResponse(f, errInvalidPayload)
	}
	dev := h.store.RegisterDevice(p.DeviceID, p.FcmToken, p.TokenType)
	return response(f, dev)
}

func (h *Hub) handleUnregisterPush(f Frame) Outbound {
	var p struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decodePayload(f, &p); err != nil || p.DeviceID == "" {
		return errResponse(f, errInvalidPayload)
	}
	if !h.store.UnregisterDevice(p.DeviceID) {
		return errResponse(f, fmt.Errorf("device not found: %s", p.DeviceID))
	}
	return response(f, nil)
}

func (h *Hub) handleUpdateEscalationConfig(f Frame) Outbound {
	if len(f.Payload) == 0 {
		return errResponse(f, errInvalidPayload)
	}
	var applyErr error
	updated := h.store.UpdateEscalation(func(c *notify.EscalationConfig) {
		applyErr = decodePayload(f, c)
	})
	if applyErr != nil {
		return errResponse(f, errInvalidPayload)
	}
	return response(f, updated)
}

func (h *Hub) handleSetSessionMuted(f Frame) Outbound {
	var p struct {
		SessionID string `json:"sessionId"`
		Muted     bool   `json:"muted"`
	}
	if err := decodePayload(f, &p); err != nil || p.SessionID == "" {
		return errResponse(f, errInvalidPayload)
	}
	h.store.SetSessionMuted(p.SessionID, p.Muted)
	h.broadcastGlobal(broadcast("session_mute_changed", p.SessionID, map[string]any{
		"sessionId": p.SessionID,
		"muted":     p.Muted,
	}))
	return response(f, nil)
}

func (h *Hub) handleGetNotificationHistory(f Frame) Outbound {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodePayload(f, &p); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	return response(f, map[string]any{"entries": h.store.History(p.Limit)})
}

func (h *Hub) handleSpawnWorkGroup(ctx context.Context, f Frame) Outbound {
	var req workgroup.CreateRequest
	if err := decodePayload(f, &req); err != nil {
		return errResponse(f, errInvalidPayload)
	}
	g, err := h.groups.Create(ctx, req)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, g)
}

type groupPayload struct {
	GroupID  string `json:"groupId"`
	WorkerID string `json:"workerId"`
	Text     string `json:"text"`
}

func (h *Hub) handleGetWorkGroup(f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" {
		return errResponse(f, errInvalidPayload)
	}
	g, err := h.groups.Group(p.GroupID)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, g)
}

func (h *Hub) handleMergeWorkGroup(ctx context.Context, f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" {
		return errResponse(f, errInvalidPayload)
	}
	g, err := h.groups.Merge(ctx, p.GroupID)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, g)
}

func (h *Hub) handleCancelWorkGroup(ctx context.Context, f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" {
		return errResponse(f, errInvalidPayload)
	}
	g, err := h.groups.Cancel(ctx, p.GroupID)
	if err != nil {
		return errResponse(f, err)
	}
	h.esc.AcknowledgeSession(p.GroupID)
	return response(f, g)
}

func (h *Hub) handleRetryWorker(ctx context.Context, f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" || p.WorkerID == "" {
		return errResponse(f, errInvalidPayload)
	}
	g, err := h.groups.Retry(ctx, p.GroupID, p.WorkerID)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, g)
}

func (h *Hub) handleSendWorkerInput(ctx context.Context, f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" || p.WorkerID == "" || p.Text == "" {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.groups.SendInput(ctx, p.GroupID, p.WorkerID, p.Text); err != nil {
		return errResponse(f, err)
	}
	h.esc.AcknowledgeSession(p.GroupID)
	return response(f, nil)
}

func (h *Hub) handleDismissWorkGroup(f Frame) Outbound {
	var p groupPayload
	if err := decodePayload(f, &p); err != nil || p.GroupID == "" {
		return errResponse(f, errInvalidPayload)
	}
	if err := h.groups.Dismiss(p.GroupID); err != nil {
		return errResponse(f, err)
	}
	return response(f, nil)
}

func (h *Hub) handleListOrphanedWorktrees(ctx context.Context, f Frame) Outbound {
	var p struct {
		ParentDir string `json:"parentDir"`
	}
	if err := decodePayload(f, &p); err != nil || p.ParentDir == "" {
		return errResponse(f, errInvalidPayload)
	}
	worktrees, err := h.groups.ListOrphanedWorktrees(ctx, p.ParentDir)
	if err != nil {
		return errResponse(f, err)
	}
	return response(f, map[string]any{"worktrees": worktrees})
}

// handleRotateToken rewrites the requester's listener token. Everyone
// else on that listener is told and loses auth; the requester keeps its
// session and receives the new token.
func (h *Hub) handleRotateToken(c *Client, f Frame) Outbound {
	token, err := h.cfg.RotateToken(c.ListenerPort)
	if err != nil {
		return errResponse(f, err)
	}
	for _, other := range h.snapshotClients() {
		if other.ID == c.ID || other.ListenerPort != c.ListenerPort {
			continue
		}
		if other.Authenticated() {
			other.enqueue(broadcast("token_invalidated", "", nil))
			other.setAuthenticated(false, "")
		}
	}
	return response(f, map[string]any{"token": token})
}
