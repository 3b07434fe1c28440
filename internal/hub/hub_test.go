package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/escalate"
	"github.com/companionhq/companion/internal/files"
	"github.com/companionhq/companion/internal/gitx"
	"github.com/companionhq/companion/internal/notify"
	"github.com/companionhq/companion/internal/tmux"
	"github.com/companionhq/companion/internal/watcher"
	"github.com/companionhq/companion/internal/workgroup"
)

// fakeRunner fakes the tmux binary, keyed by subcommand.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errors    map[string]error
	calls     [][]string
}

func (r *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	if err, ok := r.errors[args[0]]; ok {
		return "", err
	}
	return r.responses[args[0]], nil
}

func (r *fakeRunner) callsFor(sub string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.calls {
		if c[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

func newTestHub(t *testing.T, run *fakeRunner) *Hub {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.json")
	cfgJSON := fmt.Sprintf(`{"listeners":[{"port":9877,"token":"t-abc"}],"codeHome":%q}`,
		filepath.Join(dir, "code"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgJSON), 0o600))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	ctrl := tmux.NewWithRunner(run)
	inj := tmux.NewInjector(ctrl)
	git := gitx.New()
	watch := watcher.New(cfg.CodeHome, ctrl)
	store, err := notify.NewStore(dir)
	require.NoError(t, err)
	sender := notify.NewSender(store)
	esc := escalate.New(store, sender)
	fileSvc := files.New(dir)
	groups := workgroup.New(git, ctrl, inj, watch, "claude")
	t.Cleanup(groups.Close)

	return New(cfg, watch, ctrl, inj, git, groups, fileSvc, store, sender, esc)
}

func authedClient(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := newClient(id, 9877)
	h.register(c)
	out := h.handleFrame(context.Background(), c, Frame{Type: "authenticate", Token: "t-abc"})
	require.True(t, out.Success)
	return c
}

func drain(c *Client) []Outbound {
	var out []Outbound
	for {
		o, ok := c.dequeue()
		if !ok {
			return out
		}
		out = append(out, o)
	}
}

func TestAuthHandshake(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := newClient("c1", 9877)
	h.register(c)
	ctx := context.Background()

	out := h.handleFrame(ctx, c, Frame{Type: "subscribe", RequestID: "s0"})
	assert.Equal(t, "error", out.Type)
	assert.Equal(t, "Not authenticated", out.Error)

	out = h.handleFrame(ctx, c, Frame{Type: "authenticate", Token: "wrong", RequestID: "a0"})
	assert.Equal(t, "authenticated", out.Type)
	assert.False(t, out.Success)
	assert.False(t, c.Authenticated())

	out = h.handleFrame(ctx, c, Frame{Type: "authenticate", Token: "t-abc", RequestID: "a1"})
	assert.Equal(t, "authenticated", out.Type)
	assert.True(t, out.Success)
	assert.Equal(t, "a1", out.RequestID)
	assert.True(t, c.Authenticated())

	out = h.handleFrame(ctx, c, Frame{Type: "subscribe", RequestID: "s1"})
	assert.True(t, out.Success)
}

func TestSubscriptionFiltersBroadcasts(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c1 := authedClient(t, h, "c1")
	c2 := authedClient(t, h, "c2")
	ctx := context.Background()

	h.handleFrame(ctx, c1, Frame{Type: "subscribe", Payload: json.RawMessage(`{"sessionId":"S1"}`)})
	h.handleFrame(ctx, c2, Frame{Type: "subscribe", Payload: json.RawMessage(`{"sessionId":"S2"}`)})

	h.handleWatchEvent(watcher.Event{Type: watcher.EventConversationUpdate, SessionID: "S1"})

	got1 := drain(c1)
	require.Len(t, got1, 1)
	assert.Equal(t, "conversation_update", got1[0].Type)
	assert.Equal(t, "S1", got1[0].SessionID)
	assert.Empty(t, got1[0].RequestID)

	assert.Empty(t, drain(c2))
}

func TestOtherSessionActivityInverted(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")
	h.handleFrame(context.Background(), c, Frame{Type: "subscribe", Payload: json.RawMessage(`{"sessionId":"S1"}`)})

	h.handleWatchEvent(watcher.Event{Type: watcher.EventOtherActivity, SessionID: "S1"})
	assert.Empty(t, drain(c))

	h.handleWatchEvent(watcher.Event{Type: watcher.EventOtherActivity, SessionID: "S2"})
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "other_session_activity", got[0].Type)
}

func TestSendInputRoutesToMatchingPane(t *testing.T) {
	run := &fakeRunner{responses: map[string]string{
		"list-sessions":    "companion-proj-ab12\x1f0\x1f1\x1f/home/u/proj\x1f1700000000\n",
		"show-environment": tmux.MarkerVar + "=1",
	}}
	h := newTestHub(t, run)
	c := authedClient(t, h, "c1")

	payload := fmt.Sprintf(`{"input":"hello","sessionId":%q}`, watcher.EncodeID("/home/u/proj"))
	out := h.handleFrame(context.Background(), c, Frame{
		Type: "send_input", RequestID: "r1", Payload: json.RawMessage(payload),
	})
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "r1", out.RequestID)

	sends := run.callsFor("send-keys")
	require.Len(t, sends, 2)
	assert.Contains(t, sends[0], "-l")
	assert.Contains(t, sends[0], "hello")
	assert.Contains(t, sends[0], "companion-proj-ab12")
	assert.NotContains(t, sends[1], "-l")
	assert.Contains(t, sends[1], "Enter")
}

func TestSendInputWithoutSessionOrActive(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")

	out := h.handleFrame(context.Background(), c, Frame{
		Type: "send_input", Payload: json.RawMessage(`{"input":"hi"}`),
	})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "no active session")
}

func TestRotateTokenInvalidatesOthers(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c1 := authedClient(t, h, "c1")
	c2 := authedClient(t, h, "c2")
	ctx := context.Background()

	out := h.handleFrame(ctx, c1, Frame{Type: "rotate_token", RequestID: "r1"})
	require.True(t, out.Success)
	payload, ok := out.Payload.(map[string]any)
	require.True(t, ok)
	newToken, _ := payload["token"].(string)
	assert.NotEmpty(t, newToken)
	assert.NotEqual(t, "t-abc", newToken)
	assert.Equal(t, newToken, h.cfg.ListenerForPort(9877).Token)

	got := drain(c2)
	require.Len(t, got, 1)
	assert.Equal(t, "token_invalidated", got[0].Type)
	assert.False(t, c2.Authenticated())
	assert.True(t, c1.Authenticated())

	out = h.handleFrame(ctx, c2, Frame{Type: "authenticate", Token: "t-abc"})
	assert.False(t, out.Success)
	out = h.handleFrame(ctx, c2, Frame{Type: "authenticate", Token: newToken})
	assert.True(t, out.Success)
}

func TestUnknownMessageType(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")

	out := h.handleFrame(context.Background(), c, Frame{Type: "bogus", RequestID: "r1"})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "Unknown message type: bogus")
	assert.Equal(t, "r1", out.RequestID)
}

func TestPingAndToolConfig(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")
	ctx := context.Background()

	out := h.handleFrame(ctx, c, Frame{Type: "ping", RequestID: "p1"})
	require.True(t, out.Success)
	payload := out.Payload.(map[string]any)
	assert.Equal(t, true, payload["pong"])

	out = h.handleFrame(ctx, c, Frame{Type: "get_tool_config"})
	assert.True(t, out.Success)
}

func TestGetServerSummarySurfacesTmuxFailure(t *testing.T) {
	run := &fakeRunner{errors: map[string]error{
		"list-sessions": fmt.Errorf("tmux: lost server socket"),
	}}
	h := newTestHub(t, run)
	c := authedClient(t, h, "c1")

	out := h.handleFrame(context.Background(), c, Frame{Type: "get_server_summary", RequestID: "r1"})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "lost server socket")

	// No tmux server at all is an empty summary, not a failure.
	run2 := &fakeRunner{errors: map[string]error{
		"list-sessions": fmt.Errorf("no server running on /tmp/tmux-0/default"),
	}}
	h2 := newTestHub(t, run2)
	c2 := authedClient(t, h2, "c1")
	out = h2.handleFrame(context.Background(), c2, Frame{Type: "get_server_summary"})
	assert.True(t, out.Success)
}

func TestSetSessionMutedBroadcasts(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c1 := authedClient(t, h, "c1")
	c2 := authedClient(t, h, "c2")

	out := h.handleFrame(context.Background(), c1, Frame{
		Type: "set_session_muted", Payload: json.RawMessage(`{"sessionId":"S1","muted":true}`),
	})
	require.True(t, out.Success)

	for _, c := range []*Client{c1, c2} {
		got := drain(c)
		require.Len(t, got, 1)
		assert.Equal(t, "session_mute_changed", got[0].Type)
	}
	assert.True(t, h.store.IsMuted("S1"))
}

func TestWaitingStatusFeedsEscalation(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")
	h.handleFrame(context.Background(), c, Frame{Type: "subscribe"})

	h.handleWatchEvent(watcher.Event{Type: watcher.EventStatusChange, SessionID: "S1", Status: "waiting"})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "status_change", got[0].Type)

	pending := h.esc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "S1", pending[0].Event.SessionID)
	assert.Equal(t, notify.EventWaitingForInput, pending[0].Event.EventType)
}

func TestSendInputAcknowledgesEscalation(t *testing.T) {
	run := &fakeRunner{responses: map[string]string{
		"list-sessions":    "companion-proj-ab12\x1f0\x1f1\x1f/home/u/proj\x1f1700000000\n",
		"show-environment": tmux.MarkerVar + "=1",
	}}
	h := newTestHub(t, run)
	c := authedClient(t, h, "c1")
	sid := watcher.EncodeID("/home/u/proj")

	h.handleWatchEvent(watcher.Event{Type: watcher.EventStatusChange, SessionID: sid, Status: "waiting"})
	require.Len(t, h.esc.Pending(), 1)

	payload := fmt.Sprintf(`{"input":"done","sessionId":%q}`, sid)
	out := h.handleFrame(context.Background(), c, Frame{Type: "send_input", Payload: json.RawMessage(payload)})
	require.True(t, out.Success, out.Error)

	assert.Empty(t, h.esc.Pending())
}

func TestClientQueueDropsOldest(t *testing.T) {
	c := newClient("c1", 9877)
	for i := 0; i < outboundQueueCap+1; i++ {
		c.enqueue(Outbound{Type: fmt.Sprintf("t%d", i)})
	}
	got := drain(c)
	require.Len(t, got, outboundQueueCap)
	assert.Equal(t, "t1", got[0].Type)
	assert.Equal(t, fmt.Sprintf("t%d", outboundQueueCap), got[len(got)-1].Type)
}

func TestGroupUpdateBroadcastAndEscalation(t *testing.T) {
	h := newTestHub(t, &fakeRunner{})
	c := authedClient(t, h, "c1")

	h.handleGroupUpdate(workgroup.Update{
		Group: workgroup.WorkGroup{ID: "g1", Name: "demo", Workers: []*workgroup.Worker{
			{ID: "w1", Task: "build it", Status: workgroup.WorkerWaiting},
		}},
		Event:    notify.EventWorkerWaiting,
		WorkerID: "w1",
	})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "work_group_update", got[0].Type)
	assert.Equal(t, "g1", got[0].SessionID)

	pending := h.esc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "g1", pending[0].Event.SessionID)
}
