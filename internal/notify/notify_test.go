package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	s.RegisterDevice("d1", "tok-1", "fcm")
	s.SetSessionMuted("s1", true)
	s.UpdateEscalation(func(c *EscalationConfig) { c.PushDelaySeconds = 42 })
	s.Flush()

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	devices := reloaded.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "tok-1", devices[0].Token)
	assert.True(t, reloaded.IsMuted("s1"))
	assert.Equal(t, 42, reloaded.Escalation().PushDelaySeconds)
}

func TestRegisterDeviceDefaultsKind(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	d := s.RegisterDevice("d1", "tok", "")
	assert.Equal(t, "fcm", d.Kind)
}

func TestLastSeenNeverSchedulesFlush(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	s.RegisterDevice("d1", "tok", "fcm")
	s.Flush()

	s.UpdateDeviceLastSeen("d1")
	s.mu.Lock()
	assert.Nil(t, s.stateTimer)
	s.mu.Unlock()
}

func TestLegacyRulesMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := map[string]any{
		"rules":         []map[string]any{{"event": "waiting", "delay": 10}},
		"devices":       []map[string]any{{"id": "d1", "token": "tok", "kind": "apns"}},
		"mutedSessions": []string{"s9"},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), data, 0o600))

	s, err := NewStore(dir)
	require.NoError(t, err)

	// Devices and mutes survive; escalation resets to defaults.
	require.Len(t, s.Devices(), 1)
	assert.True(t, s.IsMuted("s9"))
	assert.Equal(t, DefaultEscalationConfig().PushDelaySeconds, s.Escalation().PushDelaySeconds)

	// The file is rewritten without the legacy field.
	s.Flush()
	raw, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"rules"`)
	assert.Contains(t, string(raw), `"escalation"`)
}

func TestHistoryCapDropsOldest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < historyCap+10; i++ {
		s.AddHistory(HistoryEntry{EventType: "waiting_for_input", Preview: fmt.Sprintf("n%d", i)})
	}
	all := s.History(0)
	require.Len(t, all, historyCap)
	// Newest first; the oldest 10 were dropped.
	assert.Equal(t, fmt.Sprintf("n%d", historyCap+9), all[0].Preview)
	assert.Equal(t, "n10", all[len(all)-1].Preview)

	limited := s.History(3)
	assert.Len(t, limited, 3)
}

func TestUpgradeHistoryTier(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	e := s.AddHistory(HistoryEntry{EventType: "waiting_for_input", Tier: TierBrowser})

	s.UpgradeHistoryTier(e.ID, TierBoth)
	assert.Equal(t, TierBoth, s.History(1)[0].Tier)
}

func TestAcknowledgeHistory(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	s.AddHistory(HistoryEntry{EventType: "waiting_for_input", SessionID: "s1"})
	s.AddHistory(HistoryEntry{EventType: "error_detected", SessionID: "s2"})

	s.AcknowledgeHistory("s1")
	for _, e := range s.History(0) {
		assert.Equal(t, e.SessionID == "s1", e.Acknowledged)
	}
}

type fakeGateway struct {
	name string
	err  error
	sent []Payload
}

func (g *fakeGateway) Name() string { return g.name }
func (g *fakeGateway) Send(_ context.Context, _ string, p Payload) error {
	g.sent = append(g.sent, p)
	return g.err
}

func TestSendToAllDevicesPerDeviceOutcomes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	s.RegisterDevice("good", "tok-a", "fcm")
	s.RegisterDevice("bad", "tok-b", "apns")
	s.RegisterDevice("orphan", "tok-c", "unknown")

	fcm := &fakeGateway{name: "fcm"}
	apns := &fakeGateway{name: "apns", err: errors.New("expired token")}
	sender := NewSender(s, fcm, apns)

	outcomes := sender.SendToAllDevices(context.Background(), Payload{Title: "t", Body: "b"})
	require.Len(t, outcomes, 3)

	byDevice := make(map[string]Outcome)
	for _, o := range outcomes {
		byDevice[o.DeviceID] = o
	}
	assert.True(t, byDevice["good"].OK)
	assert.False(t, byDevice["bad"].OK)
	assert.Contains(t, byDevice["bad"].Error, "expired token")
	assert.False(t, byDevice["orphan"].OK)
	assert.Contains(t, byDevice["orphan"].Error, "no gateway")

	// The failing device did not abort the batch.
	assert.Len(t, fcm.sent, 1)
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", TruncatePreview("short"))

	long := strings.Repeat("x", 250)
	got := TruncatePreview(long)
	assert.Equal(t, 200+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestFlushIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	s.RegisterDevice("d1", "tok", "fcm")
	s.Flush()
	s.Flush()

	// A scheduled timer that already fired is also safe.
	s.SetSessionMuted("s1", true)
	time.Sleep(10 * time.Millisecond)
	s.Flush()
	assert.True(t, s.IsMuted("s1"))
}
