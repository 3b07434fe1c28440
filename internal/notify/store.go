// Package notify persists the notification plane (device registrations,
// escalation config, muted sessions, history) and fans pushes out to
// gateway backends. State lives in two JSON files in the config dir;
// writes are debounced and drained synchronously on shutdown.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/companionhq/companion/internal/id"
)

const (
	stateFileName   = "notifications.json"
	historyFileName = "notification-history.json"

	flushDelay = 3 * time.Second

	// historyCap bounds the history file; oldest entries drop first.
	historyCap = 100
)

// Delivery tiers for history entries.
const (
	TierBrowser = "browser"
	TierPush    = "push"
	TierBoth    = "both"
)

// Event types the escalation config can enable.
const (
	EventWaitingForInput  = "waiting_for_input"
	EventErrorDetected    = "error_detected"
	EventSessionCompleted = "session_completed"
	EventWorkerWaiting    = "worker_waiting"
	EventWorkerError      = "worker_error"
	EventWorkGroupReady   = "work_group_ready"
)

// Device is one registered push target.
type Device struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Kind         string    `json:"kind"` // gateway selector, e.g. "fcm", "apns"
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// QuietHours is a local-time window during which pushes are suppressed.
// The window may wrap past midnight; start == end means always active.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // HH:MM
	End     string `json:"end"`   // HH:MM
}

// EscalationConfig is the single process-wide escalation policy.
type EscalationConfig struct {
	Events           map[string]bool `json:"events"`
	PushDelaySeconds int             `json:"pushDelaySeconds"`
	RateLimitSeconds int             `json:"rateLimitSeconds"`
	QuietHours       QuietHours      `json:"quietHours"`
}

// DefaultEscalationConfig enables every event type with a 5 minute
// push delay and 1 minute rate limit.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Events: map[string]bool{
			EventWaitingForInput:  true,
			EventErrorDetected:    true,
			EventSessionCompleted: true,
			EventWorkerWaiting:    true,
			EventWorkerError:      true,
			EventWorkGroupReady:   true,
		},
		PushDelaySeconds: 300,
		RateLimitSeconds: 60,
		QuietHours:       QuietHours{Start: "22:00", End: "08:00"},
	}
}

// HistoryEntry is one append-only notification record.
type HistoryEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"eventType"`
	SessionID    string    `json:"sessionId,omitempty"`
	SessionName  string    `json:"sessionName,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	Tier         string    `json:"tier"`
	Acknowledged bool      `json:"acknowledged"`
}

// stateFile is the on-disk shape of the state file. The legacy rules
// field is read for migration and never written back.
type stateFile struct {
	Escalation    *EscalationConfig `json:"escalation,omitempty"`
	Devices       []Device          `json:"devices"`
	MutedSessions []string          `json:"mutedSessions"`
	Rules         json.RawMessage   `json:"rules,omitempty"`
}

// Store owns the notification state on disk.
type Store struct {
	dir string
	log *slog.Logger

	mu         sync.Mutex
	escalation EscalationConfig
	devices    map[string]Device
	muted      map[string]bool
	history    []HistoryEntry

	stateTimer   *time.Timer
	historyTimer *time.Timer
}

// NewStore loads (or initializes) the notification state in dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:        dir,
		log:        slog.Default().With("component", "notify"),
		escalation: DefaultEscalationConfig(),
		devices:    make(map[string]Device),
		muted:      make(map[string]bool),
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create notify dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if err == nil {
		var f stateFile
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			s.log.Warn("state file unreadable, starting fresh", "error", jsonErr)
		} else {
			for _, d := range f.Devices {
				s.devices[d.ID] = d
			}
			for _, id := range f.MutedSessions {
				s.muted[id] = true
			}
			if len(f.Rules) > 0 {
				// Legacy format: keep devices and mutes, reset the
				// escalation config, rewrite in the new shape.
				s.log.Info("migrating legacy notification state")
				s.scheduleStateFlush()
			} else if f.Escalation != nil {
				s.escalation = *f.Escalation
				if s.escalation.Events == nil {
					s.escalation.Events = DefaultEscalationConfig().Events
				}
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state file: %w", err)
	}

	data, err = os.ReadFile(filepath.Join(s.dir, historyFileName))
	if err == nil {
		if jsonErr := json.Unmarshal(data, &s.history); jsonErr != nil {
			s.log.Warn("history file unreadable, starting fresh", "error", jsonErr)
			s.history = nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read history file: %w", err)
	}
	return nil
}

// scheduleStateFlush arms the debounce timer; callers hold s.mu.
func (s *Store) scheduleStateFlush() {
	if s.stateTimer != nil {
		return
	}
	s.stateTimer = time.AfterFunc(flushDelay, func() {
		s.mu.Lock()
		s.stateTimer = nil
		s.writeStateLocked()
		s.mu.Unlock()
	})
}

func (s *Store) scheduleHistoryFlush() {
	if s.historyTimer != nil {
		return
	}
	s.historyTimer = time.AfterFunc(flushDelay, func() {
		s.mu.Lock()
		s.historyTimer = nil
		s.writeHistoryLocked()
		s.mu.Unlock()
	})
}

func (s *Store) writeStateLocked() {
	f := stateFile{
		Escalation:    &s.escalation,
		Devices:       make([]Device, 0, len(s.devices)),
		MutedSessions: make([]string, 0, len(s.muted)),
	}
	for _, d := range s.devices {
		f.Devices = append(f.Devices, d)
	}
	for id := range s.muted {
		f.MutedSessions = append(f.MutedSessions, id)
	}
	if err := writeJSON(filepath.Join(s.dir, stateFileName), f); err != nil {
		s.log.Error("write state file", "error", err)
	}
}

func (s *Store) writeHistoryLocked() {
	if err := writeJSON(filepath.Join(s.dir, historyFileName), s.history); err != nil {
		s.log.Error("write history file", "error", err)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Flush drains both debounce timers synchronously. Called on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateTimer != nil {
		s.stateTimer.Stop()
		s.stateTimer = nil
		s.writeStateLocked()
	}
	if s.historyTimer != nil {
		s.historyTimer.Stop()
		s.historyTimer = nil
		s.writeHistoryLocked()
	}
}

// RegisterDevice adds or replaces a device registration.
func (s *Store) RegisterDevice(deviceID, token, kind string) Device {
	if kind == "" {
		kind = "fcm"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	d, ok := s.devices[deviceID]
	if !ok {
		d = Device{ID: deviceID, RegisteredAt: now}
	}
	d.Token = token
	d.Kind = kind
	d.LastSeen = now
	s.devices[deviceID] = d
	s.scheduleStateFlush()
	return d
}

// UnregisterDevice removes a device registration.
func (s *Store) UnregisterDevice(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return false
	}
	delete(s.devices, deviceID)
	s.scheduleStateFlush()
	return true
}

// UpdateDeviceLastSeen touches a device's last-seen timestamp. It never
// schedules a flush; the value is persisted with the next real change.
func (s *Store) UpdateDeviceLastSeen(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.LastSeen = time.Now()
		s.devices[deviceID] = d
	}
}

// Devices returns a copy of all registered devices.
func (s *Store) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// SetSessionMuted mutes or unmutes a session.
func (s *Store) SetSessionMuted(sessionID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if muted {
		s.muted[sessionID] = true
	} else {
		delete(s.muted, sessionID)
	}
	s.scheduleStateFlush()
}

// IsMuted reports whether a session is muted.
func (s *Store) IsMuted(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[sessionID]
}

// MutedSessions returns the muted session ids.
func (s *Store) MutedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.muted))
	for id := range s.muted {
		out = append(out, id)
	}
	return out
}

// Escalation returns a copy of the escalation config.
func (s *Store) Escalation() EscalationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.escalation
	cfg.Events = make(map[string]bool, len(s.escalation.Events))
	for k, v := range s.escalation.Events {
		cfg.Events[k] = v
	}
	return cfg
}

// UpdateEscalation applies a partial update to the escalation config
// and returns the result.
func (s *Store) UpdateEscalation(apply func(*EscalationConfig)) EscalationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.escalation)
	s.scheduleStateFlush()
	return s.escalation
}

// AddHistory appends an entry (generating its id if empty) and drops
// the oldest past the cap.
func (s *Store) AddHistory(e HistoryEntry) HistoryEntry {
	if e.ID == "" {
		e.ID = id.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.scheduleHistoryFlush()
	return e
}

// UpgradeHistoryTier promotes an entry's delivery tier after a push.
func (s *Store) UpgradeHistoryTier(entryID, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID == entryID {
			s.history[i].Tier = tier
			s.scheduleHistoryFlush()
			return
		}
	}
}

// AcknowledgeHistory flags every entry for a session as acknowledged.
func (s *Store) AcknowledgeHistory(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.history {
		if s.history[i].SessionID == sessionID && !s.history[i].Acknowledged {
			s.history[i].Acknowledged = true
			changed = true
		}
	}
	if changed {
		s.scheduleHistoryFlush()
	}
}

// History returns the newest limit entries, newest first. limit <= 0
// returns everything.
func (s *Store) History(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// ClearHistory drops all history entries.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.scheduleHistoryFlush()
}
