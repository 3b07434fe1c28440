// Package convo decodes the coding CLI's JSONL conversation logs into
// typed messages and derives projections over them: highlights, task
// lists, token-usage totals, and session status. Message payloads are
// passed through; the daemon never validates their semantics.
package convo

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/companionhq/companion/internal/util/timefmt"
)

// Message types observed in the log stream.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeSystem    = "system"
	TypeResult    = "result"
	TypeSummary   = "summary"
)

// ContentBlock is one element of a structured message content list.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Usage is a token-usage record attached to an assistant message.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Add folds another usage record into the receiver.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationTokens += o.CacheCreationTokens
	u.CacheReadTokens += o.CacheReadTokens
}

// Message is one decoded JSONL line. Index is the message's position
// within its file; messages are append-only and never mutated.
type Message struct {
	Index      int             `json:"index"`
	Type       string          `json:"type"`
	UUID       string          `json:"uuid,omitempty"`
	ParentUUID string          `json:"parentUuid,omitempty"`
	Timestamp  time.Time       `json:"-"`
	Role       string          `json:"role,omitempty"`
	Text       string          `json:"text,omitempty"`
	Blocks     []ContentBlock  `json:"blocks,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Subtype    string          `json:"subtype,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// rawLine mirrors the CLI's on-disk line shape.
type rawLine struct {
	Type       string          `json:"type"`
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	Timestamp  string          `json:"timestamp"`
	Subtype    string          `json:"subtype"`
	IsError    bool            `json:"is_error"`
	Summary    string          `json:"summary"`
	Message    json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *Usage          `json:"usage"`
}

// decodeLine turns one JSONL line into a Message. Returns false when
// the line is not valid JSON or carries no recognizable type.
func decodeLine(line []byte, index int) (Message, bool) {
	var rl rawLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return Message{}, false
	}
	if rl.Type == "" {
		return Message{}, false
	}

	m := Message{
		Index:      index,
		Type:       rl.Type,
		UUID:       rl.UUID,
		ParentUUID: rl.ParentUUID,
		Timestamp:  timefmt.Parse(rl.Timestamp),
		IsError:    rl.IsError,
		Subtype:    rl.Subtype,
		Raw:        json.RawMessage(append([]byte(nil), line...)),
	}

	if rl.Type == TypeSummary {
		m.Text = rl.Summary
		return m, true
	}

	if len(rl.Message) > 0 {
		var rm rawMessage
		if err := json.Unmarshal(rl.Message, &rm); err == nil {
			m.Role = rm.Role
			m.StopReason = rm.StopReason
			m.Usage = rm.Usage
			m.Text, m.Blocks = decodeContent(rm.Content)
		}
	}
	return m, true
}

// decodeContent accepts either a plain string or a list of typed blocks.
func decodeContent(raw json.RawMessage) (string, []ContentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(blk.Text)
		}
	}
	return b.String(), blocks
}

// ToolUses returns the tool_use blocks of the message, if any.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks of the message, if any.
func (m *Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Type == "tool_result" {
			out = append(out, b)
		}
	}
	return out
}

// MarshalJSON serializes the timestamp in the wire format alongside the
// declared fields.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp,omitempty"`
	}{
		alias:     alias(m),
		Timestamp: formatTimestamp(m.Timestamp),
	})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return timefmt.Format(t)
}
