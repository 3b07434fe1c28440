package convo

// Status is the derived state of a conversation, computed from the tail
// of its message stream.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusError   Status = "error"
)

// Tool names whose tool_use blocks represent an explicit prompt for
// user input. A conversation whose last assistant turn ends on one of
// these, with no later user message, is waiting.
var promptTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// DeriveStatus computes the session status from the message tail.
//
//	waiting: last assistant turn ended on a prompt-for-input marker and
//	         no later user message answered it
//	working: a tool_use has started without its matching tool_result
//	error:   the last substantive message carries an error marker
//	idle:    otherwise
func DeriveStatus(tail []Message) Status {
	last := lastSubstantive(tail)
	if last == nil {
		return StatusIdle
	}

	if last.IsError {
		return StatusError
	}
	if last.Type == TypeResult {
		if last.Subtype != "" && last.Subtype != "success" {
			return StatusError
		}
		return StatusIdle
	}

	if isWaiting(tail) {
		return StatusWaiting
	}

	if results := last.ToolResults(); len(results) > 0 {
		for _, r := range results {
			if r.IsError {
				return StatusError
			}
		}
	}

	if hasOpenToolUse(tail) {
		return StatusWorking
	}

	// A user prompt with no assistant reply yet means the CLI is working
	// on it.
	if last.Type == TypeUser && len(last.ToolResults()) == 0 {
		return StatusWorking
	}

	return StatusIdle
}

// isWaiting reports whether the latest assistant message ends on an
// explicit prompt-for-input and no user message follows it.
func isWaiting(tail []Message) bool {
	for i := len(tail) - 1; i >= 0; i-- {
		m := &tail[i]
		switch m.Type {
		case TypeUser:
			// Tool results are machine traffic, not the user answering.
			if len(m.ToolResults()) > 0 {
				continue
			}
			return false
		case TypeAssistant:
			for _, tu := range m.ToolUses() {
				if promptTools[tu.Name] {
					return true
				}
			}
			return false
		}
	}
	return false
}

// hasOpenToolUse reports whether any tool_use in the tail lacks its
// matching tool_result.
func hasOpenToolUse(tail []Message) bool {
	resolved := make(map[string]bool)
	for i := range tail {
		for _, tr := range tail[i].ToolResults() {
			if tr.ToolUseID != "" {
				resolved[tr.ToolUseID] = true
			}
		}
	}
	for i := len(tail) - 1; i >= 0; i-- {
		for _, tu := range tail[i].ToolUses() {
			if promptTools[tu.Name] {
				continue
			}
			if tu.ID != "" && !resolved[tu.ID] {
				return true
			}
		}
	}
	return false
}

// lastSubstantive returns the last message that is not a summary or
// bookkeeping line.
func lastSubstantive(tail []Message) *Message {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Type == TypeSummary {
			continue
		}
		return &tail[i]
	}
	return nil
}

// IsCompletionMarker reports whether m is the terminal "done" signal of
// a conversation run.
func IsCompletionMarker(m *Message) bool {
	return m.Type == TypeResult && (m.Subtype == "" || m.Subtype == "success")
}

// IsCompactionMarker reports whether m marks a history compaction.
func IsCompactionMarker(m *Message) bool {
	if m.Type == TypeSystem && m.Subtype == "compact_boundary" {
		return true
	}
	return m.Type == TypeSummary && m.ParentUUID == ""
}

// IsErrorMarker reports whether m carries an error marker: an is_error
// tool result, an error result line, or a system error notice.
func IsErrorMarker(m *Message) bool {
	if m.IsError {
		return true
	}
	if m.Type == TypeResult && m.Subtype != "" && m.Subtype != "success" {
		return true
	}
	for _, tr := range m.ToolResults() {
		if tr.IsError {
			return true
		}
	}
	return false
}
