package convo

import (
	"encoding/json"
	"fmt"
)

// IsHighlight reports whether a message changes visible state: a user
// prompt, assistant text, a tool-use start, a waiting prompt, or an
// error.
func IsHighlight(m *Message) bool {
	switch m.Type {
	case TypeUser:
		// Tool results ride in user-role lines but are machine traffic.
		return len(m.ToolResults()) == 0 && m.Text != ""
	case TypeAssistant:
		return m.Text != "" || len(m.ToolUses()) > 0
	case TypeSystem:
		return m.IsError || m.Subtype == "compact_boundary"
	case TypeResult:
		return true
	}
	return false
}

// Highlights returns the human-visible subset of messages, in order.
func Highlights(messages []Message) []Message {
	var out []Message
	for i := range messages {
		if IsHighlight(&messages[i]) {
			out = append(out, messages[i])
		}
	}
	return out
}

// Task is one todo-list entry extracted from an embedded tool call.
type Task struct {
	Content string `json:"content"`
	Status  string `json:"status"`
	Active  bool   `json:"active"`
}

type todoInput struct {
	Todos []struct {
		Content    string `json:"content"`
		Status     string `json:"status"`
		ActiveForm string `json:"activeForm"`
	} `json:"todos"`
}

// Tasks extracts the most recent todo list from the message stream: the
// last TodoWrite tool-use wins, since each call rewrites the whole list.
func Tasks(messages []Message) []Task {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, tu := range messages[i].ToolUses() {
			if tu.Name != "TodoWrite" || len(tu.Input) == 0 {
				continue
			}
			var in todoInput
			if err := json.Unmarshal(tu.Input, &in); err != nil {
				continue
			}
			tasks := make([]Task, 0, len(in.Todos))
			for _, t := range in.Todos {
				tasks = append(tasks, Task{
					Content: t.Content,
					Status:  t.Status,
					Active:  t.Status == "in_progress",
				})
			}
			return tasks
		}
	}
	return nil
}

// UsageTotals folds every usage record in a file into per-category
// totals. Malformed lines are skipped per the usual failure policy.
func UsageTotals(path string) (Usage, error) {
	res, err := ParseFile(path, 0, 0)
	if err != nil {
		return Usage{}, err
	}
	var total Usage
	for i := range res.Messages {
		if u := res.Messages[i].Usage; u != nil {
			total.Add(*u)
		}
	}
	return total, nil
}

// ChainResult is a paginated view over a logical log chain.
type ChainResult struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	Skipped  int       `json:"-"`
}

// ParseChain treats an ordered list of log files as one logical
// concatenation (the CLI rotates logs; each new file references its
// predecessor) and returns the last `limit` highlights, skipping
// `offset` from the end. limit <= 0 means no limit.
func ParseChain(files []string, limit, offset int) (ChainResult, error) {
	var all []Message
	var skipped int
	index := 0
	for _, f := range files {
		res, err := ParseFile(f, 0, index)
		if err != nil {
			return ChainResult{}, fmt.Errorf("parse chain: %w", err)
		}
		all = append(all, res.Messages...)
		skipped += res.Skipped
		index += len(res.Messages)
	}

	hl := Highlights(all)

	end := len(hl) - offset
	if end < 0 {
		end = 0
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	return ChainResult{
		Messages: hl[start:end],
		HasMore:  start > 0,
		Skipped:  skipped,
	}, nil
}
