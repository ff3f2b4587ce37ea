package agent

import "strings"

// Role is the speaker of one transcript entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one transcript entry.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// history is the append-only transcript of one run.
type history struct {
	messages []ChatMessage
}

func newHistory(system, query string) *history {
	return &history{messages: []ChatMessage{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: query},
	}}
}

func (h *history) append(role Role, content string) {
	h.messages = append(h.messages, ChatMessage{Role: role, Content: content})
}

// transcript serialises the history as "[role] content" lines.
func (h *history) transcript() string {
	var b strings.Builder
	for i, m := range h.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(string(m.Role))
		b.WriteString("] ")
		b.WriteString(m.Content)
	}
	return b.String()
}
