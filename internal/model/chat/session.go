package chat

import "time"

// Turn captures one inbound request after resolution.
type Turn struct {
	SessionID   string
	Synthesized bool
	OwnerID     string
	Messages    []Message
}

// LastUserText returns the utterance this turn answers, if the final message is a user turn.
func (t Turn) LastUserText() string {
	if len(t.Messages) == 0 {
		return ""
	}
	last := t.Messages[len(t.Messages)-1]
	if last.Role != RoleUser {
		return ""
	}
	return last.Text
}

// ConversationConfig is per-owner state loaded fresh each turn.
type ConversationConfig struct {
	SystemPromptExtension string
	AutoReplyEnabled      bool
	KnowledgeHandle       string
}

// Settings is the owner-editable chat configuration row.
type Settings struct {
	OwnerID      string    `json:"-"`
	SystemPrompt string    `json:"systemPrompt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
