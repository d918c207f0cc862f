package chat

import "time"

// Role 是规范化后的消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleSurvey marks a submitted questionnaire in the conversation timeline.
	RoleSurvey    Role = "survey"
)

// ParseRole maps client role names onto the canonical roles.
// Only assistant and agent become assistant; anything else is a user turn.
func ParseRole(raw string) Role {
	switch raw {
	case "assistant", "agent":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Message is one normalized turn: trimmed plain text plus a role.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// PersistedMessage is the row appended to the durable store.
type PersistedMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	OwnerID   string    `json:"ownerId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
