package chat

import (
	"encoding/json"
	"strings"
)

// ToolTrigger signals that the visitor should be shown the contact form.
type ToolTrigger struct {
	Key           string `json:"key"`
	Reason        string `json:"reason"`
	SuggestedNote string `json:"suggestedNote"`
}

// UIToolRef is the nested {"tool": {"name": ...}} form some clients send.
type UIToolRef struct {
	Name string `json:"name"`
}

// UIPart is one rendered part of a client-side message.
type UIPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Name       string          `json:"name,omitempty"`
	Tool       *UIToolRef      `json:"tool,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ID         string          `json:"id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// UIMessage is a client-held message as used for trigger detection.
type UIMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Parts   []UIPart        `json:"parts,omitempty"`
}

// TextParts joins the text parts of the message.
func (m UIMessage) TextParts() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Text returns the text parts, or a plain string content when there are no parts.
func (m UIMessage) Text() string {
	if len(m.Parts) > 0 {
		return m.TextParts()
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ParseUIMessages decodes an array of client messages entry by entry,
// skipping anything that does not decode.
func ParseUIMessages(raw json.RawMessage) []UIMessage {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	out := make([]UIMessage, 0, len(entries))
	for _, entry := range entries {
		var m UIMessage
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
