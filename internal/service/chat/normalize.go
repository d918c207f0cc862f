package chat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
)

// Shape 表示请求体命中的形态。
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeTurnArray
	ShapePromptString
	ShapeMessageObject
)

func (s Shape) String() string {
	switch s {
	case ShapeTurnArray:
		return "turn-array"
	case ShapePromptString:
		return "prompt-string"
	case ShapeMessageObject:
		return "message-object"
	default:
		return "empty"
	}
}

// Request is a decoded turn request.
type Request struct {
	Shape          Shape
	SessionID      string
	LastTriggerKey string
	Messages       []chat.Message
	// UI keeps the client's raw turns for trigger detection.
	UI []chat.UIMessage
}

var promptFields = []string{"prompt", "input", "text", "message"}

// ParseRequest decodes a turn request body. Only malformed JSON is an error; a body
// without usable text yields an empty message list.
func ParseRequest(body []byte) (Request, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Request{}, newError(ErrorInvalidInput, "request body is empty", nil)
	}
	if !json.Valid(body) {
		return Request{}, newError(ErrorInvalidInput, "request body is not valid JSON", nil)
	}

	var req Request
	switch body[0] {
	case '[':
		req.Shape = ShapeTurnArray
		req.Messages = parseTurns(body)
		req.UI = chat.ParseUIMessages(body)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return Request{}, newError(ErrorInvalidInput, "request body is not valid JSON", err)
		}
		req.SessionID = stringField(fields, "sessionId")
		req.LastTriggerKey = stringField(fields, "lastTriggerKey")
		if req.LastTriggerKey == "" {
			req.LastTriggerKey = stringField(fields, "lastKey")
		}
		parseObject(&req, body, fields)
	}

	if len(req.Messages) == 0 {
		req.Shape = ShapeEmpty
	}
	return req, nil
}

func parseObject(req *Request, body []byte, fields map[string]json.RawMessage) {
	messages := fields["messages"]

	// 数组里没有可用文本时继续尝试后面的形态
	if kind(messages) == '[' {
		req.UI = chat.ParseUIMessages(messages)
		if turns := parseTurns(messages); len(turns) > 0 {
			req.Shape = ShapeTurnArray
			req.Messages = turns
			return
		}
	}

	if text := strings.TrimSpace(stringField(fields, "messages")); text != "" {
		req.Shape = ShapePromptString
		req.Messages = []chat.Message{{Role: chat.RoleUser, Text: text}}
		return
	}
	for _, name := range promptFields {
		if text := strings.TrimSpace(stringField(fields, name)); text != "" {
			req.Shape = ShapePromptString
			req.Messages = []chat.Message{{Role: chat.RoleUser, Text: text}}
			return
		}
	}

	var single json.RawMessage
	switch {
	case kind(messages) == '{':
		single = messages
	case kind(fields["message"]) == '{':
		single = fields["message"]
	case fields["role"] != nil || fields["content"] != nil || fields["parts"] != nil:
		single = body
	default:
		return
	}
	req.Shape = ShapeMessageObject
	if m, ok := parseTurn(single); ok {
		req.Messages = []chat.Message{m}
	}
	req.UI = chat.ParseUIMessages(json.RawMessage("[" + string(single) + "]"))
}

func parseTurns(raw json.RawMessage) []chat.Message {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	out := make([]chat.Message, 0, len(entries))
	for _, entry := range entries {
		if m, ok := parseTurn(entry); ok {
			out = append(out, m)
		}
	}
	return out
}

type rawTurn struct {
	Role    json.RawMessage `json:"role"`
	Content json.RawMessage `json:"content"`
	Parts   json.RawMessage `json:"parts"`
}

// parseTurn accepts a bare string (a user turn) or an object with role/content/parts.
func parseTurn(raw json.RawMessage) (chat.Message, bool) {
	switch kind(raw) {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return chat.Message{}, false
		}
		s = strings.TrimSpace(s)
		return chat.Message{Role: chat.RoleUser, Text: s}, s != ""
	case '{':
	default:
		return chat.Message{}, false
	}

	var t rawTurn
	if err := json.Unmarshal(raw, &t); err != nil {
		return chat.Message{}, false
	}
	var role string
	_ = json.Unmarshal(t.Role, &role)

	text := turnText(t)
	if text == "" {
		return chat.Message{}, false
	}
	return chat.Message{Role: chat.ParseRole(role), Text: text}, true
}

func turnText(t rawTurn) string {
	if kind(t.Content) == '"' {
		var s string
		if err := json.Unmarshal(t.Content, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if kind(t.Content) == '[' {
		if text := strings.TrimSpace(joinTextParts(t.Content)); text != "" {
			return text
		}
	}
	if kind(t.Parts) == '[' {
		return strings.TrimSpace(joinTextParts(t.Parts))
	}
	return ""
}

func joinTextParts(raw json.RawMessage) string {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var part struct {
			Type string `json:"type"`
			Text any    `json:"text"`
		}
		if err := json.Unmarshal(p, &part); err != nil || part.Type != "text" {
			continue
		}
		if s, ok := part.Text.(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok || kind(raw) != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// kind returns the first significant byte of a JSON value, or 0.
func kind(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
