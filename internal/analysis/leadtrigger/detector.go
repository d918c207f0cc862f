// Package leadtrigger decides whether an assistant reply should open the contact form.
package leadtrigger

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
)

// ContactToolName is the tool the model calls to request the contact form.
const ContactToolName = "requestContactForm"

const fallbackKeyPrefix = "fallback:"

// Detector 扫描消息列表，显式工具调用优先于文字回退。
type Detector struct {
	vocab Vocabulary
}

// NewDetector creates a detector over the given vocabulary.
func NewDetector(vocab Vocabulary) *Detector {
	return &Detector{vocab: vocab.normalized()}
}

// Detect returns at most one trigger for the message list, newest message first.
func (d *Detector) Detect(messages []chat.UIMessage) *chat.ToolTrigger {
	if trigger := d.detectToolCall(messages); trigger != nil {
		return trigger
	}
	return d.detectText(messages)
}

func (d *Detector) detectToolCall(messages []chat.UIMessage) *chat.ToolTrigger {
	for mi := len(messages) - 1; mi >= 0; mi-- {
		m := messages[mi]
		for pi, part := range m.Parts {
			if toolName(part) != ContactToolName {
				continue
			}

			callID := part.ToolCallID
			if callID == "" {
				callID = part.ID
			}
			if callID == "" {
				callID = strconv.Itoa(pi)
			}

			payload := decodePayload(part)
			reason := firstNonEmpty(payload.Reason, part.Reason, d.vocab.DefaultReason)

			return &chat.ToolTrigger{
				Key:           messageKey(m, mi) + ":" + callID,
				Reason:        reason,
				SuggestedNote: payload.SuggestedNote,
			}
		}
	}
	return nil
}

func (d *Detector) detectText(messages []chat.UIMessage) *chat.ToolTrigger {
	for mi := len(messages) - 1; mi >= 0; mi-- {
		m := messages[mi]
		if m.Role != string(chat.RoleAssistant) {
			continue
		}

		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if !d.vocab.matches(strings.ToLower(text)) {
			continue
		}

		return &chat.ToolTrigger{
			Key:    fallbackKeyPrefix + messageKey(m, mi),
			Reason: d.vocab.DefaultReason,
		}
	}
	return nil
}

func toolName(part chat.UIPart) string {
	if name, ok := strings.CutPrefix(part.Type, "tool-"); ok && name != "" {
		return name
	}
	if part.ToolName != "" {
		return part.ToolName
	}
	if part.Name != "" {
		return part.Name
	}
	if part.Tool != nil {
		return part.Tool.Name
	}
	return ""
}

type contactPayload struct {
	Reason        string `json:"reason"`
	SuggestedNote string `json:"suggestedNote"`
}

// decodePayload reads the first present payload field; a JSON string holding
// an object (raw tool arguments) is unwrapped once.
func decodePayload(part chat.UIPart) contactPayload {
	for _, raw := range []json.RawMessage{part.Result, part.Output, part.Args, part.Input, part.Data} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}

		var payload contactPayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			return payload
		}

		var encoded string
		if err := json.Unmarshal(raw, &encoded); err == nil {
			_ = json.Unmarshal([]byte(encoded), &payload)
		}
		return payload
	}
	return contactPayload{}
}

func messageKey(m chat.UIMessage, index int) string {
	if m.ID != "" {
		return m.ID
	}
	return strconv.Itoa(index)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Tracker 记住最近一次已处理的触发键，只在键变化时放行。
type Tracker struct {
	mu   sync.Mutex
	last string
}

// NewTracker seeds the tracker with a key the caller already acted on.
func NewTracker(lastKey string) *Tracker {
	return &Tracker{last: lastKey}
}

// Observe reports whether the trigger is new and records it.
func (t *Tracker) Observe(trigger *chat.ToolTrigger) bool {
	if trigger == nil || trigger.Key == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if trigger.Key == t.last {
		return false
	}
	t.last = trigger.Key
	return true
}

// Last returns the most recently observed key.
func (t *Tracker) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
