package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhouzirui/sales-assistant/backend/internal/analysis/leadtrigger"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/persist"
)

// Status is how a relayed reply ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// Result summarizes a finished reply.
type Result struct {
	Text           string
	Status         Status
	Err            error
	RetrievedChars int
	Trigger        *chat.ToolTrigger
	// TriggerChanged is true when Trigger differs from the caller's last acted-on key.
	TriggerChanged bool
}

// Pipe relays model deltas to the transport and finalizes the turn exactly once.
type Pipe struct {
	ctx       context.Context
	stream    *ai.Stream
	persist   *persist.Sidecar
	detector  *leadtrigger.Detector
	logger    *slog.Logger
	ownerID   string
	sessionID string
	messageID string
	history   []chat.UIMessage
	lastKey   string

	text   strings.Builder
	once   sync.Once
	result Result
}

// Relay forwards each delta in order: append, then emit. It returns after finalizing.
func (p *Pipe) Relay(ctx context.Context, emit func(delta string) error) Result {
	status, err := StatusCompleted, error(nil)
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			status, err = StatusCancelled, ctxErr
			break
		}

		delta, recvErr := p.stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			status, err = StatusErrored, recvErr
			if ctx.Err() != nil {
				status = StatusCancelled
			}
			break
		}

		p.text.WriteString(delta)
		if emitErr := emit(delta); emitErr != nil {
			status, err = StatusCancelled, emitErr
			break
		}
	}
	return p.finalize(status, err)
}

// Close finalizes as cancelled if Relay never ran; otherwise it returns the stored result.
func (p *Pipe) Close() Result {
	return p.finalize(StatusCancelled, nil)
}

// MessageID identifies the assistant reply for clients and trigger keys.
func (p *Pipe) MessageID() string {
	return p.messageID
}

func (p *Pipe) finalize(status Status, err error) Result {
	p.once.Do(func() {
		p.stream.Close()

		text := strings.TrimSpace(p.text.String())
		p.persist.RecordAssistant(p.ctx, p.ownerID, p.sessionID, text)

		reply := replyUIMessage(p.messageID, text, p.stream.ContactCalls())
		trigger := detect(p.detector, p.history, reply)

		p.result = Result{
			Text:           text,
			Status:         status,
			Err:            err,
			RetrievedChars: p.stream.RetrievedChars(),
			Trigger:        trigger,
			TriggerChanged: trigger != nil && trigger.Key != p.lastKey,
		}
		if err != nil && status == StatusErrored {
			p.logger.Warn("reply stream errored", "session_id", p.sessionID, "chars", len(text), "error", err)
		} else {
			p.logger.Debug("reply finished", "session_id", p.sessionID, "status", status, "chars", len(text))
		}
	})
	return p.result
}

// replyUIMessage renders the assistant reply the way a client would hold it, so the
// detector sees tool calls and text through the same path as client history.
func replyUIMessage(id, text string, calls []ai.ContactCall) chat.UIMessage {
	content, _ := json.Marshal(text)
	msg := chat.UIMessage{ID: id, Role: string(chat.RoleAssistant), Content: content}
	if text != "" {
		msg.Parts = append(msg.Parts, chat.UIPart{Type: "text", Text: text})
	}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, chat.UIPart{
			Type:       "tool-" + ai.ContactToolName,
			ToolCallID: c.ID,
			Input:      c.Arguments,
		})
	}
	return msg
}

func detect(detector *leadtrigger.Detector, history []chat.UIMessage, reply chat.UIMessage) *chat.ToolTrigger {
	if detector == nil {
		return nil
	}
	all := make([]chat.UIMessage, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, reply)
	return detector.Detect(all)
}
