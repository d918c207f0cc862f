package chat

import (
	"context"
	"net/http"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

// Stream event names.
const (
	EventStart       = "start"
	EventDelta       = "delta"
	EventContactForm = "contact_form"
	EventEnd         = "end"
	EventError       = "error"
)

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string            `json:"event"`
	Content   string            `json:"content,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Source    string            `json:"source,omitempty"`
	Trigger   *chat.ToolTrigger `json:"trigger,omitempty"`
	Status    string            `json:"status,omitempty"`
	Finished  bool              `json:"finished,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// serveEventStream relays the reply as SSE. Headers are already set, so failures after
// this point end the stream with an error event instead of a status code.
func (h *Handler) serveEventStream(w http.ResponseWriter, r *http.Request, reply *chatservice.Reply) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		if reply.Pipe != nil {
			reply.Pipe.Close()
		}
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	send := func(resp StreamResponse) error {
		resp.SessionID = reply.SessionID
		return utils.SendSSEChunk(w, flusher, resp)
	}
	h.relayEvents(r.Context(), reply, send, nil)
}

// relayEvents emits start, deltas, an optional contact_form, then end. observe, when set,
// replaces the reply's own trigger dedup (long-lived connections track keys themselves).
func (h *Handler) relayEvents(ctx context.Context, reply *chatservice.Reply, send func(StreamResponse) error, observe func(*chat.ToolTrigger) bool) chatservice.Status {
	changed := func(trigger *chat.ToolTrigger, fromReply bool) bool {
		if observe != nil {
			return observe(trigger)
		}
		return fromReply
	}

	if err := send(StreamResponse{Event: EventStart, MessageID: reply.MessageID, Source: string(reply.Source)}); err != nil {
		if reply.Pipe != nil {
			reply.Pipe.Close()
		}
		return chatservice.StatusCancelled
	}

	if reply.Pipe == nil {
		if reply.Text != "" {
			if err := send(StreamResponse{Event: EventDelta, Content: reply.Text}); err != nil {
				return chatservice.StatusCancelled
			}
		}
		if changed(reply.Trigger, reply.TriggerChanged) {
			_ = send(StreamResponse{Event: EventContactForm, Trigger: reply.Trigger})
		}
		_ = send(StreamResponse{Event: EventEnd, MessageID: reply.MessageID, Status: string(chatservice.StatusCompleted), Finished: true})
		return chatservice.StatusCompleted
	}

	result := reply.Pipe.Relay(ctx, func(delta string) error {
		return send(StreamResponse{Event: EventDelta, Content: delta})
	})
	if result.Status == chatservice.StatusCancelled {
		h.logger.Debug("reply cancelled", "session_id", reply.SessionID, "error", result.Err)
		return result.Status
	}

	if changed(result.Trigger, result.TriggerChanged) {
		_ = send(StreamResponse{Event: EventContactForm, Trigger: result.Trigger})
	}
	if result.Status == chatservice.StatusErrored {
		_ = send(StreamResponse{Event: EventError, Error: "reply interrupted"})
	}
	_ = send(StreamResponse{Event: EventEnd, MessageID: reply.MessageID, Status: string(result.Status), Finished: true})
	return result.Status
}
