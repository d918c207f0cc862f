package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/sales-assistant/backend/internal/analysis/leadtrigger"
	chatservice "github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 54 * time.Second
)

type inboundMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Token string          `json:"token,omitempty"`
}

// connectionState 在一个连接的多轮对话之间保持会话与触发去重状态
type connectionState struct {
	sessionID     string
	authorization string
	tracker       *leadtrigger.Tracker
}

func newConnectionState(r *http.Request) *connectionState {
	q := r.URL.Query()
	auth := r.Header.Get("Authorization")
	if auth == "" && q.Get("token") != "" {
		auth = "Bearer " + q.Get("token")
	}
	return &connectionState{
		sessionID:     strings.TrimSpace(q.Get("sessionId")),
		authorization: auth,
		tracker:       leadtrigger.NewTracker(q.Get("lastTriggerKey")),
	}
}

// handleWebSocket 处理WebSocket连接，每条 turn 消息对应一轮对话
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	state := newConnectionState(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxBody)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})
	go pingLoop(ctx, conn)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))

		switch msg.Type {
		case "ping":
			if err := h.writeFrame(conn, StreamResponse{Event: "pong", SessionID: state.sessionID}); err != nil {
				return
			}
		case "turn":
			if msg.Token != "" {
				state.authorization = "Bearer " + msg.Token
			}
			if status := h.runTurn(ctx, conn, state, msg.Data); status == chatservice.StatusCancelled && ctx.Err() != nil {
				return
			}
			// 回复期间不会读取 pong，长回复结束后重新计时
			conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		default:
			if err := h.writeFrame(conn, StreamResponse{Event: EventError, Error: "unsupported message type"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) runTurn(ctx context.Context, conn *websocket.Conn, state *connectionState, body json.RawMessage) chatservice.Status {
	reply, err := h.chatSvc.Begin(ctx, chatservice.TurnInput{
		Body:          body,
		Authorization: state.authorization,
		SessionID:     state.sessionID,
	})
	if err != nil {
		ce := chatservice.AsError(err)
		h.logger.Debug("websocket turn rejected", "code", ce.Code, "error", err)
		if writeErr := h.writeFrame(conn, StreamResponse{Event: EventError, SessionID: state.sessionID, Error: ce.Reason}); writeErr != nil {
			return chatservice.StatusCancelled
		}
		return chatservice.StatusErrored
	}

	// A synthesized id sticks for the rest of the connection.
	state.sessionID = reply.SessionID

	send := func(resp StreamResponse) error {
		resp.SessionID = reply.SessionID
		return h.writeFrame(conn, resp)
	}
	return h.relayEvents(ctx, reply, send, state.tracker.Observe)
}

func (h *Handler) writeFrame(conn *websocket.Conn, resp StreamResponse) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(resp)
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
