package chat

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

// Trailer names carried after a streamed reply.
const (
	trailerRetrieved = "X-Retrieved-Context-Chars"
	trailerFinish    = "X-Finish-Status"
	trailerTrigger   = "X-Contact-Trigger"
)

// Handler 对话接口的HTTP处理器
type Handler struct {
	chatSvc     *chatservice.Service
	maxBody     int64
	readTimeout time.Duration
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// New 创建对话处理器
func New(chatSvc *chatservice.Service, maxBody int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		chatSvc:     chatSvc,
		maxBody:     maxBody,
		readTimeout: wsReadTimeout,
		logger:      logger.With("component", "chat_handler"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/chat/detect", h.handleDetect)
	r.Get("/chat/ws", h.handleWebSocket)
}

// handleChat 处理一轮对话，默认返回纯文本流，Accept: text/event-stream 时返回SSE
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.chatSvc.Begin(r.Context(), chatservice.TurnInput{
		Body:          body,
		Authorization: r.Header.Get("Authorization"),
	})
	if err != nil {
		h.respondTurnError(w, err)
		return
	}

	writeDiagnostics(w.Header(), reply)
	if wantsEventStream(r) {
		h.serveEventStream(w, r, reply)
		return
	}
	h.servePlainText(w, r, reply)
}

func (h *Handler) servePlainText(w http.ResponseWriter, r *http.Request, reply *chatservice.Reply) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	if reply.Pipe == nil {
		if reply.TriggerChanged {
			w.Header().Set(trailerTrigger, reply.Trigger.Key)
		}
		w.WriteHeader(http.StatusOK)
		if reply.Text != "" {
			if _, err := io.WriteString(w, reply.Text); err != nil {
				h.logger.Debug("write reply failed", "session_id", reply.SessionID, "error", err)
			}
		}
		return
	}

	w.Header().Set("Trailer", strings.Join([]string{trailerRetrieved, trailerFinish, trailerTrigger}, ", "))
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	result := reply.Pipe.Relay(r.Context(), func(delta string) error {
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	writeTrailers(w.Header(), result)
}

func (h *Handler) respondTurnError(w http.ResponseWriter, err error) {
	ce := chatservice.AsError(err)
	detail := ""
	if ce.Code == chatservice.ErrorUpstream && ce.Err != nil {
		detail = ce.Err.Error()
	}
	if ce.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("turn failed", "code", ce.Code, "error", err)
	}
	utils.RespondErrorDetail(w, ce.HTTPStatus(), ce.Reason, detail)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
}

// handleDetect 对调用方持有的消息运行联络触发检测
func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Messages       []chat.UIMessage `json:"messages"`
		LastTriggerKey string           `json:"lastTriggerKey"`
		LastKey        string           `json:"lastKey"`
	}
	if err := utils.DecodeJSON(w, r, h.maxBody, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lastKey := payload.LastTriggerKey
	if lastKey == "" {
		lastKey = payload.LastKey
	}
	trigger, changed := h.chatSvc.Detect(payload.Messages, lastKey)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"trigger": trigger,
		"changed": changed,
	})
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream")
}

func writeDiagnostics(h http.Header, reply *chatservice.Reply) {
	h.Set("X-Session-Id", reply.SessionID)
	h.Set("X-Session-Synthesized", strconv.FormatBool(reply.Synthesized))
	h.Set("X-Owner-Resolved", string(reply.OwnerSource))
	h.Set("X-Auto-Reply", reply.AutoReply.String())
	h.Set("X-Knowledge", labelIf(reply.KnowledgeBound, "bound", "none"))
	h.Set("X-Persist", labelIf(reply.PersistAttempted, "attempted", "skipped"))
	if reply.DeferredMode != "" {
		h.Set("X-Deferred", reply.DeferredMode)
	}
	h.Set("X-Reply-Source", string(reply.Source))
	h.Set("X-Message-Id", reply.MessageID)
}

func writeTrailers(h http.Header, result chatservice.Result) {
	h.Set(trailerRetrieved, strconv.Itoa(result.RetrievedChars))
	h.Set(trailerFinish, string(result.Status))
	if result.TriggerChanged {
		h.Set(trailerTrigger, result.Trigger.Key)
	}
}

func labelIf(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
