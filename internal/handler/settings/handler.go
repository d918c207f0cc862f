// Package settings serves the owner-editable chat configuration.
package settings

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sales-assistant/backend/internal/middleware"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

// MaxSystemPromptChars bounds the owner prompt extension.
const MaxSystemPromptChars = 8000

// Store is the slice of the repository these routes write.
type Store interface {
	ChatSettings(ctx context.Context, ownerID string) (chat.Settings, bool, error)
	UpsertChatSettings(ctx context.Context, settings chat.Settings) error
	SetSessionAutoReply(ctx context.Context, ownerID, sessionID string, enabled bool) error
}

// Handler 经销商对话设置的HTTP处理器
type Handler struct {
	store    Store
	identity *identity.Resolver
	logger   *slog.Logger
}

// New 创建设置处理器，store 为 nil 时接口返回 500
func New(store Store, resolver *identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		identity: resolver,
		logger:   logger.With("component", "settings"),
	}
}

// RegisterRoutes 注册设置相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOwner(h.identity))
		r.Get("/chat/settings", h.handleGetSettings)
		r.Post("/chat/settings", h.handleSaveSettings)
		r.Put("/chat/sessions/{sessionID}/auto-reply", h.handleSetAutoReply)
	})
}

// authorize returns the verified owner, or writes 500 when no store is configured.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.store == nil {
		utils.RespondError(w, http.StatusInternalServerError, "store unavailable")
		return "", false
	}
	return middleware.OwnerFrom(r.Context()), true
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.authorize(w, r)
	if !ok {
		return
	}

	settings, found, err := h.store.ChatSettings(r.Context(), owner)
	if err != nil {
		h.logger.Error("read settings failed", "owner_id", owner, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "read settings failed")
		return
	}

	var updatedAt *time.Time
	if found && !settings.UpdatedAt.IsZero() {
		updatedAt = &settings.UpdatedAt
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"systemPrompt": settings.SystemPrompt,
		"updatedAt":    updatedAt,
	})
}

func (h *Handler) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var payload struct {
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := utils.DecodeJSON(w, r, 64<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if utf8.RuneCountInString(payload.SystemPrompt) > MaxSystemPromptChars {
		utils.RespondError(w, http.StatusBadRequest, "systemPrompt is too long")
		return
	}

	err := h.store.UpsertChatSettings(r.Context(), chat.Settings{
		OwnerID:      owner,
		SystemPrompt: payload.SystemPrompt,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("save settings failed", "owner_id", owner, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save settings failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleSetAutoReply(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.authorize(w, r)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := utils.DecodeJSON(w, r, 4<<10, &payload); err != nil || payload.Enabled == nil {
		utils.RespondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := h.store.SetSessionAutoReply(r.Context(), owner, sessionID, *payload.Enabled); err != nil {
		h.logger.Error("save auto-reply failed", "owner_id", owner, "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save auto-reply failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"enabled":   *payload.Enabled,
	})
}
