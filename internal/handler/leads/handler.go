// Package leads captures visitor contact forms, surveys and visits and serves transcripts to owners.
package leads

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sales-assistant/backend/internal/middleware"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

const transcriptLimit = 1000

// Store is the slice of the repository these routes use.
type Store interface {
	AppendLead(ctx context.Context, l lead.Lead) error
	AppendVisit(ctx context.Context, v lead.Visit) error
	SessionOwner(ctx context.Context, sessionID string) (string, bool, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.PersistedMessage, error)
	AppendMessage(ctx context.Context, msg chat.PersistedMessage) error
	AppendSurvey(ctx context.Context, sv lead.Survey) error
	SurveySettings(ctx context.Context, ownerID string) (lead.SurveySettings, bool, error)
	UpsertSurveySettings(ctx context.Context, settings lead.SurveySettings) error
}

// Handler 名单、访问与对话记录的HTTP处理器
type Handler struct {
	store    Store
	identity *identity.Resolver
	logger   *slog.Logger
}

// New 创建名单处理器
func New(store Store, resolver *identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		identity: resolver,
		logger:   logger.With("component", "leads"),
	}
}

// RegisterRoutes 注册名单相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/leads", h.handleCreateLead)
	r.Post("/visit", h.handleVisit)
	r.With(middleware.RequireOwner(h.identity)).Get("/messages", h.handleMessages)

	r.Post("/survey", h.handleSurvey)
	r.Get("/survey/settings", h.handleGetSurveySettings)
	r.With(middleware.RequireOwner(h.identity)).Post("/survey/settings", h.handleSaveSurveySettings)
}

// owner attributes anonymous captures: a bearer owner when present, else the default owner.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.store == nil {
		utils.RespondError(w, http.StatusInternalServerError, "store unavailable")
		return "", false
	}
	who := h.identity.Resolve(r.Context(), r.Header.Get("Authorization"))
	if !who.Present() {
		utils.RespondError(w, http.StatusInternalServerError, "owner is not configured")
		return "", false
	}
	return who.OwnerID, true
}

func (h *Handler) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string `json:"name"`
		Phone     string `json:"phone"`
		Note      string `json:"note"`
		SessionID string `json:"sessionId"`
	}
	if err := utils.DecodeJSON(w, r, 16<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	l := lead.Lead{
		SessionID: strings.TrimSpace(payload.SessionID),
		Name:      strings.TrimSpace(payload.Name),
		Phone:     strings.TrimSpace(payload.Phone),
		Note:      strings.TrimSpace(payload.Note),
		CreatedAt: time.Now().UTC(),
	}
	if l.Name == "" || l.Phone == "" {
		utils.RespondError(w, http.StatusBadRequest, "name and phone are required")
		return
	}

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	l.OwnerID = owner

	if err := h.store.AppendLead(r.Context(), l); err != nil {
		h.logger.Error("save lead failed", "session_id", l.SessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save lead failed")
		return
	}
	h.logger.Info("lead captured", "owner_id", owner, "session_id", l.SessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handleVisit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Path      string `json:"path"`
	}
	if err := utils.DecodeJSON(w, r, 4<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	v := lead.Visit{
		SessionID: strings.TrimSpace(payload.SessionID),
		Path:      strings.TrimSpace(payload.Path),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
		CreatedAt: time.Now().UTC(),
	}
	if v.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if v.Path == "" {
		v.Path = "/"
	}

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	v.OwnerID = owner

	if err := h.store.AppendVisit(r.Context(), v); err != nil {
		h.logger.Error("save visit failed", "session_id", v.SessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save visit failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleMessages returns a transcript once the caller is proven to own the session.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		utils.RespondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	caller := middleware.OwnerFrom(r.Context())

	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	owner, found, err := h.store.SessionOwner(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("resolve session owner failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if !found {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if owner != caller {
		utils.RespondError(w, http.StatusForbidden, "forbidden")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), sessionID, transcriptLimit)
	if err != nil {
		h.logger.Error("list messages failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if messages == nil {
		messages = []chat.PersistedMessage{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
