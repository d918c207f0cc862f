// Package knowledge serves owner knowledge documents.
package knowledge

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/sales-assistant/backend/internal/middleware"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/knowledge"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

const maxDocumentBytes = 2 << 20

// Handler 知识库文档的HTTP处理器
type Handler struct {
	knowledge *knowledge.Service
	identity  *identity.Resolver
	logger    *slog.Logger
}

// New 创建知识库处理器
func New(svc *knowledge.Service, resolver *identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		knowledge: svc,
		identity:  resolver,
		logger:    logger.With("component", "knowledge_handler"),
	}
}

// RegisterRoutes 注册知识库相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOwner(h.identity))
		r.Get("/knowledge", h.handleList)
		r.Post("/knowledge", h.handleAdd)
		r.Delete("/knowledge", h.handleDelete)
		r.Delete("/knowledge/{documentID}", h.handleDelete)
	})
}

func (h *Handler) available(w http.ResponseWriter) bool {
	if !h.knowledge.Enabled() {
		utils.RespondError(w, http.StatusServiceUnavailable, "knowledge base unavailable")
		return false
	}
	return true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	owner := middleware.OwnerFrom(r.Context())

	docs, err := h.knowledge.ListDocuments(r.Context(), owner)
	if err != nil {
		h.logger.Error("list documents failed", "owner_id", owner, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "list documents failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": docs})
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	owner := middleware.OwnerFrom(r.Context())

	var payload struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, maxDocumentBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(payload.Content) == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}

	doc, err := h.knowledge.AddDocument(r.Context(), owner, payload.Title, payload.Content)
	if err != nil {
		h.logger.Error("add document failed", "owner_id", owner, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "add document failed")
		return
	}
	h.logger.Info("document indexed", "owner_id", owner, "document_id", doc.ID, "chunks", doc.ChunkCount)
	utils.RespondJSON(w, http.StatusCreated, doc)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	owner := middleware.OwnerFrom(r.Context())

	id := chi.URLParam(r, "documentID")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		utils.RespondError(w, http.StatusBadRequest, "id is required")
		return
	}

	err := h.knowledge.DeleteDocument(r.Context(), owner, id)
	switch {
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		utils.RespondError(w, http.StatusNotFound, "document not found")
	case err != nil:
		h.logger.Error("delete document failed", "owner_id", owner, "document_id", id, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "delete document failed")
	default:
		utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
