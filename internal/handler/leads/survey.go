package leads

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/sales-assistant/backend/internal/middleware"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
	"github.com/zhouzirui/sales-assistant/backend/pkg/utils"
)

// surveySessionPrefix marks sessions created by a survey submitted outside any chat.
const surveySessionPrefix = "srv-"

func (h *Handler) handleSurvey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		lead.SurveyAnswers
	}
	if err := utils.DecodeJSON(w, r, 16<<10, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	answers := lead.SurveyAnswers{
		Goal:     strings.TrimSpace(payload.Goal),
		Budget:   strings.TrimSpace(payload.Budget),
		Timeline: strings.TrimSpace(payload.Timeline),
		TradeIn:  strings.TrimSpace(payload.TradeIn),
		Note:     strings.TrimSpace(payload.Note),
	}
	if answers.Goal == "" {
		utils.RespondError(w, http.StatusBadRequest, "goal is required")
		return
	}

	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		sessionID = surveySessionPrefix + uuid.NewString()
	}
	now := time.Now().UTC()

	sv := lead.Survey{
		OwnerID:       owner,
		SessionID:     sessionID,
		Answers:       answers,
		SchemaVersion: lead.SurveySchemaVersion,
		CreatedAt:     now,
	}
	if err := h.store.AppendSurvey(r.Context(), sv); err != nil {
		h.logger.Error("save survey failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save survey failed")
		return
	}

	// 时间线记录失败不影响问卷本身
	entry := chat.PersistedMessage{
		SessionID: sessionID,
		OwnerID:   owner,
		Role:      chat.RoleSurvey,
		Content:   answers.Transcript(),
		CreatedAt: now,
	}
	if err := h.store.AppendMessage(r.Context(), entry); err != nil {
		h.logger.Warn("append survey timeline failed", "session_id", sessionID, "error", err)
	}

	h.logger.Info("survey captured", "owner_id", owner, "session_id", sessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": sessionID})
}

// handleGetSurveySettings serves the form visitors see; anonymous callers get the default owner's form.
func (h *Handler) handleGetSurveySettings(w http.ResponseWriter, r *http.Request) {
	who := h.identity.Resolve(r.Context(), r.Header.Get("Authorization"))
	if h.store == nil || !who.Present() {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"form": lead.DefaultSurveyForm(), "updatedAt": nil})
		return
	}

	settings, found, err := h.store.SurveySettings(r.Context(), who.OwnerID)
	if err != nil {
		h.logger.Error("read survey settings failed", "owner_id", who.OwnerID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "read failed")
		return
	}
	if !found {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"form": lead.DefaultSurveyForm(), "updatedAt": nil})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"form": settings.Form, "updatedAt": settings.UpdatedAt})
}

func (h *Handler) handleSaveSurveySettings(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		utils.RespondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	var payload struct {
		Form json.RawMessage `json:"form"`
	}
	if err := utils.DecodeJSON(w, r, 64<<10, &payload); err != nil || len(payload.Form) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid body")
		return
	}

	settings := lead.SurveySettings{
		OwnerID:   middleware.OwnerFrom(r.Context()),
		Form:      lead.NormalizeSurveyForm(payload.Form),
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.store.UpsertSurveySettings(r.Context(), settings); err != nil {
		h.logger.Error("save survey settings failed", "owner_id", settings.OwnerID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "save failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
