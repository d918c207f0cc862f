package leads

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
	"github.com/zhouzirui/sales-assistant/backend/internal/repository"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
)

type tokenTable map[string]string

func (t tokenTable) ExchangeToken(_ context.Context, token string) (string, error) {
	if owner, ok := t[token]; ok {
		return owner, nil
	}
	return "", errors.New("invalid token")
}

func setupRouter(t *testing.T, defaultOwner string) (*chi.Mux, *repository.SQLiteStore) {
	t.Helper()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "sales.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	resolver := identity.NewResolver(tokenTable{"tok-a": "owner-a", "tok-b": "owner-b"}, defaultOwner, time.Minute, nil)
	r := chi.NewRouter()
	New(store, resolver, nil).RegisterRoutes(r)
	return r, store
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateLead(t *testing.T) {
	r, store := setupRouter(t, "owner-a")

	resp := do(r, http.MethodPost, "/leads", "", `{"name":"王小明","phone":"0912345678","sessionId":"s-1"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"success":true}`, resp.Body.String())

	owner, found, err := store.SessionOwner(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "owner-a", owner)
}

func TestCreateLeadValidation(t *testing.T) {
	r, _ := setupRouter(t, "owner-a")

	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/leads", "", `{"name":"王小明"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/leads", "", `nope`).Code)
}

func TestCreateLeadWithoutOwner(t *testing.T) {
	r, _ := setupRouter(t, "")

	resp := do(r, http.MethodPost, "/leads", "", `{"name":"王小明","phone":"0912"}`)
	require.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestVisitRecordsRequestMetadata(t *testing.T) {
	r, store := setupRouter(t, "owner-a")

	req := httptest.NewRequest(http.MethodPost, "/visit", strings.NewReader(`{"sessionId":"s-2"}`))
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Referer", "https://search.example")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	owner, found, err := store.SessionOwner(context.Background(), "s-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "owner-a", owner)

	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/visit", "", `{"path":"/"}`).Code)
}

func TestMessagesOwnershipChain(t *testing.T) {
	r, store := setupRouter(t, "owner-a")
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.AppendMessage(ctx, chat.PersistedMessage{SessionID: "s-3", OwnerID: "owner-a", Role: chat.RoleUser, Content: "請問價格", CreatedAt: now}))
	require.NoError(t, store.AppendMessage(ctx, chat.PersistedMessage{SessionID: "s-3", OwnerID: "owner-a", Role: chat.RoleAssistant, Content: "歡迎留下聯絡方式", CreatedAt: now.Add(time.Millisecond)}))

	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/messages?sessionId=s-3", "", "").Code)
	require.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/messages", "tok-a", "").Code)
	require.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/messages?sessionId=unknown", "tok-a", "").Code)
	require.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/messages?sessionId=s-3", "tok-b", "").Code)

	resp := do(r, http.MethodGet, "/messages?sessionId=s-3", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Messages []chat.PersistedMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	require.Equal(t, chat.RoleUser, body.Messages[0].Role)
}

func TestMessagesLeadOwnerWins(t *testing.T) {
	r, store := setupRouter(t, "owner-a")
	ctx := context.Background()

	// the message row claims owner-a, but a lead proves owner-b
	require.NoError(t, store.AppendMessage(ctx, chat.PersistedMessage{SessionID: "s-4", OwnerID: "owner-a", Role: chat.RoleUser, Content: "hi", CreatedAt: time.Now().UTC()}))
	resp := do(r, http.MethodPost, "/leads", "tok-b", `{"name":"李","phone":"0988","sessionId":"s-4"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	require.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/messages?sessionId=s-4", "tok-a", "").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/messages?sessionId=s-4", "tok-b", "").Code)
}

func TestSurveySynthesizesSessionAndTimeline(t *testing.T) {
	r, _ := setupRouter(t, "owner-a")

	resp := do(r, http.MethodPost, "/survey", "", `{"goal":"家用休旅","budget":"80–120 萬","note":"  "}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var created struct {
		Success   bool   `json:"success"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.True(t, created.Success)
	require.True(t, strings.HasPrefix(created.SessionID, "srv-"))

	resp = do(r, http.MethodGet, "/messages?sessionId="+created.SessionID, "tok-a", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Messages []chat.PersistedMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Messages, 1)
	require.Equal(t, chat.RoleSurvey, body.Messages[0].Role)
	require.Equal(t, "【問卷】\n需求/目的：家用休旅\n預算：80–120 萬", body.Messages[0].Content)
}

func TestSurveyKeepsGivenSession(t *testing.T) {
	r, store := setupRouter(t, "owner-a")

	resp := do(r, http.MethodPost, "/survey", "tok-b", `{"sessionId":"s-9","goal":"換車"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"success":true,"sessionId":"s-9"}`, resp.Body.String())

	owner, found, err := store.SessionOwner(context.Background(), "s-9")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "owner-b", owner)
}

func TestSurveyValidation(t *testing.T) {
	r, _ := setupRouter(t, "owner-a")

	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/survey", "", `{"goal":"  "}`).Code)
	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/survey", "", `nope`).Code)

	noOwner, _ := setupRouter(t, "")
	require.Equal(t, http.StatusInternalServerError, do(noOwner, http.MethodPost, "/survey", "", `{"goal":"看車"}`).Code)
}

func TestSurveySettingsRoundTrip(t *testing.T) {
	r, _ := setupRouter(t, "")

	// 未配置 owner 时返回内置问卷
	resp := do(r, http.MethodGet, "/survey/settings", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var initial struct {
		Form      lead.SurveyForm `json:"form"`
		UpdatedAt *time.Time      `json:"updatedAt"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &initial))
	require.Equal(t, lead.DefaultSurveyForm(), initial.Form)
	require.Nil(t, initial.UpdatedAt)

	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/survey/settings", "", `{"form":{}}`).Code)
	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/survey/settings", "tok-a", `{}`).Code)

	form := `{"form":{"title":"試乘登記","questions":[{"id":"model","type":"dropdown","title":"車款","options":["A","B"]},{"title":""}]}}`
	require.JSONEq(t, `{"ok":true}`, do(r, http.MethodPost, "/survey/settings", "tok-a", form).Body.String())

	resp = do(r, http.MethodGet, "/survey/settings", "tok-a", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var saved struct {
		Form      lead.SurveyForm `json:"form"`
		UpdatedAt *time.Time      `json:"updatedAt"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &saved))
	require.Equal(t, "試乘登記", saved.Form.Title)
	require.Len(t, saved.Form.Questions, 1)
	require.True(t, saved.Form.Questions[0].Required)
	require.Equal(t, []string{"A", "B"}, saved.Form.Questions[0].Options)
	require.NotNil(t, saved.UpdatedAt)

	// 其他 owner 仍看到默认问卷
	resp = do(r, http.MethodGet, "/survey/settings", "tok-b", "")
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &saved))
	require.Equal(t, lead.DefaultSurveyForm().Title, saved.Form.Title)
}
